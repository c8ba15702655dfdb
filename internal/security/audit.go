package security

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const auditBatchSize = 100

// EventType labels an audit trail entry.
type EventType string

const (
	// EventAdminMutation is a provider or cooldown change through the
	// admin API.
	EventAdminMutation EventType = "admin_mutation"
	// EventAdminAccess is a read-only admin request.
	EventAdminAccess EventType = "admin_access"
	// EventAuthFailure is a rejected admin credential.
	EventAuthFailure EventType = "auth_failure"
	// EventRateLimited is a request refused by the admin rate limiter.
	EventRateLimited EventType = "rate_limited"
	// EventValidationFailure is a request rejected by schema validation.
	EventValidationFailure EventType = "validation_failure"
	// EventExhaustion is a relayed request that ran out of candidates.
	EventExhaustion EventType = "failover_exhaustion"
)

// Event is one audit trail entry.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Subject   string                 `json:"subject,omitempty"`
	IP        string                 `json:"ip,omitempty"`
	Method    string                 `json:"method,omitempty"`
	Path      string                 `json:"path,omitempty"`
	Status    int                    `json:"status,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// AuditConfig controls the audit buffer.
type AuditConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	BufferSize    int           `yaml:"buffer_size" json:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
}

// AuditLogger buffers audit events and flushes them into the
// structured log in batches so handlers never block on the trail.
type AuditLogger struct {
	cfg    AuditConfig
	logger *logrus.Logger

	events chan Event
	stop   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	count   int64
	stopped bool
}

// NewAuditLogger builds the audit logger and, when enabled, starts its
// flush loop.
func NewAuditLogger(cfg AuditConfig, logger *logrus.Logger) *AuditLogger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	a := &AuditLogger{
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, cfg.BufferSize),
		stop:   make(chan struct{}),
	}
	if cfg.Enabled {
		a.wg.Add(1)
		go a.run()
	}
	return a
}

// Record queues an event, stamping its ID and timestamp. A full buffer
// drops the event rather than blocking the request path.
func (a *AuditLogger) Record(event Event) {
	a.mu.Lock()
	if !a.cfg.Enabled || a.stopped {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	event.ID = uuid.New().String()
	event.Timestamp = time.Now().UTC()
	event.Details = redactDetails(event.Details)

	select {
	case a.events <- event:
		a.mu.Lock()
		a.count++
		a.mu.Unlock()
	default:
		a.logger.Warn("Audit buffer full, dropping event")
	}
}

// RecordExhaustion enters a relayed request that ran out of eligible
// candidates into the trail.
func (a *AuditLogger) RecordExhaustion(family string, tried int) {
	a.Record(Event{
		Type:    EventExhaustion,
		Message: "relayed request exhausted all candidates",
		Details: map[string]interface{}{
			"family": family,
			"tried":  tried,
		},
	})
}

// EventCount returns how many events were accepted into the buffer.
func (a *AuditLogger) EventCount() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Stop drains and flushes the buffer. Events recorded after Stop are
// discarded.
func (a *AuditLogger) Stop() {
	a.mu.Lock()
	if !a.cfg.Enabled || a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	close(a.stop)
	a.wg.Wait()
}

// Middleware enters every request on the wrapped surface into the
// trail, typed by method and outcome. It installs the identity holder
// the auth middleware fills further in.
func (a *AuditLogger) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			holder := &authHolder{}
			r = r.WithContext(contextWithHolder(r.Context(), holder))

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			event := Event{
				Type:      eventFor(r.Method, rec.status),
				IP:        clientIP(r),
				Method:    r.Method,
				Path:      r.URL.Path,
				Status:    rec.status,
				RequestID: r.Header.Get("X-Request-Id"),
				Message:   fmt.Sprintf("%s %s -> %d", r.Method, r.URL.Path, rec.status),
			}
			if holder.info != nil {
				event.Subject = holder.info.Subject
			}
			a.Record(event)
		})
	}
}

func (a *AuditLogger) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, auditBatchSize)
	for {
		select {
		case event := <-a.events:
			batch = append(batch, event)
			if len(batch) >= auditBatchSize {
				a.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				a.flush(batch)
				batch = batch[:0]
			}
		case <-a.stop:
			for {
				select {
				case event := <-a.events:
					batch = append(batch, event)
				default:
					a.flush(batch)
					return
				}
			}
		}
	}
}

func (a *AuditLogger) flush(batch []Event) {
	for _, event := range batch {
		entry := a.logger.WithFields(logrus.Fields{
			"audit":      true,
			"event_id":   event.ID,
			"event_type": string(event.Type),
			"subject":    event.Subject,
			"ip":         event.IP,
			"method":     event.Method,
			"path":       event.Path,
			"status":     event.Status,
			"request_id": event.RequestID,
		})
		for key, value := range event.Details {
			entry = entry.WithField("detail_"+key, value)
		}

		switch severity(event.Type) {
		case "high":
			entry.Warn(event.Message)
		case "medium":
			entry.Info(event.Message)
		default:
			entry.Debug(event.Message)
		}
	}
}

func severity(t EventType) string {
	switch t {
	case EventAuthFailure, EventExhaustion:
		return "high"
	case EventAdminMutation, EventRateLimited, EventValidationFailure:
		return "medium"
	default:
		return "low"
	}
}

func eventFor(method string, status int) EventType {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return EventAuthFailure
	case http.StatusTooManyRequests:
		return EventRateLimited
	}
	if status >= 400 && status < 500 {
		return EventValidationFailure
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return EventAdminMutation
	default:
		return EventAdminAccess
	}
}

var sensitiveFragments = []string{
	"password", "token", "secret", "key", "auth", "credential", "bearer",
}

func redactDetails(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for key, value := range details {
		if sensitiveField(key) {
			out[key] = "[redacted]"
		} else {
			out[key] = value
		}
	}
	return out
}

func sensitiveField(field string) bool {
	lower := strings.ToLower(field)
	for _, fragment := range sensitiveFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

func contextWithHolder(ctx context.Context, holder *authHolder) context.Context {
	return context.WithValue(ctx, authHolderKey, holder)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
