package security

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// captureLogger collects JSON log lines so tests can inspect what the
// flush loop wrote. Reads only happen after Stop has joined the loop.
func captureLogger() (*logrus.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger, buf
}

func auditLines(buf *bytes.Buffer) []gjson.Result {
	var lines []gjson.Result
	for _, line := range strings.Split(buf.String(), "\n") {
		if line == "" {
			continue
		}
		parsed := gjson.Parse(line)
		if parsed.Get("audit").Bool() {
			lines = append(lines, parsed)
		}
	}
	return lines
}

func TestAuditDisabledDropsEvents(t *testing.T) {
	audit := NewAuditLogger(AuditConfig{Enabled: false}, testLogger())

	audit.Record(Event{Type: EventAdminAccess, Message: "ignored"})

	assert.Equal(t, int64(0), audit.EventCount())
	audit.Stop()
}

func TestAuditStopFlushesQueuedEvents(t *testing.T) {
	logger, buf := captureLogger()
	audit := NewAuditLogger(AuditConfig{
		Enabled:       true,
		BufferSize:    16,
		FlushInterval: time.Hour,
	}, logger)

	audit.Record(Event{Type: EventAdminMutation, Subject: "ops", Message: "provider created"})
	audit.Record(Event{Type: EventAuthFailure, Message: "bad credential"})
	audit.Stop()

	lines := auditLines(buf)
	require.Len(t, lines, 2)

	assert.Equal(t, "admin_mutation", lines[0].Get("event_type").String())
	assert.Equal(t, "ops", lines[0].Get("subject").String())
	assert.Equal(t, "provider created", lines[0].Get("msg").String())
	assert.NotEmpty(t, lines[0].Get("event_id").String())
	assert.Equal(t, "info", lines[0].Get("level").String())

	assert.Equal(t, "auth_failure", lines[1].Get("event_type").String())
	assert.Equal(t, "warning", lines[1].Get("level").String())
}

func TestAuditIgnoresEventsAfterStop(t *testing.T) {
	audit := NewAuditLogger(AuditConfig{Enabled: true, FlushInterval: time.Hour}, testLogger())

	audit.Record(Event{Type: EventAdminAccess, Message: "before"})
	audit.Stop()
	audit.Record(Event{Type: EventAdminAccess, Message: "after"})

	assert.Equal(t, int64(1), audit.EventCount())
}

func TestAuditFullBufferDropsEvent(t *testing.T) {
	// Built by hand so no flush loop drains the channel.
	audit := &AuditLogger{
		cfg:    AuditConfig{Enabled: true, BufferSize: 1, FlushInterval: time.Hour},
		logger: testLogger(),
		events: make(chan Event, 1),
		stop:   make(chan struct{}),
	}

	audit.Record(Event{Type: EventAdminAccess, Message: "fits"})
	audit.Record(Event{Type: EventAdminAccess, Message: "dropped"})

	assert.Equal(t, int64(1), audit.EventCount())
}

func TestAuditDetailsRedacted(t *testing.T) {
	logger, buf := captureLogger()
	audit := NewAuditLogger(AuditConfig{
		Enabled:       true,
		FlushInterval: time.Hour,
	}, logger)

	audit.Record(Event{
		Type:    EventAdminMutation,
		Message: "provider updated",
		Details: map[string]interface{}{
			"provider_id": "anthropic-main",
			"api_key":     "sk-ant-secret",
			"auth_token":  "bearer-value",
		},
	})
	audit.Stop()

	lines := auditLines(buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "anthropic-main", lines[0].Get("detail_provider_id").String())
	assert.Equal(t, "[redacted]", lines[0].Get("detail_api_key").String())
	assert.Equal(t, "[redacted]", lines[0].Get("detail_auth_token").String())
}

func TestRecordExhaustion(t *testing.T) {
	logger, buf := captureLogger()
	audit := NewAuditLogger(AuditConfig{Enabled: true, FlushInterval: time.Hour}, logger)

	audit.RecordExhaustion("claude", 3)
	audit.Stop()

	lines := auditLines(buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "failover_exhaustion", lines[0].Get("event_type").String())
	assert.Equal(t, "claude", lines[0].Get("detail_family").String())
	assert.Equal(t, int64(3), lines[0].Get("detail_tried").Int())
	assert.Equal(t, "warning", lines[0].Get("level").String())
}

func TestEventFor(t *testing.T) {
	tests := []struct {
		method string
		status int
		want   EventType
	}{
		{http.MethodGet, http.StatusOK, EventAdminAccess},
		{http.MethodPost, http.StatusCreated, EventAdminMutation},
		{http.MethodPut, http.StatusOK, EventAdminMutation},
		{http.MethodDelete, http.StatusNoContent, EventAdminMutation},
		{http.MethodGet, http.StatusUnauthorized, EventAuthFailure},
		{http.MethodPost, http.StatusForbidden, EventAuthFailure},
		{http.MethodGet, http.StatusTooManyRequests, EventRateLimited},
		{http.MethodPost, http.StatusBadRequest, EventValidationFailure},
		{http.MethodGet, http.StatusInternalServerError, EventAdminAccess},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, eventFor(tt.method, tt.status), "%s %d", tt.method, tt.status)
	}
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, "high", severity(EventAuthFailure))
	assert.Equal(t, "high", severity(EventExhaustion))
	assert.Equal(t, "medium", severity(EventAdminMutation))
	assert.Equal(t, "medium", severity(EventRateLimited))
	assert.Equal(t, "medium", severity(EventValidationFailure))
	assert.Equal(t, "low", severity(EventAdminAccess))
}

func TestRedactDetails(t *testing.T) {
	assert.Nil(t, redactDetails(nil))

	out := redactDetails(map[string]interface{}{
		"provider":        "alpha",
		"password":        "hunter2",
		"X-Api-Key":       "sk-1",
		"credential_file": "/tmp/cred",
	})
	assert.Equal(t, "alpha", out["provider"])
	assert.Equal(t, "[redacted]", out["password"])
	assert.Equal(t, "[redacted]", out["X-Api-Key"])
	assert.Equal(t, "[redacted]", out["credential_file"])
}

func TestAuditMiddlewareRecordsMutation(t *testing.T) {
	logger, buf := captureLogger()
	audit := NewAuditLogger(AuditConfig{Enabled: true, FlushInterval: time.Hour}, logger)

	handler := audit.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/admin/providers", nil)
	req.Header.Set("X-Request-Id", "req-7")
	req.RemoteAddr = "10.0.0.9:51234"
	handler.ServeHTTP(httptest.NewRecorder(), req)
	audit.Stop()

	lines := auditLines(buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "admin_mutation", lines[0].Get("event_type").String())
	assert.Equal(t, "/admin/providers", lines[0].Get("path").String())
	assert.Equal(t, int64(http.StatusCreated), lines[0].Get("status").Int())
	assert.Equal(t, "req-7", lines[0].Get("request_id").String())
	assert.Equal(t, "10.0.0.9", lines[0].Get("ip").String())
}

func TestAuditMiddlewareSeesAuthSubject(t *testing.T) {
	logger, buf := captureLogger()
	audit := NewAuditLogger(AuditConfig{Enabled: true, FlushInterval: time.Hour}, logger)
	auth := NewAuthenticator(Config{AdminKeys: []string{"static-admin-key"}}, testLogger())

	handler := audit.Middleware()(auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	req := httptest.NewRequest(http.MethodGet, "/admin/providers", nil)
	req.Header.Set("X-Admin-Key", "static-admin-key")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	audit.Stop()

	lines := auditLines(buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "admin_access", lines[0].Get("event_type").String())
	assert.True(t, strings.HasPrefix(lines[0].Get("subject").String(), "key:"))
}

func TestAuditMiddlewareTypesRejections(t *testing.T) {
	logger, buf := captureLogger()
	audit := NewAuditLogger(AuditConfig{Enabled: true, FlushInterval: time.Hour}, logger)
	auth := NewAuthenticator(Config{AdminKeys: []string{"static-admin-key"}}, testLogger())

	handler := audit.Middleware()(auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/admin/providers", nil))
	audit.Stop()

	lines := auditLines(buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "auth_failure", lines[0].Get("event_type").String())
	assert.Equal(t, int64(http.StatusUnauthorized), lines[0].Get("status").Int())
	assert.Equal(t, "warning", lines[0].Get("level").String())
}

func TestStatusRecorderDefaultsToOK(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	assert.Equal(t, http.StatusOK, rec.status)

	rec.WriteHeader(http.StatusNotFound)
	assert.Equal(t, http.StatusNotFound, rec.status)
}
