// Package dispatch drives a relayed request through candidate
// selection, probing, sending, and failover until it succeeds or no
// eligible candidate remains. One Dispatcher serves all three families
// concurrently; per-request state never leaves the stack.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-relay/internal/breaker"
	"github.com/tributary-ai/llm-relay/internal/cooldown"
	"github.com/tributary-ai/llm-relay/internal/metrics"
	"github.com/tributary-ai/llm-relay/internal/probe"
	"github.com/tributary-ai/llm-relay/internal/protocol"
	"github.com/tributary-ai/llm-relay/internal/registry"
	"github.com/tributary-ai/llm-relay/internal/selector"
	"github.com/tributary-ai/llm-relay/internal/types"
	"github.com/tributary-ai/llm-relay/internal/waf"
)

const (
	// DefaultMaxAttempts bounds full upstream sends per request.
	DefaultMaxAttempts = 3
	// DefaultMaxBodyBytes caps buffered request bodies.
	DefaultMaxBodyBytes = 32 << 20

	defaultRetryInitialInterval = 200 * time.Millisecond
	defaultRetryMaxInterval     = 2 * time.Second

	// failureBodyLimit caps how much of a failed upstream response is
	// read for classification and challenge detection.
	failureBodyLimit = 64 << 10
)

// Config controls dispatch behavior.
type Config struct {
	MaxAttempts          int           `yaml:"max_attempts" json:"max_attempts"`
	MaxBodyBytes         int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval" json:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval" json:"retry_max_interval"`

	// SystemInstruction, when set, is placed into every outbound request
	// in the target family's expected field.
	SystemInstruction     string               `yaml:"system_instruction" json:"system_instruction"`
	SystemInstructionMode protocol.RewriteMode `yaml:"system_instruction_mode" json:"system_instruction_mode"`
}

// Dependencies carries the shared components a Dispatcher drives.
type Dependencies struct {
	Registry  *registry.Registry
	Selector  *selector.Selector
	Breakers  *breaker.Arena
	Cooldowns *cooldown.Manager
	Prober    *probe.Prober
	WAF       *waf.Registry
	Metrics   *metrics.Metrics
	Client    *http.Client

	// OnExhausted, when set, is called after a request runs out of
	// eligible candidates, before the error answer is written.
	OnExhausted func(family types.Family, tried int)
}

// Dispatcher relays inbound requests to ranked upstream candidates.
type Dispatcher struct {
	cfg         Config
	registry    *registry.Registry
	selector    *selector.Selector
	breakers    *breaker.Arena
	cooldowns   *cooldown.Manager
	prober      *probe.Prober
	wafs        *waf.Registry
	metrics     *metrics.Metrics
	client      *http.Client
	logger      *logrus.Logger
	onExhausted func(family types.Family, tried int)
}

// NewDispatcher wires a dispatcher from its shared components.
func NewDispatcher(cfg Config, deps Dependencies, logger *logrus.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = defaultRetryInitialInterval
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = defaultRetryMaxInterval
	}
	if cfg.SystemInstructionMode == "" {
		cfg.SystemInstructionMode = protocol.ModeInsertIfAbsent
	}
	client := deps.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Dispatcher{
		cfg:         cfg,
		registry:    deps.Registry,
		selector:    deps.Selector,
		breakers:    deps.Breakers,
		cooldowns:   deps.Cooldowns,
		prober:      deps.Prober,
		wafs:        deps.WAF,
		metrics:     deps.Metrics,
		client:      client,
		logger:      logger,
		onExhausted: deps.OnExhausted,
	}
}

// ServeHTTP classifies the request and runs the failover loop.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.New().String()
		r.Header.Set("X-Request-Id", requestID)
	}
	w.Header().Set("X-Request-Id", requestID)

	body, err := io.ReadAll(io.LimitReader(r.Body, d.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}
	if int64(len(body)) > d.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "request body too large")
		return
	}

	family, err := protocol.Classify(r.URL.Path, body)
	if err != nil {
		d.metrics.RecordRequest("unknown", metrics.OutcomeRejected, time.Since(start))
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	log := d.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"family":     string(family),
		"path":       r.URL.Path,
	})

	if family == types.FamilyCodex {
		if updated, from, to := protocol.SanitizeRequestModel(body); from != "" {
			body = updated
			log.WithFields(logrus.Fields{"from": from, "to": to}).Debug("Sanitized model name")
		}
	}
	if d.cfg.SystemInstruction != "" {
		body, err = protocol.RewriteSystemInstruction(body, family, d.cfg.SystemInstruction, d.cfg.SystemInstructionMode)
		if err != nil {
			d.metrics.RecordRequest(string(family), metrics.OutcomeRejected, time.Since(start))
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}

	outcome := d.dispatch(w, r, log, family, body)
	d.metrics.RecordRequest(string(family), outcome, time.Since(start))
}

// dispatch runs the candidate loop and returns the request outcome
// label. It writes the caller's response except when the client is
// already gone.
func (d *Dispatcher) dispatch(w http.ResponseWriter, r *http.Request, log *logrus.Entry, family types.Family, body []byte) string {
	ctx := r.Context()
	upstreamPath := protocol.StripFamilyPrefix(r.URL.Path, family)

	tried := make(map[string]bool)
	failures := 0
	attempts := 0

	for attempts < d.cfg.MaxAttempts {
		if ctx.Err() != nil {
			log.Debug("Client gone, aborting dispatch")
			return metrics.OutcomeCanceled
		}

		candidates := d.selector.Rank(family, tried)
		if len(candidates) == 0 {
			break
		}
		cand := candidates[0]
		candLog := log.WithFields(logrus.Fields{
			"provider": cand.Provider.Name,
			"url":      cand.Endpoint.URL,
		})

		// After the first failure every new candidate is probed with a
		// minimal request before committing a full one to it.
		if failures > 0 {
			if err := d.prober.Check(ctx, cand); err != nil {
				if ctx.Err() != nil {
					return metrics.OutcomeCanceled
				}
				d.metrics.RecordProbe(metrics.ProbeFail)
				d.recordFailure(candLog, cand, err)
				tried[cand.Key()] = true
				failures++
				continue
			}
			d.metrics.RecordProbe(metrics.ProbePass)
		}

		attempts++
		resp, err := d.send(ctx, r, cand, family, upstreamPath, body)
		if err == nil {
			d.recordSuccess(ctx, candLog, cand)
			if relayErr := d.relay(w, resp); relayErr != nil {
				candLog.WithError(relayErr).Debug("Response stream interrupted")
			}
			return metrics.OutcomeSuccess
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			log.Debug("Client gone, aborting dispatch")
			return metrics.OutcomeCanceled
		}

		// A full-request failure stales any cached probe pass for the
		// candidate; the next cycle must re-probe.
		d.prober.Invalidate(cand.Key())
		d.recordFailure(candLog, cand, err)
		tried[cand.Key()] = true
		failures++
	}

	log.WithFields(logrus.Fields{
		"tried":    len(tried),
		"attempts": attempts,
	}).Warn("No eligible upstream provider remains")
	if d.onExhausted != nil {
		d.onExhausted(family, len(tried))
	}
	writeError(w, http.StatusServiceUnavailable, "exhausted", "no eligible upstream provider remains")
	return metrics.OutcomeExhausted
}

// send performs one full attempt against a candidate: the request with
// transient same-candidate retry, then the single challenge-bypass
// retry when the response is a recognized WAF page. A non-nil response
// is one the caller owns, whether success or a passed-through client
// error.
func (d *Dispatcher) send(ctx context.Context, r *http.Request, cand types.Candidate, family types.Family, upstreamPath string, body []byte) (*http.Response, error) {
	target, err := d.upstreamURL(cand, family, upstreamPath, r.URL.RawQuery)
	if err != nil {
		return nil, types.NewConfigError(cand.Provider.ID, err.Error())
	}
	headers := protocol.BuildUpstreamHeaders(r.Header, cand, family)

	resp, err := d.attempt(ctx, r.Method, target, headers, body, cand)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, failureBodyLimit))

	if solver := d.wafs.Detect(resp.StatusCode, resp.Header, snippet); solver != nil {
		resp.Body.Close()
		return d.bypassChallenge(ctx, r.Method, target, headers, body, cand, solver, snippet)
	}
	if kind := types.ClassifyStatus(resp.StatusCode); kind != "" {
		resp.Body.Close()
		return nil, upstreamError(cand, kind, resp.StatusCode, snippet)
	}

	// A status outside the retry taxonomy answers the caller, not the
	// failover loop.
	resp.Body = replayBody(snippet, resp.Body)
	return resp, nil
}

// bypassChallenge solves a recognized challenge and retries the same
// candidate exactly once with the token attached. A retry that comes
// back challenged again drops the cached token and fails over; any
// other answer means the bypass worked and is judged on its own status.
func (d *Dispatcher) bypassChallenge(ctx context.Context, method, target string, headers http.Header, body []byte, cand types.Candidate, solver waf.Solver, challenge []byte) (*http.Response, error) {
	host := hostOf(cand.Endpoint.URL)
	cookie, err := d.wafs.Solve(solver, host, challenge)
	if err != nil {
		d.metrics.RecordWAFSolve(solver.Name(), metrics.SolveFailed)
		return nil, types.NewRelayError(types.KindWAF, cand.Provider.ID, 0, err)
	}

	resp, err := d.attemptOnce(ctx, method, target, headers, body, cookie)
	if err != nil {
		d.metrics.RecordWAFSolve(solver.Name(), metrics.SolveFailed)
		d.wafs.Forget(host)
		return nil, transportError(cand, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.metrics.RecordWAFSolve(solver.Name(), metrics.SolveOK)
		return resp, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, failureBodyLimit))

	if d.wafs.Detect(resp.StatusCode, resp.Header, snippet) != nil {
		d.metrics.RecordWAFSolve(solver.Name(), metrics.SolveFailed)
		d.wafs.Forget(host)
		resp.Body.Close()
		err := errors.New("challenge persisted after bypass retry")
		return nil, types.NewRelayError(types.KindWAF, cand.Provider.ID, resp.StatusCode, err)
	}

	// The token was accepted; the origin answered. Reclassify from the
	// retried status.
	d.metrics.RecordWAFSolve(solver.Name(), metrics.SolveOK)
	if kind := types.ClassifyStatus(resp.StatusCode); kind != "" {
		resp.Body.Close()
		return nil, upstreamError(cand, kind, resp.StatusCode, snippet)
	}
	resp.Body = replayBody(snippet, resp.Body)
	return resp, nil
}

// attempt sends the request, retrying transient failures (connection
// errors, 408, 429, 5xx) once against the same candidate with
// exponential pacing before giving up on it.
func (d *Dispatcher) attempt(ctx context.Context, method, target string, headers http.Header, body []byte, cand types.Candidate) (*http.Response, error) {
	var resp *http.Response
	var lastStatus int

	op := func() error {
		lastStatus = 0
		var err error
		resp, err = d.attemptOnce(ctx, method, target, headers, body, nil)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if transientStatus(resp.StatusCode) {
			lastStatus = resp.StatusCode
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, failureBodyLimit))
			resp.Body.Close()
			resp = nil
			return fmt.Errorf("upstream status %d: %s", lastStatus, trimSnippet(snippet))
		}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = d.cfg.RetryInitialInterval
	expo.MaxInterval = d.cfg.RetryMaxInterval
	pacer := backoff.WithContext(backoff.WithMaxRetries(expo, 1), ctx)

	if err := backoff.Retry(op, pacer); err != nil {
		if lastStatus != 0 {
			return nil, types.NewRelayError(types.ClassifyStatus(lastStatus), cand.Provider.ID, lastStatus, err)
		}
		return nil, transportError(cand, err)
	}
	return resp, nil
}

// attemptOnce builds and sends a single upstream request, replaying the
// buffered body. A cached host token and the explicit challenge cookie
// are attached when present.
func (d *Dispatcher) attemptOnce(ctx context.Context, method, target string, headers http.Header, body []byte, challenge *http.Cookie) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = headers.Clone()
	if cached, ok := d.wafs.Cookie(req.URL.Host); ok {
		req.AddCookie(cached)
	}
	if challenge != nil {
		req.AddCookie(challenge)
	}
	return d.client.Do(req)
}

// relay writes the success response through to the caller, flushing per
// chunk for event streams.
func (d *Dispatcher) relay(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()

	for name, values := range protocol.SanitizeResponseHeaders(resp.Header) {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return flushCopy(w, resp.Body)
	}
	_, err := io.Copy(w, resp.Body)
	return err
}

func (d *Dispatcher) recordSuccess(ctx context.Context, log *logrus.Entry, cand types.Candidate) {
	d.breakers.RecordSuccess(cand.Key())
	d.cooldowns.RecordSuccess(ctx, cand)
	d.registry.RecordUsage(ctx, cand.Provider.ID)
	log.Debug("Request relayed")
}

func (d *Dispatcher) recordFailure(log *logrus.Entry, cand types.Candidate, err error) {
	isOpen := d.breakers.RecordFailure(cand.Key())
	d.cooldowns.RecordFailure(cand, isOpen)
	d.metrics.RecordFailover(string(cand.Provider.Family))
	log.WithError(err).WithField("breaker_open", isOpen).Warn("Upstream attempt failed")
}

// upstreamURL joins the endpoint base with the upstream path. The
// caller-supplied key query parameter is dropped for gemini so the
// candidate's credential header is the one that counts.
func (d *Dispatcher) upstreamURL(cand types.Candidate, family types.Family, upstreamPath, rawQuery string) (string, error) {
	base := strings.TrimSuffix(cand.Endpoint.URL, "/")
	target := base + upstreamPath
	if rawQuery == "" {
		return target, nil
	}
	if family == types.FamilyGemini {
		values, err := url.ParseQuery(rawQuery)
		if err != nil {
			return "", fmt.Errorf("invalid query string: %v", err)
		}
		values.Del("key")
		rawQuery = values.Encode()
	}
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target, nil
}

func flushCopy(w http.ResponseWriter, r io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// transientStatus marks responses worth one paced retry against the
// same candidate before failing over.
func transientStatus(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
}

func upstreamError(cand types.Candidate, kind types.ErrorKind, status int, snippet []byte) error {
	err := fmt.Errorf("upstream status %d: %s", status, trimSnippet(snippet))
	return types.NewRelayError(kind, cand.Provider.ID, status, err)
}

func transportError(cand types.Candidate, err error) error {
	return types.NewRelayError(types.ClassifyErr(err), cand.Provider.ID, 0, err)
}

// replayBody stitches an already-read prefix back onto the rest of a
// response body so it can be relayed whole.
func replayBody(prefix []byte, rest io.ReadCloser) io.ReadCloser {
	return struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(prefix), rest), rest}
}

func trimSnippet(snippet []byte) string {
	s := strings.TrimSpace(string(snippet))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

func writeError(w http.ResponseWriter, statusCode int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
			"code":    statusCode,
		},
		"timestamp": time.Now().Unix(),
	})
}
