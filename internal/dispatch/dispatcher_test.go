package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

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

// claudeAnswer parses as a complete message so probe traffic and
// relayed traffic can share one upstream handler.
const claudeAnswer = `{"id":"msg_01","type":"message","role":"assistant","content":[{"type":"text","text":"pong"}],"model":"claude-3-5-haiku-20241022","stop_reason":"end_turn","stop_sequence":null,"usage":{"input_tokens":1,"output_tokens":1}}`

const claudeRequest = `{"model":"claude-sonnet-4","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`

const aliyunChallenge = `<html><script>var arg1='23AD2EB45E87FF81B1A9A40D1ACD5417DD56C3C9';</script></html>`

const aliyunToken = "b55dc643e524fc4619fdc0c7ca795dbd952ddf03"

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fixture struct {
	reg       *registry.Registry
	breakers  *breaker.Arena
	cooldowns *cooldown.Manager
	disp      *Dispatcher
	now       time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	nowFunc := func() time.Time { return f.now }

	store := registry.NewFileStore(filepath.Join(t.TempDir(), "providers.yaml"))
	f.reg = registry.New(store, testLogger(), registry.WithNowFunc(nowFunc))
	require.NoError(t, f.reg.Load(context.Background()))

	f.breakers = breaker.NewArena(2, 30*time.Second, breaker.WithNowFunc(nowFunc))
	f.cooldowns = cooldown.NewManager(f.reg, testLogger(), cooldown.WithNowFunc(nowFunc))
	sel := selector.New(f.reg, f.breakers, testLogger(), selector.WithNowFunc(nowFunc))

	prober, err := probe.NewProber(probe.Config{Timeout: 2 * time.Second}, testLogger(), probe.WithNowFunc(nowFunc))
	require.NoError(t, err)

	wafs, err := waf.NewRegistry(waf.Config{}, testLogger(), []waf.Solver{waf.NewAliyunSolver()}, waf.WithNowFunc(nowFunc))
	require.NoError(t, err)

	if cfg.RetryInitialInterval == 0 {
		cfg.RetryInitialInterval = time.Millisecond
	}
	if cfg.RetryMaxInterval == 0 {
		cfg.RetryMaxInterval = 2 * time.Millisecond
	}
	f.disp = NewDispatcher(cfg, Dependencies{
		Registry:  f.reg,
		Selector:  sel,
		Breakers:  f.breakers,
		Cooldowns: f.cooldowns,
		Prober:    prober,
		WAF:       wafs,
		Metrics:   metrics.New(metrics.Config{Enabled: true}, nil, nil),
	}, testLogger())
	return f
}

func (f *fixture) add(t *testing.T, family types.Family, id, group, url, key string) {
	t.Helper()
	require.NoError(t, f.reg.Upsert(context.Background(), &types.Provider{
		ID:     id,
		Name:   id,
		Group:  group,
		Family: family,
		Endpoints: []types.Endpoint{{
			URL:    url,
			APIKey: key,
		}},
		SortIndex: 1,
	}))
}

func (f *fixture) post(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.disp.ServeHTTP(rec, req)
	return rec
}

func TestDispatcher_RelaysToFirstCandidate(t *testing.T) {
	var hits atomic.Int32
	var gotPath, gotKey, gotContentType, gotRequestID, gotCookie string
	var gotBody []byte

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		gotContentType = r.Header.Get("Content-Type")
		gotRequestID = r.Header.Get("X-Request-Id")
		gotCookie = r.Header.Get("Cookie")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("Anthropic-Ratelimit-Requests-Remaining", "99")
		w.Write([]byte(claudeAnswer))
	}))
	defer upstream.Close()

	f := newFixture(t, Config{})
	f.add(t, types.FamilyClaude, "p1", "alpha", upstream.URL, "sk-ant-p1")

	req := httptest.NewRequest(http.MethodPost, "/claude/v1/messages", strings.NewReader(claudeRequest))
	req.Header.Set("X-Request-Id", "req-42")
	req.Header.Set("Cookie", "session=local")
	req.Header.Set("Authorization", "Bearer local-cli-token")
	rec := httptest.NewRecorder()
	f.disp.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, "/v1/messages", gotPath)
	assert.Equal(t, "sk-ant-p1", gotKey)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "req-42", gotRequestID)
	assert.Empty(t, gotCookie, "local client cookies must not reach the upstream")
	assert.JSONEq(t, claudeRequest, string(gotBody))

	assert.JSONEq(t, claudeAnswer, rec.Body.String())
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "99", rec.Header().Get("Anthropic-Ratelimit-Requests-Remaining"))
	assert.Empty(t, rec.Header().Get("Keep-Alive"))

	p, ok := f.reg.Get("p1")
	require.True(t, ok)
	assert.Equal(t, int64(1), p.UsageCount)
}

func TestDispatcher_GeneratesRequestID(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(claudeAnswer))
	}))
	defer upstream.Close()

	f := newFixture(t, Config{})
	f.add(t, types.FamilyClaude, "p1", "alpha", upstream.URL, "sk-ant-p1")

	rec := f.post("/v1/messages", claudeRequest)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestDispatcher_FailsOverOnServerError(t *testing.T) {
	var firstHits, secondHits atomic.Int32

	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		firstHits.Add(1)
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer first.Close()

	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondHits.Add(1)
		w.Write([]byte(claudeAnswer))
	}))
	defer second.Close()

	f := newFixture(t, Config{})
	f.add(t, types.FamilyClaude, "p1", "alpha", first.URL, "sk-ant-p1")
	f.add(t, types.FamilyClaude, "p2", "beta", second.URL, "sk-ant-p2")

	rec := f.post("/v1/messages", claudeRequest)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, claudeAnswer, rec.Body.String())
	// One paced same-candidate retry before failing over.
	assert.Equal(t, int32(2), firstHits.Load())
	// The fallback is probed once before the full request commits.
	assert.Equal(t, int32(2), secondHits.Load())

	snapshot := f.breakers.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, breaker.StateClosed.String(), snapshot[0].State)
	assert.Equal(t, 1, snapshot[0].Failures)

	p, ok := f.reg.Get("p2")
	require.True(t, ok)
	assert.Equal(t, int64(1), p.UsageCount)
	p, ok = f.reg.Get("p1")
	require.True(t, ok)
	assert.Equal(t, int64(0), p.UsageCount)
}

func TestDispatcher_ProbeGateSkipsDeadCandidate(t *testing.T) {
	var deadHits atomic.Int32
	var deadSawFullRequest atomic.Bool

	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer first.Close()

	// Rejects everything; the probe failure must keep the full request
	// from ever being committed here.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadHits.Add(1)
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "full-request-marker") {
			deadSawFullRequest.Store(true)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer dead.Close()

	var healthyHits atomic.Int32
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		healthyHits.Add(1)
		w.Write([]byte(claudeAnswer))
	}))
	defer healthy.Close()

	f := newFixture(t, Config{})
	f.add(t, types.FamilyClaude, "p1", "alpha", first.URL, "sk-ant-p1")
	f.add(t, types.FamilyClaude, "p2", "beta", dead.URL, "sk-ant-p2")
	f.add(t, types.FamilyClaude, "p3", "gamma", healthy.URL, "sk-ant-p3")

	body := `{"model":"claude-sonnet-4","max_tokens":64,"messages":[{"role":"user","content":"full-request-marker"}]}`
	rec := f.post("/v1/messages", body)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, deadSawFullRequest.Load(), "probe gate must absorb the dead candidate")
	assert.Equal(t, int32(1), deadHits.Load())
	assert.Equal(t, int32(2), healthyHits.Load())
}

func TestDispatcher_TransientRetrySameCandidate(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(claudeAnswer))
	}))
	defer upstream.Close()

	f := newFixture(t, Config{})
	f.add(t, types.FamilyClaude, "p1", "alpha", upstream.URL, "sk-ant-p1")

	rec := f.post("/v1/messages", claudeRequest)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(2), hits.Load())
	// The retry succeeded in place, so nothing was marked against the
	// candidate.
	assert.Equal(t, 0, f.cooldowns.MarkerCount())
	assert.Empty(t, f.breakers.Snapshot())
}

func TestDispatcher_SolvesChallengeAndRetries(t *testing.T) {
	var hits atomic.Int32
	var retryCookie string

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if cookie, err := r.Cookie("acw_sc__v2"); err == nil {
			if n == 2 {
				retryCookie = cookie.Value
			}
			w.Write([]byte(claudeAnswer))
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(aliyunChallenge))
	}))
	defer upstream.Close()

	f := newFixture(t, Config{})
	f.add(t, types.FamilyClaude, "p1", "alpha", upstream.URL, "sk-ant-p1")

	rec := f.post("/v1/messages", claudeRequest)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, claudeAnswer, rec.Body.String())
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, aliyunToken, retryCookie)
	// The bypass succeeded in place; no failover bookkeeping.
	assert.Equal(t, 0, f.cooldowns.MarkerCount())

	// The solved token is reused proactively, so the next request goes
	// straight through.
	rec = f.post("/v1/messages", claudeRequest)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(3), hits.Load())
}

func TestDispatcher_ExhaustionWritesErrorEnvelope(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	f := newFixture(t, Config{})
	f.add(t, types.FamilyClaude, "p1", "alpha", upstream.URL, "sk-ant-p1")

	var exhaustedFamily types.Family
	var exhaustedTried int
	f.disp.onExhausted = func(family types.Family, tried int) {
		exhaustedFamily = family
		exhaustedTried = tried
	}

	rec := f.post("/v1/messages", claudeRequest)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, types.FamilyClaude, exhaustedFamily)
	assert.Equal(t, 1, exhaustedTried)

	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
		Timestamp int64 `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "exhausted", envelope.Error.Type)
	assert.Equal(t, http.StatusServiceUnavailable, envelope.Error.Code)
	assert.Equal(t, "no eligible upstream provider remains", envelope.Error.Message)
	assert.NotZero(t, envelope.Timestamp)
}

func TestDispatcher_UnclassifiableRequestRejected(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.post("/unknown/path", `{"payload":true}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", gjson.Get(rec.Body.String(), "error.type").String())
}

func TestDispatcher_BodyTooLargeRejected(t *testing.T) {
	f := newFixture(t, Config{MaxBodyBytes: 64})

	rec := f.post("/v1/messages", `{"messages":[{"role":"user","content":"`+strings.Repeat("x", 128)+`"}]}`)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestDispatcher_StreamsEventResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte("event: message_start\ndata: {}\n\n"))
		flusher.Flush()
		w.Write([]byte("event: message_stop\ndata: {}\n\n"))
		flusher.Flush()
	}))
	defer upstream.Close()

	f := newFixture(t, Config{})
	f.add(t, types.FamilyClaude, "p1", "alpha", upstream.URL, "sk-ant-p1")

	rec := f.post("/v1/messages", claudeRequest)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, rec.Flushed)
	assert.Contains(t, rec.Body.String(), "event: message_start")
	assert.Contains(t, rec.Body.String(), "event: message_stop")
}

func TestDispatcher_SanitizesCodexModel(t *testing.T) {
	var gotModel, gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotModel = gjson.GetBytes(body, "model").String()
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer upstream.Close()

	f := newFixture(t, Config{})
	f.add(t, types.FamilyCodex, "p1", "alpha", upstream.URL, "sk-p1")

	rec := f.post("/v1/chat/completions", `{"model":"gpt-4o-mini-2024-08-06","messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gpt-4o-mini", gotModel)
	assert.Equal(t, "Bearer sk-p1", gotAuth)
}

func TestDispatcher_SystemInstructionInjected(t *testing.T) {
	var gotSystem string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotSystem = gjson.GetBytes(body, "system").String()
		w.Write([]byte(claudeAnswer))
	}))
	defer upstream.Close()

	f := newFixture(t, Config{
		SystemInstruction:     "answer briefly",
		SystemInstructionMode: protocol.ModeInsertIfAbsent,
	})
	f.add(t, types.FamilyClaude, "p1", "alpha", upstream.URL, "sk-ant-p1")

	rec := f.post("/v1/messages", claudeRequest)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "answer briefly", gotSystem)
}

func TestDispatcher_PassesThroughClientErrors(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"type":"error","error":{"type":"not_found_error","message":"model not found"}}`))
	}))
	defer upstream.Close()

	f := newFixture(t, Config{})
	f.add(t, types.FamilyClaude, "p1", "alpha", upstream.URL, "sk-ant-p1")

	rec := f.post("/v1/messages", claudeRequest)

	// A status outside the retry taxonomy is the upstream's answer, not
	// a relay failure.
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "model not found")
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 0, f.cooldowns.MarkerCount())
}

func TestDispatcher_GeminiKeyQueryStripped(t *testing.T) {
	var gotKeyParam, gotAlt, gotHeaderKey, gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKeyParam = r.URL.Query().Get("key")
		gotAlt = r.URL.Query().Get("alt")
		gotHeaderKey = r.Header.Get("X-Goog-Api-Key")
		gotPath = r.URL.Path
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`))
	}))
	defer upstream.Close()

	f := newFixture(t, Config{})
	f.add(t, types.FamilyGemini, "p1", "alpha", upstream.URL, "AIza-p1")

	rec := f.post("/v1beta/models/gemini-pro:generateContent?key=client-key&alt=sse", `{"contents":[{"parts":[{"text":"hi"}]}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/v1beta/models/gemini-pro:generateContent", gotPath)
	assert.Empty(t, gotKeyParam, "client key parameter must not reach the upstream")
	assert.Equal(t, "sse", gotAlt)
	assert.Equal(t, "AIza-p1", gotHeaderKey)
}

func TestDispatcher_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	f := newFixture(t, Config{})
	f.add(t, types.FamilyClaude, "p1", "alpha", upstream.URL, "sk-ant-p1")

	// Threshold is 2: the first request records one failure, the second
	// trips the breaker.
	rec := f.post("/v1/messages", claudeRequest)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = f.post("/v1/messages", claudeRequest)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	snapshot := f.breakers.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, breaker.StateOpen.String(), snapshot[0].State)

	// With the breaker open the candidate is never selected, so the
	// upstream is not touched again.
	rec = f.post("/v1/messages", claudeRequest)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDispatcher_CanceledClientStopsDispatch(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(claudeAnswer))
	}))
	defer upstream.Close()
	defer close(release)

	f := newFixture(t, Config{})
	f.add(t, types.FamilyClaude, "p1", "alpha", upstream.URL, "sk-ant-p1")

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(claudeRequest)).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.disp.ServeHTTP(rec, req)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not stop after cancellation")
	}

	// The candidate is not punished for the caller hanging up.
	assert.Equal(t, 0, f.cooldowns.MarkerCount())
}
