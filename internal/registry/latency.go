package registry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnectFailurePenalty is the latency recorded for an endpoint that
// does not answer the connectivity check, placing it behind every
// reachable endpoint in latency ordering.
const ConnectFailurePenalty = 30 * time.Second

// LatencyMonitor measures round-trip time to each distinct endpoint
// URL so selection can prefer faster endpoints.
type LatencyMonitor struct {
	registry *Registry
	client   *http.Client
	logger   *logrus.Logger
}

// NewLatencyMonitor creates a monitor with the given per-URL timeout.
// The monitor does not follow redirects; a redirect is already an
// answer for timing purposes.
func NewLatencyMonitor(registry *Registry, timeout time.Duration, logger *logrus.Logger) *LatencyMonitor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LatencyMonitor{
		registry: registry,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// MeasureAll probes every distinct endpoint URL once, concurrently,
// and records the results in the registry.
func (m *LatencyMonitor) MeasureAll(ctx context.Context) {
	urls := m.registry.EndpointURLs()
	if len(urls) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			m.measure(ctx, url)
		}(url)
	}
	wg.Wait()

	m.logger.WithField("urls", len(urls)).Debug("Latency measurement completed")
}

// measure times a single HEAD to the URL. Any HTTP response counts
// as reachable; only transport failures earn the penalty value.
func (m *LatencyMonitor) measure(ctx context.Context, url string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		m.registry.SetLatency(url, ConnectFailurePenalty)
		return
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		m.registry.SetLatency(url, ConnectFailurePenalty)
		m.logger.WithError(err).WithField("url", url).Debug("Endpoint unreachable")
		return
	}
	resp.Body.Close()

	m.registry.SetLatency(url, elapsed)
	m.logger.WithFields(logrus.Fields{
		"url":        url,
		"latency_ms": elapsed.Milliseconds(),
	}).Debug("Endpoint latency measured")
}
