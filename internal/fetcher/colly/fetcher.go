// Package collyfetcher implements an instrumented single-page fetch client
// using gocolly. Every fetch consults the politeness tracker before
// dispatch, checks robots.txt, and records request metrics into the shared
// registry.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/econ-graph/crawler-telemetry/internal/metrics"
	"github.com/econ-graph/crawler-telemetry/internal/politeness"
)

// Metric names recorded per fetch, following the unified crawler series.
const (
	metricFetchesTotal  = "crawler_fetches_total"
	metricFetchDuration = "crawler_fetch_duration_seconds"
	metricBytesTotal    = "crawler_bytes_downloaded_total"
	metricErrorsTotal   = "crawler_errors_total"
	metricRobotsBlocked = "crawler_robots_blocked_total"
	metricDeniedTotal   = "crawler_permit_denied_total"
)

var fetchDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

// Config controls collector behavior.
type Config struct {
	CrawlerType   metrics.CrawlerType
	UserAgent     string
	Timeout       time.Duration
	RespectRobots bool
}

// DeniedError reports that the politeness tracker refused the request.
// The caller owns scheduling the retry; the fetcher never sleeps.
type DeniedError struct {
	Source     string
	RetryAfter time.Duration
}

// Error implements error.
func (e *DeniedError) Error() string {
	return fmt.Sprintf("fetch to %s denied, retry after %s", e.Source, e.RetryAfter)
}

// Result is the outcome of a completed fetch.
type Result struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Fetcher executes instrumented single-page fetches.
type Fetcher struct {
	cfg           Config
	tracker       *politeness.Tracker
	registry      *metrics.Registry
	robots        *RobotsCache
	transport     http.RoundTripper
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// New builds a Fetcher publishing into reg and gated by tracker.
func New(cfg Config, tracker *politeness.Tracker, reg *metrics.Registry, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := newHTTPTransport()
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(transport)
	// colly's own robots handling is bypassed; the RobotsCache outcome has
	// to reach AfterRequest, so the check happens before dispatch.
	c.IgnoreRobotsTxt = true

	var robots *RobotsCache
	if cfg.RespectRobots {
		robots = NewRobotsCache(cfg.UserAgent, logger)
	}
	return &Fetcher{
		cfg:           cfg,
		tracker:       tracker,
		registry:      reg,
		robots:        robots,
		transport:     transport,
		baseCollector: c,
		logger:        logger,
	}
}

// Fetch retrieves url on behalf of source. A politeness denial returns
// *DeniedError without touching the network; a robots.txt disallow counts
// as a completed, non-compliant request.
func (f *Fetcher) Fetch(ctx context.Context, source, url string) (Result, error) {
	decision := f.tracker.BeforeRequest(source)
	if !decision.Allowed {
		f.count(metricDeniedTotal, source, nil)
		return Result{}, &DeniedError{Source: source, RetryAfter: decision.RetryAfter}
	}

	if f.robots != nil && !f.robots.Allowed(ctx, url) {
		f.count(metricRobotsBlocked, source, nil)
		f.tracker.AfterRequest(source, false, false)
		return Result{}, fmt.Errorf("fetch %s: disallowed by robots.txt", url)
	}

	start := time.Now()
	result, err := f.visit(ctx, url)
	result.Duration = time.Since(start)

	f.observe(source, result, err)
	f.tracker.AfterRequest(source, err == nil, true)
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func (f *Fetcher) visit(ctx context.Context, url string) (Result, error) {
	collector := f.baseCollector.Clone()
	collector.WithTransport(f.transport)
	collector.IgnoreRobotsTxt = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	var (
		result   Result
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		result = Result{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.StatusCode = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return result, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return result, fmt.Errorf("visit %s: %w", url, err)
		}
		if fetchErr != nil {
			return result, fmt.Errorf("fetch %s: %w", url, fetchErr)
		}
		return result, nil
	}
}

// observe records the per-fetch series. Registry rejections are logged and
// dropped; instrumentation never fails a crawl.
func (f *Fetcher) observe(source string, result Result, err error) {
	status := "error"
	if err == nil {
		status = strconv.Itoa(result.StatusCode)
	}
	f.count(metricFetchesTotal, source, map[string]string{"status": status})
	if err != nil {
		f.count(metricErrorsTotal, source, map[string]string{"error_type": "fetch"})
		return
	}
	if n := len(result.Body); n > 0 {
		f.add(metricBytesTotal, source, uint64(n))
	}
	durKey := f.key(metricFetchDuration, source, nil)
	f.try(func() error {
		if err := f.registry.RegisterHistogram(durKey, fetchDurationBuckets); err != nil {
			return err
		}
		return f.registry.ObserveHistogram(durKey, result.Duration.Seconds())
	})
}

func (f *Fetcher) key(name, source string, labels map[string]string) metrics.Key {
	return metrics.Key{
		CrawlerType: f.cfg.CrawlerType,
		Source:      source,
		Name:        name,
		Labels:      labels,
	}
}

func (f *Fetcher) count(name, source string, labels map[string]string) {
	f.try(func() error {
		return f.registry.RecordCounter(f.key(name, source, labels), 1)
	})
}

func (f *Fetcher) add(name, source string, delta uint64) {
	f.try(func() error {
		return f.registry.RecordCounter(f.key(name, source, nil), delta)
	})
}

func (f *Fetcher) try(fn func() error) {
	if err := fn(); err != nil {
		f.logger.Warn("dropping fetch metric update", zap.Error(err))
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
