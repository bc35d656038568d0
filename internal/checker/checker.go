package checker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proxy-watch/internal/config"
	"github.com/proxy-watch/internal/metrics"
	"github.com/proxy-watch/internal/normalizer"
	"github.com/proxy-watch/internal/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// maxBodyBytes bounds how much of a test page is read for marker matching
const maxBodyBytes = 1 << 20

type Checker struct {
	config   config.CheckerConfig
	metrics  *metrics.Collector
	limiter  *rate.Limiter
	dialer   *net.Dialer
	timeout  time.Duration
	deadline time.Duration
}

func NewChecker(cfg config.CheckerConfig, metricsCollector *metrics.Collector) *Checker {
	var limiter *rate.Limiter
	if cfg.DispatchRatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRatePerSecond), 1)
	}

	timeout := cfg.PerProbeTimeout()
	return &Checker{
		config:  cfg,
		metrics: metricsCollector,
		limiter: limiter,
		dialer: &net.Dialer{
			Timeout:   timeout,
			KeepAlive: -1,
		},
		timeout:  timeout,
		deadline: cfg.OverallDeadline(),
	}
}

// ProbeAll tests every endpoint on a fixed pool of workers and returns one
// outcome per dispatched probe, in completion order. Once the overall deadline
// passes no new probe is dispatched; probes already running finish under their
// own timeout.
func (c *Checker) ProbeAll(ctx context.Context, endpoints []types.Endpoint) []types.ProbeOutcome {
	endpoints = normalizer.Dedup(endpoints)
	total := len(endpoints)
	if total == 0 {
		return nil
	}

	workers := c.config.Concurrency
	if workers > total {
		workers = total
	}
	log.Infof("Starting probe pass: %d endpoints, workers=%d, timeout=%v, deadline=%v",
		total, workers, c.timeout, c.deadline)
	startTime := time.Now()

	dispatchCtx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()
	probeCtx := context.WithoutCancel(ctx)

	jobs := make(chan types.Endpoint)
	results := make(chan types.ProbeOutcome, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ep := range jobs {
				results <- c.Probe(probeCtx, ep)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, ep := range endpoints {
			if c.limiter != nil {
				if err := c.limiter.Wait(dispatchCtx); err != nil {
					return
				}
			}
			if dispatchCtx.Err() != nil {
				return
			}
			select {
			case jobs <- ep:
			case <-dispatchCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	// Progress tracking
	var completed, succeeded atomic.Int64
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				current := completed.Load()
				log.Infof("Progress: %d/%d (%.1f%%), ok=%d",
					current, total, float64(current)/float64(total)*100.0, succeeded.Load())
			case <-done:
				return
			}
		}
	}()

	outcomes := make([]types.ProbeOutcome, 0, total)
	for o := range results {
		outcomes = append(outcomes, o)
		completed.Add(1)
		if o.ProtocolOK {
			succeeded.Add(1)
		}
		if c.metrics != nil {
			c.metrics.RecordProbe(o)
		}
	}

	skipped := total - len(outcomes)
	if c.metrics != nil {
		c.metrics.SetProbesSkipped(skipped)
	}
	if skipped > 0 {
		log.Warnf("Overall deadline reached: %d endpoints were not probed", skipped)
	}

	duration := time.Since(startTime)
	log.Infof("Probe pass complete: %d probed, %d ok in %v (%.1f probes/sec)",
		len(outcomes), succeeded.Load(), duration, float64(len(outcomes))/duration.Seconds())

	return outcomes
}

// Probe runs the two-stage test for one endpoint: a TCP connect, then an HTTP
// GET through the proxy against each test URL in order.
func (c *Checker) Probe(ctx context.Context, ep types.Endpoint) types.ProbeOutcome {
	out := types.ProbeOutcome{
		Endpoint:  ep,
		LatencyMs: types.NoLatency,
	}

	if err := c.dialTCP(ctx, ep); err != nil {
		out.ErrorClass = Classify(err)
		out.Error = err.Error()
		out.Timestamp = time.Now()
		log.WithFields(log.Fields{"proxy": ep.String(), "class": out.ErrorClass}).Debugf("TCP stage failed: %v", err)
		return out
	}
	out.Reachable = true

	client, err := c.clientFor(ep)
	if err != nil {
		out.ErrorClass = types.ErrProtocol
		out.Error = err.Error()
		out.Timestamp = time.Now()
		return out
	}
	defer client.CloseIdleConnections()

	for _, tu := range c.config.TestURLs {
		res := c.fetch(ctx, client, tu)
		out.TestURL = tu.URL
		out.StatusCode = res.status

		if res.err == nil {
			out.ProtocolOK = true
			out.LatencyMs = res.latencyMs
			out.ErrorClass = types.ErrNone
			out.Error = ""
			break
		}

		out.ErrorClass = Classify(res.err)
		out.Error = res.err.Error()
		// A response means the proxy works but serves the wrong thing; another URL won't change that.
		if res.status > 0 {
			break
		}
	}

	out.Timestamp = time.Now()
	if !out.ProtocolOK {
		log.WithFields(log.Fields{"proxy": ep.String(), "class": out.ErrorClass}).Debugf("Protocol stage failed: %s", out.Error)
	}
	return out
}

type fetchResult struct {
	status    int
	latencyMs float64
	err       error
}

func (c *Checker) fetch(ctx context.Context, client *http.Client, tu config.TestURL) fetchResult {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, tu.URL, nil)
	if err != nil {
		return fetchResult{err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return fetchResult{err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fetchResult{status: resp.StatusCode, err: fmt.Errorf("read body: %w", err)}
	}
	latency := time.Since(start)

	if !statusMatches(resp.StatusCode, tu.ExpectStatus) {
		return fetchResult{status: resp.StatusCode, err: fmt.Errorf("%w: HTTP %d", ErrProtocolMismatch, resp.StatusCode)}
	}
	if tu.Marker != "" && !strings.Contains(strings.ToLower(string(body)), strings.ToLower(tu.Marker)) {
		return fetchResult{status: resp.StatusCode, err: fmt.Errorf("%w: marker %q not found", ErrProtocolMismatch, tu.Marker)}
	}

	return fetchResult{
		status:    resp.StatusCode,
		latencyMs: float64(latency.Microseconds()) / 1000.0,
	}
}

func statusMatches(got, want int) bool {
	if want == 0 {
		return got >= 200 && got < 300
	}
	return got == want
}
