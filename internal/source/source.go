package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/proxy-watch/internal/config"
	"github.com/proxy-watch/internal/metrics"
	"github.com/proxy-watch/internal/types"
	log "github.com/sirupsen/logrus"
)

// maxBodyBytes caps how much of a source response is read
const maxBodyBytes = 10 * 1024 * 1024

// Candidate is one unnormalized proxy string as published by a source
type Candidate struct {
	Raw      string
	Protocol types.Protocol // used when Raw carries no scheme
	Country  string         // provided by the feed, may be empty
	Ping     float64
	Source   string
}

// SourceError reports a candidate feed that could not be read. It aborts a
// run before any probing.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

type Fetcher struct {
	config  config.SourceConfig
	metrics *metrics.Collector
	client  *http.Client
}

func NewFetcher(cfg config.SourceConfig, metricsCollector *metrics.Collector) *Fetcher {
	return &Fetcher{
		config:  cfg,
		metrics: metricsCollector,
		client: &http.Client{
			Timeout: cfg.Timeout(),
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type fetchResult struct {
	source     config.Source
	candidates []Candidate
	err        error
}

// Fetch reads every enabled source concurrently. A failing source is skipped
// unless it is required or every source failed, in which case a *SourceError
// is returned.
func (f *Fetcher) Fetch(ctx context.Context) ([]Candidate, error) {
	enabledSources := make([]config.Source, 0, len(f.config.Sources))
	for _, src := range f.config.Sources {
		if src.Enabled {
			enabledSources = append(enabledSources, src)
		}
	}

	if len(enabledSources) == 0 {
		return nil, &SourceError{Source: "*", Err: errors.New("no enabled sources")}
	}

	log.Infof("Fetching from %d sources", len(enabledSources))

	var wg sync.WaitGroup
	results := make([]fetchResult, len(enabledSources))

	for i, src := range enabledSources {
		wg.Add(1)
		go func(i int, src config.Source) {
			defer wg.Done()

			startTime := time.Now()
			candidates, err := f.fetchSource(ctx, src)
			duration := time.Since(startTime)

			logger := log.WithFields(log.Fields{"source": src.Name, "type": src.Type})
			if err != nil {
				logger.Warnf("Source failed: %v (took %v)", err, duration)
				if f.metrics != nil {
					f.metrics.RecordSourceFailure(src.Name)
				}
			} else {
				logger.Infof("Source returned %d candidates (took %v)", len(candidates), duration)
				if f.metrics != nil {
					f.metrics.RecordCandidates(src.Name, len(candidates))
				}
			}

			results[i] = fetchResult{source: src, candidates: candidates, err: err}
		}(i, src)
	}

	wg.Wait()

	// Results stay in configuration order so dedup favours earlier sources
	all := make([]Candidate, 0)
	var failures []error
	for _, r := range results {
		if r.err == nil {
			all = append(all, r.candidates...)
			continue
		}
		if r.source.Required {
			return nil, &SourceError{Source: r.source.Name, Err: r.err}
		}
		failures = append(failures, fmt.Errorf("%s: %w", r.source.Name, r.err))
	}

	if len(failures) == len(enabledSources) {
		return nil, &SourceError{Source: "*", Err: errors.Join(failures...)}
	}

	log.Infof("Fetched %d candidates from %d/%d sources", len(all), len(enabledSources)-len(failures), len(enabledSources))
	return all, nil
}

func (f *Fetcher) fetchSource(ctx context.Context, src config.Source) ([]Candidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if f.config.UserAgent != "" {
		req.Header.Set("User-Agent", f.config.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	limitedReader := io.LimitReader(resp.Body, maxBodyBytes)
	protocol := sourceProtocol(src)

	var candidates []Candidate
	switch src.Type {
	case "json":
		candidates, err = parseJSON(limitedReader, protocol)
	case "html":
		candidates, err = parseHTML(limitedReader, src.HTML, protocol)
	default:
		candidates, err = parseText(limitedReader, protocol)
	}
	if err != nil {
		return nil, err
	}

	for i := range candidates {
		candidates[i].Source = src.Name
	}
	return candidates, nil
}

// sourceProtocol picks the protocol for scheme-less entries: the configured
// one, else a hint in the URL, else HTTP.
func sourceProtocol(src config.Source) types.Protocol {
	if p, ok := types.ParseProtocol(src.Protocol); ok {
		return p
	}

	// Only the path is inspected; the scheme of the list URL says nothing
	hint := strings.ToLower(src.URL)
	if u, err := url.Parse(src.URL); err == nil {
		hint = strings.ToLower(u.Path + "?" + u.RawQuery)
	}
	switch {
	case strings.Contains(hint, "socks5"):
		return types.SOCKS5
	case strings.Contains(hint, "socks4"):
		return types.SOCKS4
	case strings.Contains(hint, "https"):
		return types.HTTPS
	}
	return types.HTTP
}
