// Package runner drives one pass of the pipeline: fetch, normalize, probe,
// aggregate, diff, notify and persist.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/proxy-watch/internal/aggregator"
	"github.com/proxy-watch/internal/config"
	"github.com/proxy-watch/internal/metrics"
	"github.com/proxy-watch/internal/normalizer"
	"github.com/proxy-watch/internal/notifier"
	"github.com/proxy-watch/internal/snapshot"
	"github.com/proxy-watch/internal/source"
	"github.com/proxy-watch/internal/storage"
	"github.com/proxy-watch/internal/types"
	log "github.com/sirupsen/logrus"
)

// ErrNotDelivered is returned when a digest was due but no channel confirmed
// it. The stored snapshot is left untouched so the same changes are reported
// again next run.
var ErrNotDelivered = errors.New("digest not delivered, snapshot not advanced")

type CandidateSource interface {
	Fetch(ctx context.Context) ([]source.Candidate, error)
}

type Categorizer interface {
	Category(country, host string) string
}

type Prober interface {
	ProbeAll(ctx context.Context, endpoints []types.Endpoint) []types.ProbeOutcome
}

type Options struct {
	Targets        []string
	Title          string
	MaxPerCategory int
	TextfilePath   string
}

// OptionsFromConfig picks the runner settings out of the full configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Targets:        cfg.Categories.Targets,
		Title:          cfg.Notifier.Title,
		MaxPerCategory: cfg.Notifier.MaxEntriesPerCategory,
		TextfilePath:   cfg.Metrics.TextfilePath,
	}
}

type Runner struct {
	source      CandidateSource
	categorizer Categorizer
	prober      Prober
	notifier    notifier.Notifier
	store       storage.Storage
	metrics     *metrics.Collector
	opts        Options
	now         func() time.Time
}

func New(src CandidateSource, categorizer Categorizer, prober Prober, n notifier.Notifier,
	store storage.Storage, metricsCollector *metrics.Collector, opts Options) *Runner {
	return &Runner{
		source:      src,
		categorizer: categorizer,
		prober:      prober,
		notifier:    n,
		store:       store,
		metrics:     metricsCollector,
		opts:        opts,
		now:         time.Now,
	}
}

// Result describes a finished run
type Result struct {
	Candidates int
	Rejected   int
	Probed     int
	Summary    *aggregator.Summary
	Diff       snapshot.Diff
	Snapshot   *snapshot.Snapshot
	Notified   bool
	Saved      bool
}

// Run executes one pass. A *source.SourceError or *storage.PersistenceError
// aborts it; ErrNotDelivered is returned together with the Result.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	start := r.now()
	defer func() {
		if r.metrics != nil {
			r.metrics.RecordRun(r.now().Sub(start), r.now())
			r.exportMetrics()
		}
	}()

	prev, err := r.store.Load()
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"version":    prev.Version,
		"categories": len(prev.Recent),
	}).Info("Loaded previous snapshot")

	candidates, err := r.source.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{Candidates: len(candidates)}
	endpoints := r.normalize(candidates, result)
	endpoints = append(endpoints, r.requeue(prev)...)
	endpoints = normalizer.Dedup(endpoints)
	endpoints = r.filterTargets(endpoints)
	result.Probed = len(endpoints)

	log.Infof("Probing %d endpoints (%d candidates, %d rejected)", len(endpoints), len(candidates), result.Rejected)
	outcomes := r.prober.ProbeAll(ctx, endpoints)

	summary := aggregator.Aggregate(outcomes)
	result.Summary = summary

	current := make(map[string][]snapshot.Entry, len(summary.ByCategory))
	for category, successes := range summary.ByCategory {
		for _, o := range successes {
			current[category] = append(current[category], snapshot.EntryFromOutcome(o))
		}
	}

	d := snapshot.Compute(current, prev)
	result.Diff = d
	if r.metrics != nil {
		r.metrics.SetEntries("new", snapshot.Counts(d.New))
		r.metrics.SetEntries("stable", snapshot.Counts(d.Stable))
	}

	finished := r.now()
	next := snapshot.Next(current, d, snapshot.Stats{
		Tested:          summary.Total,
		Succeeded:       summary.Succeeded,
		Failed:          summary.Failed,
		DurationSeconds: finished.Sub(start).Seconds(),
	}, finished)
	result.Snapshot = next

	log.WithFields(log.Fields{
		"tested":    summary.Total,
		"succeeded": summary.Succeeded,
		"new":       len(d.New),
		"stable":    len(d.Stable),
	}).Info("Run aggregated")

	if d.HasNew() || snapshot.StableChanged(prev, d.Stable) {
		digest := notifier.Digest{
			Title:          r.opts.Title,
			Time:           finished,
			Summary:        summary,
			New:            d.New,
			Stable:         d.Stable,
			Targets:        r.opts.Targets,
			MaxPerCategory: r.opts.MaxPerCategory,
		}
		result.Notified = r.notifier.Notify(ctx, r.opts.Title, digest.Format())
		if r.metrics != nil {
			r.metrics.RecordNotify(result.Notified)
		}
		if !result.Notified {
			log.Warn("Digest was not confirmed, keeping previous snapshot")
			return result, ErrNotDelivered
		}
	} else {
		log.Info("Nothing changed since the previous run, no digest sent")
	}

	err = r.store.Save(next)
	if r.metrics != nil {
		r.metrics.RecordSave(err)
	}
	if err != nil {
		return result, err
	}
	result.Saved = true
	log.Infof("Snapshot saved: %d recent, %d stable categories", len(next.Recent), len(next.Stable))

	return result, nil
}

func (r *Runner) normalize(candidates []source.Candidate, result *Result) []types.Endpoint {
	endpoints := make([]types.Endpoint, 0, len(candidates))
	rejectedBySource := make(map[string]int)

	for _, c := range candidates {
		ep, err := normalizer.Normalize(c.Raw, c.Protocol)
		if err != nil {
			var formatErr *normalizer.FormatError
			if errors.As(err, &formatErr) && r.metrics != nil {
				r.metrics.RecordRejected(string(formatErr.Reason))
			}
			log.WithField("source", c.Source).Debugf("Dropping candidate: %v", err)
			rejectedBySource[c.Source]++
			result.Rejected++
			continue
		}
		ep.Category = r.categorizer.Category(c.Country, ep.Host)
		ep.Ping = c.Ping
		endpoints = append(endpoints, ep)
	}

	for src, n := range rejectedBySource {
		log.WithField("source", src).Warnf("Dropped %d unparsable candidates", n)
	}
	return endpoints
}

// requeue turns the previous run's successes back into probe targets
func (r *Runner) requeue(prev *snapshot.Snapshot) []types.Endpoint {
	var endpoints []types.Endpoint
	for _, category := range prev.Categories() {
		for _, e := range prev.Recent[category] {
			ep, ok := e.Endpoint(category, types.HTTP)
			if !ok {
				log.Debugf("Skipping unusable stored entry %q", e.IPPort)
				continue
			}
			endpoints = append(endpoints, ep)
		}
	}
	if len(endpoints) > 0 {
		log.Infof("Re-queued %d endpoints from the previous snapshot", len(endpoints))
	}
	return endpoints
}

func (r *Runner) filterTargets(endpoints []types.Endpoint) []types.Endpoint {
	if len(r.opts.Targets) == 0 {
		return endpoints
	}

	allowed := make(map[string]bool, len(r.opts.Targets))
	for _, t := range r.opts.Targets {
		allowed[t] = true
	}

	kept := endpoints[:0]
	for _, ep := range endpoints {
		if allowed[ep.Category] {
			kept = append(kept, ep)
		}
	}
	log.Infof("Target filter kept %d/%d endpoints", len(kept), len(endpoints))
	return kept
}

func (r *Runner) exportMetrics() {
	if r.opts.TextfilePath == "" {
		return
	}
	if err := r.metrics.WriteTextfile(r.opts.TextfilePath); err != nil {
		log.Warnf("Failed to write metrics textfile %s: %v", r.opts.TextfilePath, err)
	}
}
