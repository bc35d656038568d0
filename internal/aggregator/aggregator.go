// Package aggregator reduces probe outcomes to run statistics.
package aggregator

import (
	"math"
	"sort"

	"github.com/proxy-watch/internal/types"
)

// Bucket is a half-open latency range [MinMs, MaxMs). MaxMs of 0 means unbounded.
type Bucket struct {
	Label string  `json:"label"`
	MinMs float64 `json:"min_ms"`
	MaxMs float64 `json:"max_ms,omitempty"`
}

func (b Bucket) contains(ms float64) bool {
	return ms >= b.MinMs && (b.MaxMs == 0 || ms < b.MaxMs)
}

// Buckets are the fixed latency ranges of the histogram
var Buckets = []Bucket{
	{Label: "<100ms", MinMs: 0, MaxMs: 100},
	{Label: "100-200ms", MinMs: 100, MaxMs: 200},
	{Label: "200-500ms", MinMs: 200, MaxMs: 500},
	{Label: "500-1000ms", MinMs: 500, MaxMs: 1000},
	{Label: "1000-3000ms", MinMs: 1000, MaxMs: 3000},
	{Label: ">=3000ms", MinMs: 3000},
}

type LatencyStats struct {
	MinMs float64 `json:"min_ms"`
	AvgMs float64 `json:"avg_ms"`
	MaxMs float64 `json:"max_ms"`
	P50Ms float64 `json:"p50_ms"`
	P90Ms float64 `json:"p90_ms"`
}

// Summary is the outcome of one probe pass.
// Latency is nil when nothing succeeded.
type Summary struct {
	Total          int                             `json:"total"`
	Succeeded      int                             `json:"succeeded"`
	Failed         int                             `json:"failed"`
	Reachable      int                             `json:"reachable"`
	ErrorHistogram map[types.ErrorClass]int        `json:"error_histogram"`
	Latency        *LatencyStats                   `json:"latency,omitempty"`
	BucketCounts   []int                           `json:"bucket_counts"`
	ByProtocol     map[types.Protocol]int          `json:"by_protocol"`
	ByCategory     map[string][]types.ProbeOutcome `json:"-"`
}

// SuccessRate returns the share of successful probes in percent
func (s *Summary) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Total) * 100.0
}

// Categories returns the categories with at least one success, sorted
func (s *Summary) Categories() []string {
	categories := make([]string, 0, len(s.ByCategory))
	for c := range s.ByCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	return categories
}

// Fastest returns up to n successful outcomes ordered by latency.
// n <= 0 returns all of them.
func (s *Summary) Fastest(n int) []types.ProbeOutcome {
	var all []types.ProbeOutcome
	for _, outcomes := range s.ByCategory {
		all = append(all, outcomes...)
	}
	SortByLatency(all)
	if n > 0 && n < len(all) {
		all = all[:n]
	}
	return all
}

// Aggregate computes the Summary of a probe pass. Every outcome lands in
// exactly one of Succeeded or Failed; every success in exactly one bucket.
func Aggregate(outcomes []types.ProbeOutcome) *Summary {
	s := &Summary{
		Total:          len(outcomes),
		ErrorHistogram: make(map[types.ErrorClass]int),
		BucketCounts:   make([]int, len(Buckets)),
		ByProtocol:     make(map[types.Protocol]int),
		ByCategory:     make(map[string][]types.ProbeOutcome),
	}

	latencies := make([]float64, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Reachable {
			s.Reachable++
		}
		if !o.Success() {
			s.Failed++
			class := o.ErrorClass
			if class == types.ErrNone {
				class = types.ErrOther
			}
			s.ErrorHistogram[class]++
			continue
		}

		s.Succeeded++
		s.ByProtocol[o.Endpoint.Protocol]++
		category := o.Endpoint.Category
		if category == "" {
			category = types.UnknownCategory
		}
		s.ByCategory[category] = append(s.ByCategory[category], o)

		latencies = append(latencies, o.LatencyMs)
		for i, b := range Buckets {
			if b.contains(o.LatencyMs) {
				s.BucketCounts[i]++
				break
			}
		}
	}

	for _, group := range s.ByCategory {
		SortByLatency(group)
	}

	if len(latencies) > 0 {
		s.Latency = latencyStats(latencies)
	}

	return s
}

// SortByLatency orders outcomes by latency, then address
func SortByLatency(outcomes []types.ProbeOutcome) {
	sort.SliceStable(outcomes, func(i, j int) bool {
		if outcomes[i].LatencyMs != outcomes[j].LatencyMs {
			return outcomes[i].LatencyMs < outcomes[j].LatencyMs
		}
		return outcomes[i].Endpoint.Key() < outcomes[j].Endpoint.Key()
	})
}

func latencyStats(latencies []float64) *LatencyStats {
	sorted := make([]float64, len(latencies))
	copy(sorted, latencies)
	sort.Float64s(sorted)

	var sum float64
	for _, l := range sorted {
		sum += l
	}

	return &LatencyStats{
		MinMs: sorted[0],
		AvgMs: sum / float64(len(sorted)),
		MaxMs: sorted[len(sorted)-1],
		P50Ms: percentile(sorted, 50),
		P90Ms: percentile(sorted, 90),
	}
}

// percentile uses the nearest-rank method on sorted input
func percentile(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p / 100.0 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
