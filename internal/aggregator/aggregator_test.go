package aggregator

import (
	"testing"

	"github.com/proxy-watch/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func success(host string, category string, latency float64) types.ProbeOutcome {
	return types.ProbeOutcome{
		Endpoint:   types.Endpoint{Host: host, Port: 1080, Protocol: types.SOCKS5, Category: category},
		Reachable:  true,
		ProtocolOK: true,
		LatencyMs:  latency,
	}
}

func failure(host string, class types.ErrorClass, reachable bool) types.ProbeOutcome {
	return types.ProbeOutcome{
		Endpoint:   types.Endpoint{Host: host, Port: 8080, Protocol: types.HTTP, Category: "SG"},
		Reachable:  reachable,
		LatencyMs:  types.NoLatency,
		ErrorClass: class,
	}
}

func TestAggregateCounts(t *testing.T) {
	outcomes := []types.ProbeOutcome{
		success("1.1.1.1", "SG", 150),
		success("2.2.2.2", "SG", 50),
		success("3.3.3.3", "US", 3500),
		failure("4.4.4.4", types.ErrTimeout, true),
		failure("5.5.5.5", types.ErrConnectionRefused, false),
		failure("6.6.6.6", types.ErrTimeout, false),
		failure("7.7.7.7", types.ErrNone, false),
	}

	s := Aggregate(outcomes)

	assert.Equal(t, 7, s.Total)
	assert.Equal(t, 3, s.Succeeded)
	assert.Equal(t, 4, s.Failed)
	assert.Equal(t, s.Total, s.Succeeded+s.Failed)
	assert.Equal(t, 4, s.Reachable)
	assert.Equal(t, map[types.ErrorClass]int{
		types.ErrTimeout:           2,
		types.ErrConnectionRefused: 1,
		types.ErrOther:             1,
	}, s.ErrorHistogram)
	assert.Equal(t, map[types.Protocol]int{types.SOCKS5: 3}, s.ByProtocol)
	assert.InDelta(t, 42.857, s.SuccessRate(), 0.01)

	require.NotNil(t, s.Latency)
	assert.Equal(t, 50.0, s.Latency.MinMs)
	assert.Equal(t, 3500.0, s.Latency.MaxMs)
	assert.InDelta(t, 1233.33, s.Latency.AvgMs, 0.01)
	assert.Equal(t, 150.0, s.Latency.P50Ms)
	assert.Equal(t, 3500.0, s.Latency.P90Ms)

	assert.Equal(t, []string{"SG", "US"}, s.Categories())
	require.Len(t, s.ByCategory["SG"], 2)
	assert.Equal(t, "2.2.2.2", s.ByCategory["SG"][0].Endpoint.Host)
}

func TestAggregateBuckets(t *testing.T) {
	tests := []struct {
		latency float64
		bucket  int
	}{
		{0, 0},
		{99.9, 0},
		{100, 1},
		{150, 1},
		{199.99, 1},
		{200, 2},
		{999, 3},
		{1000, 4},
		{2999, 4},
		{3000, 5},
		{60000, 5},
	}

	for _, tt := range tests {
		s := Aggregate([]types.ProbeOutcome{success("1.1.1.1", "SG", tt.latency)})
		want := make([]int, len(Buckets))
		want[tt.bucket] = 1
		assert.Equal(t, want, s.BucketCounts, "latency %v", tt.latency)
	}
}

func TestAggregateNoSuccess(t *testing.T) {
	s := Aggregate([]types.ProbeOutcome{
		failure("1.1.1.1", types.ErrTimeout, false),
		failure("2.2.2.2", types.ErrProtocol, true),
	})

	assert.Equal(t, 0, s.Succeeded)
	assert.Nil(t, s.Latency)
	assert.Empty(t, s.ByCategory)
	assert.Equal(t, make([]int, len(Buckets)), s.BucketCounts)
}

func TestAggregateEmpty(t *testing.T) {
	s := Aggregate(nil)

	assert.Equal(t, 0, s.Total)
	assert.Nil(t, s.Latency)
	assert.Equal(t, 0.0, s.SuccessRate())
	assert.Empty(t, s.Fastest(5))
}

func TestAggregateUnknownCategory(t *testing.T) {
	s := Aggregate([]types.ProbeOutcome{success("1.1.1.1", "", 10)})
	assert.Contains(t, s.ByCategory, types.UnknownCategory)
}

func TestFastest(t *testing.T) {
	s := Aggregate([]types.ProbeOutcome{
		success("1.1.1.1", "SG", 300),
		success("2.2.2.2", "US", 100),
		success("3.3.3.3", "DE", 200),
		success("4.4.4.4", "SG", 100),
	})

	fastest := s.Fastest(3)
	require.Len(t, fastest, 3)
	assert.Equal(t, "2.2.2.2", fastest[0].Endpoint.Host)
	assert.Equal(t, "4.4.4.4", fastest[1].Endpoint.Host)
	assert.Equal(t, "3.3.3.3", fastest[2].Endpoint.Host)

	assert.Len(t, s.Fastest(0), 4)
}
