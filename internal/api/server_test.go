package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/proxy-watch/internal/config"
	"github.com/proxy-watch/internal/metrics"
	"github.com/proxy-watch/internal/snapshot"
	"github.com/proxy-watch/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T, mutate func(cfg *config.Config)) (*Server, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "snapshot.json")
	store, err := storage.NewFileStorage(path)
	require.NoError(t, err)

	snap := snapshot.New()
	snap.Version = snapshot.Version
	snap.Updated = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	snap.Stats = snapshot.Stats{Tested: 4, Succeeded: 2, Failed: 2}
	snap.Recent["SG"] = []snapshot.Entry{
		{IPPort: "1.1.1.1:1080", IP: "1.1.1.1", Port: 1080, Protocol: "socks5", Country: "SG", Ping: 50},
		{IPPort: "2.2.2.2:8080", IP: "2.2.2.2", Port: 8080, Protocol: "http", Country: "SG", Ping: 90},
	}
	snap.Stable["SG"] = []snapshot.Entry{
		{IPPort: "1.1.1.1:1080", IP: "1.1.1.1", Port: 1080, Protocol: "socks5", Country: "SG", Ping: 50},
	}
	require.NoError(t, store.Save(snap))

	cfg := &config.Config{
		API:     config.APIConfig{Addr: ":0", RateLimitPerMinute: 600},
		Metrics: config.MetricsConfig{Enabled: true, Endpoint: "/metrics", Namespace: "test"},
		Logging: config.LoggingConfig{Level: "info", Format: "json"},
	}
	if mutate != nil {
		mutate(cfg)
	}

	return NewServer(cfg, store, metrics.NewCollector("test")), path
}

func get(s *Server, target string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _ := testServer(t, nil)
	w := get(s, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestSnapshotEndpoint(t *testing.T) {
	s, _ := testServer(t, nil)
	w := get(s, "/snapshot")
	require.Equal(t, http.StatusOK, w.Code)

	var snap snapshot.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, snapshot.Version, snap.Version)
	assert.Len(t, snap.Recent["SG"], 2)
	assert.Len(t, snap.Stable["SG"], 1)
}

func TestCategoryText(t *testing.T) {
	s, _ := testServer(t, nil)

	w := get(s, "/snapshot/sg")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "socks5://1.1.1.1:1080\nhttp://2.2.2.2:8080\n", w.Body.String())

	w = get(s, "/snapshot/SG?partition=old")
	assert.Equal(t, "socks5://1.1.1.1:1080\n", w.Body.String())
}

func TestCategoryJSON(t *testing.T) {
	s, _ := testServer(t, nil)

	w := get(s, "/snapshot/SG?partition=new", "Accept", "application/json")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Category string           `json:"category"`
		Total    int              `json:"total"`
		Entries  []snapshot.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "SG", body.Category)
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, "2.2.2.2:8080", body.Entries[1].IPPort)
}

func TestCategoryErrors(t *testing.T) {
	s, _ := testServer(t, nil)

	assert.Equal(t, http.StatusNotFound, get(s, "/snapshot/US").Code)
	assert.Equal(t, http.StatusBadRequest, get(s, "/snapshot/SG?partition=bogus").Code)
}

func TestStat(t *testing.T) {
	s, _ := testServer(t, nil)

	w := get(s, "/stat")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(4), body["tested"])
	assert.Equal(t, "50.00%", body["success_rate"])
	assert.Equal(t, "2024-05-01T12:00:00Z", body["updated"])
	assert.Equal(t, map[string]interface{}{"SG": float64(2)}, body["new"])
}

func TestCorruptSnapshotIsServerError(t *testing.T) {
	s, path := testServer(t, nil)
	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))

	assert.Equal(t, http.StatusInternalServerError, get(s, "/stat").Code)
}

func TestAPIKey(t *testing.T) {
	t.Setenv("PW_API_KEY", "secret")
	s, _ := testServer(t, func(cfg *config.Config) {
		cfg.API.EnableAPIKeyAuth = true
		cfg.API.APIKeyEnv = "PW_API_KEY"
	})

	assert.Equal(t, http.StatusUnauthorized, get(s, "/stat").Code)
	assert.Equal(t, http.StatusOK, get(s, "/stat", "X-Api-Key", "secret").Code)
	assert.Equal(t, http.StatusOK, get(s, "/stat?key=secret").Code)
	assert.Equal(t, http.StatusOK, get(s, "/health").Code)
}

func TestRateLimit(t *testing.T) {
	s, _ := testServer(t, func(cfg *config.Config) {
		cfg.API.EnableIPRateLimit = true
		cfg.API.RateLimitPerMinute = 10
	})

	assert.Equal(t, http.StatusOK, get(s, "/stat").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(s, "/stat").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := testServer(t, nil)
	get(s, "/health")

	w := get(s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `test_api_requests_total{endpoint="/health",method="GET",status="200"} 1`)
}
