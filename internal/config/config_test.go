package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `{"source": {"sources": [{"url": "https://example.com/socks5.txt", "enabled": true}]}}`

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "text", cfg.Source.Sources[0].Type)
	assert.Equal(t, "https://example.com/socks5.txt", cfg.Source.Sources[0].Name)
	assert.Equal(t, 20, cfg.Checker.Concurrency)
	assert.Equal(t, 8*time.Second, cfg.Checker.PerProbeTimeout())
	assert.Equal(t, 10*time.Minute, cfg.Checker.OverallDeadline())
	require.Len(t, cfg.Checker.TestURLs, 1)
	assert.Equal(t, 204, cfg.Checker.TestURLs[0].ExpectStatus)
	assert.Equal(t, "UNKNOWN", cfg.Categories.Default)
	assert.Equal(t, "file", cfg.Storage.Type)
	assert.Equal(t, "data/snapshot.json", cfg.Storage.Path)
	require.Len(t, cfg.Notifier.Channels, 1)
	assert.Equal(t, "log", cfg.Notifier.Channels[0].Type)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestParseUppercasesTargets(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"source": {"sources": [{"url": "https://example.com/a", "enabled": true}]},
		"categories": {"targets": ["sg", " hk "]}
	}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"SG", "HK"}, cfg.Categories.Targets)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"no enabled source": `{"source": {"sources": [{"url": "https://example.com/a"}]}}`,
		"bad source type":   `{"source": {"sources": [{"url": "https://example.com/a", "enabled": true, "type": "xml"}]}}`,
		"html w/o selector": `{"source": {"sources": [{"url": "https://example.com/a", "enabled": true, "type": "html"}]}}`,
		"bad protocol":      `{"source": {"sources": [{"url": "https://example.com/a", "enabled": true, "protocol": "ftp"}]}}`,
		"timeout too small": `{"source": {"sources": [{"url": "https://example.com/a", "enabled": true}]}, "checker": {"per_probe_timeout_ms": 5}}`,
		"relative test url": `{"source": {"sources": [{"url": "https://example.com/a", "enabled": true}]}, "checker": {"test_urls": [{"url": "/ip"}]}}`,
		"bad storage":       `{"source": {"sources": [{"url": "https://example.com/a", "enabled": true}]}, "storage": {"type": "s3", "path": "x"}}`,
		"redis w/o addr":    `{"source": {"sources": [{"url": "https://example.com/a", "enabled": true}]}, "storage": {"type": "redis"}}`,
		"telegram w/o env":  `{"source": {"sources": [{"url": "https://example.com/a", "enabled": true}]}, "notifier": {"channels": [{"type": "telegram"}]}}`,
		"unknown channel":   `{"source": {"sources": [{"url": "https://example.com/a", "enabled": true}]}, "notifier": {"channels": [{"type": "sms"}]}}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Source.Sources[0].Enabled)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.json"))
	require.NoError(t, err)

	assert.Equal(t, []string{"SG", "HK", "KR", "JP"}, cfg.Categories.Targets)
	assert.Len(t, cfg.Checker.TestURLs, 2)
	assert.Equal(t, "file", cfg.Storage.Type)
}
