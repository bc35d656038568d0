package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/proxy-watch/internal/types"
)

type Config struct {
	Source     SourceConfig     `json:"source"`
	Checker    CheckerConfig    `json:"checker"`
	Categories CategoriesConfig `json:"categories"`
	Storage    StorageConfig    `json:"storage"`
	Notifier   NotifierConfig   `json:"notifier"`
	API        APIConfig        `json:"api"`
	Metrics    MetricsConfig    `json:"metrics"`
	Logging    LoggingConfig    `json:"logging"`
}

type SourceConfig struct {
	UserAgent      string   `json:"user_agent"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	Sources        []Source `json:"sources"`
}

type Source struct {
	Name     string        `json:"name"`
	URL      string        `json:"url"`
	Type     string        `json:"type"`     // "text", "json", "html"
	Protocol string        `json:"protocol"` // "", "auto", "http", "https", "socks4", "socks5"
	Enabled  bool          `json:"enabled"`
	Required bool          `json:"required"`
	HTML     *HTMLSelector `json:"html,omitempty"`
}

// HTMLSelector locates proxies in an HTML table. Columns are 1-based, 0 means absent.
type HTMLSelector struct {
	Row           string `json:"row"`
	IPColumn      int    `json:"ip_column"`
	PortColumn    int    `json:"port_column"`
	CountryColumn int    `json:"country_column"`
}

type CheckerConfig struct {
	Concurrency            int       `json:"concurrency"`
	PerProbeTimeoutMs      int       `json:"per_probe_timeout_ms"`
	OverallDeadlineSeconds int       `json:"overall_deadline_seconds"`
	DispatchRatePerSecond  float64   `json:"dispatch_rate_per_second"`
	TestURLs               []TestURL `json:"test_urls"`
	UserAgent              string    `json:"user_agent"`
}

type TestURL struct {
	URL          string `json:"url"`
	ExpectStatus int    `json:"expect_status"` // 0 accepts any 2xx
	Marker       string `json:"marker"`
}

type CategoriesConfig struct {
	Targets     []string `json:"targets"`
	GeoIPDBPath string   `json:"geoip_db_path"`
	Default     string   `json:"default"`
}

type StorageConfig struct {
	Type string `json:"type"` // "file", "sqlite", "redis", "postgres"
	Path string `json:"path"` // file path, sqlite path, redis addr or postgres DSN
	Key  string `json:"key"`
}

type NotifierConfig struct {
	Title                 string    `json:"title"`
	MaxEntriesPerCategory int       `json:"max_entries_per_category"`
	Channels              []Channel `json:"channels"`
}

type Channel struct {
	Type      string `json:"type"` // "log", "telegram", "serverchan", "pushplus", "qmsg"
	TokenEnv  string `json:"token_env"`
	ChatIDEnv string `json:"chat_id_env"`
	Endpoint  string `json:"endpoint"`
}

type APIConfig struct {
	Addr               string `json:"addr"`
	APIKeyEnv          string `json:"api_key_env"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute"`
	EnableAPIKeyAuth   bool   `json:"enable_api_key_auth"`
	EnableIPRateLimit  bool   `json:"enable_ip_rate_limit"`
}

type MetricsConfig struct {
	Enabled      bool   `json:"enabled"`
	Endpoint     string `json:"endpoint"`
	Namespace    string `json:"namespace"`
	TextfilePath string `json:"textfile_path"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36"

// Load reads configuration from JSON file
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes JSON configuration, fills defaults and validates
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config JSON: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Source.UserAgent == "" {
		c.Source.UserAgent = defaultUserAgent
	}
	if c.Source.TimeoutSeconds == 0 {
		c.Source.TimeoutSeconds = 30
	}
	for i := range c.Source.Sources {
		src := &c.Source.Sources[i]
		if src.Type == "" {
			src.Type = "text"
		}
		if src.Name == "" {
			src.Name = src.URL
		}
	}
	if c.Checker.Concurrency == 0 {
		c.Checker.Concurrency = 20
	}
	if c.Checker.PerProbeTimeoutMs == 0 {
		c.Checker.PerProbeTimeoutMs = 8000
	}
	if c.Checker.OverallDeadlineSeconds == 0 {
		c.Checker.OverallDeadlineSeconds = 600
	}
	if len(c.Checker.TestURLs) == 0 {
		c.Checker.TestURLs = []TestURL{{URL: "https://www.google.com/generate_204", ExpectStatus: 204}}
	}
	if c.Checker.UserAgent == "" {
		c.Checker.UserAgent = defaultUserAgent
	}
	if c.Categories.Default == "" {
		c.Categories.Default = types.UnknownCategory
	}
	for i, t := range c.Categories.Targets {
		c.Categories.Targets[i] = strings.ToUpper(strings.TrimSpace(t))
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "file"
	}
	if c.Storage.Path == "" && c.Storage.Type == "file" {
		c.Storage.Path = "data/snapshot.json"
	}
	if c.Storage.Key == "" {
		c.Storage.Key = "proxywatch:snapshot"
	}
	if c.Notifier.Title == "" {
		c.Notifier.Title = "Proxy digest"
	}
	if len(c.Notifier.Channels) == 0 {
		c.Notifier.Channels = []Channel{{Type: "log"}}
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8083"
	}
	if c.API.RateLimitPerMinute == 0 {
		c.API.RateLimitPerMinute = 1200
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "proxywatch"
	}
	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	enabled := 0
	for _, src := range c.Source.Sources {
		if !src.Enabled {
			continue
		}
		enabled++
		if _, err := url.ParseRequestURI(src.URL); err != nil {
			return fmt.Errorf("source %q: invalid url: %w", src.Name, err)
		}
		switch src.Type {
		case "text", "json":
		case "html":
			if src.HTML == nil || src.HTML.Row == "" || src.HTML.IPColumn < 1 || src.HTML.PortColumn < 1 {
				return fmt.Errorf("source %q: html sources need row, ip_column and port_column", src.Name)
			}
		default:
			return fmt.Errorf("source %q: type must be 'text', 'json' or 'html'", src.Name)
		}
		if src.Protocol != "" && src.Protocol != "auto" {
			if _, ok := types.ParseProtocol(src.Protocol); !ok {
				return fmt.Errorf("source %q: unknown protocol %q", src.Name, src.Protocol)
			}
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one enabled source is required")
	}

	if c.Checker.Concurrency < 1 || c.Checker.Concurrency > 100000 {
		return fmt.Errorf("concurrency must be between 1 and 100000")
	}
	if c.Checker.PerProbeTimeoutMs < 100 || c.Checker.PerProbeTimeoutMs > 300000 {
		return fmt.Errorf("per_probe_timeout_ms must be between 100 and 300000")
	}
	if c.Checker.OverallDeadlineSeconds < 1 {
		return fmt.Errorf("overall_deadline_seconds must be positive")
	}
	if c.Checker.DispatchRatePerSecond < 0 {
		return fmt.Errorf("dispatch_rate_per_second must not be negative")
	}
	for _, tu := range c.Checker.TestURLs {
		u, err := url.Parse(tu.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("test url %q must be an absolute http(s) URL", tu.URL)
		}
	}

	switch c.Storage.Type {
	case "file", "sqlite", "redis", "postgres":
	default:
		return fmt.Errorf("storage type must be 'file', 'sqlite', 'redis' or 'postgres'")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required for %s storage", c.Storage.Type)
	}

	for _, ch := range c.Notifier.Channels {
		switch ch.Type {
		case "log":
		case "telegram":
			if ch.TokenEnv == "" || ch.ChatIDEnv == "" {
				return fmt.Errorf("telegram channel needs token_env and chat_id_env")
			}
		case "serverchan", "pushplus", "qmsg":
			if ch.TokenEnv == "" {
				return fmt.Errorf("%s channel needs token_env", ch.Type)
			}
		default:
			return fmt.Errorf("unknown notifier channel type %q", ch.Type)
		}
	}
	if c.Notifier.MaxEntriesPerCategory < 0 {
		return fmt.Errorf("max_entries_per_category must not be negative")
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging format must be 'json' or 'text'")
	}
	return nil
}

func (c CheckerConfig) PerProbeTimeout() time.Duration {
	return time.Duration(c.PerProbeTimeoutMs) * time.Millisecond
}

func (c CheckerConfig) OverallDeadline() time.Duration {
	return time.Duration(c.OverallDeadlineSeconds) * time.Second
}

func (c SourceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
