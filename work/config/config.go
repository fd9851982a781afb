package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Config holds all runtime settings for the failback loader: origin failover
// thresholds, recovery probe cadence, stall detection tuning, alternate host
// discovery, and outbound request behavior. Function-typed fields are code-level
// hooks and are never serialized.
type Config struct {
	Domain            string        `json:"domain"`            // Domain queried against DoH resolvers for alternate hosts
	StaticHosts       []string      `json:"staticHosts"`       // Explicit alternate host list; overrides dynamic resolution when non-empty
	FallbackHosts     []string      `json:"fallbackHosts"`     // Hosts used when dynamic resolution yields nothing usable
	FailoverThreshold int           `json:"failoverThreshold"` // Consecutive primary failures before permanent failover engages
	ProbeCadence      int           `json:"probeCadence"`      // Successful degraded-mode loads between recovery probes
	ProbeTimeout      time.Duration `json:"probeTimeout"`      // Per-probe request deadline
	ProbeRangeBytes   int64         `json:"probeRangeBytes"`   // Size of the byte range requested by a recovery probe
	MinBufferForProbe time.Duration `json:"minBufferForProbe"` // Playback buffer required before probing (0 disables the gate)
	TimeToFirstByte   time.Duration `json:"timeToFirstByte"`   // Deadline for response headers on a segment attempt
	CompletionTimeout time.Duration `json:"completionTimeout"` // Deadline for a fully received segment body
	StallInterval     time.Duration `json:"stallInterval"`     // Watchdog check interval for in-flight transfers
	StallSilence      time.Duration `json:"stallSilence"`      // Progress silence tolerated before declaring a stall
	MinBytesPerSecond int64         `json:"minBytesPerSecond"` // Throughput floor below which low-speed time accrues
	RequestsPerHost   int           `json:"requestsPerHost"`   // Outbound request rate limit per origin host (req/sec)
	WorkerThreads     int           `json:"workerThreads"`     // Goroutine pool size for background tasks (probes)
	UserAgent         string        `json:"userAgent"`         // User-Agent header on outbound requests
	ReqOrigin         string        `json:"reqOrigin"`         // Origin header on outbound requests
	ReqReferrer       string        `json:"reqReferrer"`       // Referer header on outbound requests
	Debug             bool          `json:"debug"`             // Enable debug logging
	ObfuscateUrls     bool          `json:"obfuscateUrls"`     // Obfuscate URLs in logs

	// TransformURL, when set, replaces the default alternate-URL rewriting.
	// It receives the original URL and the attempt number about to be made and
	// returns the next candidate URL, or "" when no candidate remains.
	TransformURL func(rawURL string, attempt int) string `json:"-"`

	// OnSuccess is invoked once per successful load with the serving URL,
	// whether an alternate served it, and the attempt index that succeeded.
	OnSuccess func(servedURL string, viaAlternate bool, attempt int) `json:"-"`

	// OnFailback is invoked each time the loader moves to the next candidate.
	OnFailback func(originalURL, nextURL string, attempt int) `json:"-"`

	// OnAllFailed is invoked when every candidate has been exhausted.
	OnAllFailed func(originalURL string, attempts int) `json:"-"`
}

// ConfigFile represents the JSON file structure for unmarshaling configuration.
// Duration fields are stored as strings (e.g. "5s") and parsed on load.
type ConfigFile struct {
	Domain            string   `json:"domain"`
	StaticHosts       []string `json:"staticHosts"`
	FallbackHosts     []string `json:"fallbackHosts"`
	FailoverThreshold int      `json:"failoverThreshold"`
	ProbeCadence      int      `json:"probeCadence"`
	ProbeTimeout      string   `json:"probeTimeout"`
	ProbeRangeBytes   int64    `json:"probeRangeBytes"`
	MinBufferForProbe string   `json:"minBufferForProbe"`
	TimeToFirstByte   string   `json:"timeToFirstByte"`
	CompletionTimeout string   `json:"completionTimeout"`
	StallInterval     string   `json:"stallInterval"`
	StallSilence      string   `json:"stallSilence"`
	MinBytesPerSecond int64    `json:"minBytesPerSecond"`
	RequestsPerHost   int      `json:"requestsPerHost"`
	WorkerThreads     int      `json:"workerThreads"`
	UserAgent         string   `json:"userAgent"`
	ReqOrigin         string   `json:"reqOrigin"`
	ReqReferrer       string   `json:"reqReferrer"`
	Debug             bool     `json:"debug"`
	ObfuscateUrls     bool     `json:"obfuscateUrls"`
}

var (
	configCache *Config      // cached configuration instance (singleton, file-loaded path only)
	configMutex sync.RWMutex // protects configCache
)

// Default returns a fully populated configuration with the recommended
// failover tuning. Library callers start from here and override fields
// directly; every zero value left in a caller-built Config is re-defaulted
// by Validate.
func Default() *Config {
	return &Config{
		FailoverThreshold: 2,
		ProbeCadence:      6,
		ProbeTimeout:      3 * time.Second,
		ProbeRangeBytes:   1024,
		MinBufferForProbe: 0,
		TimeToFirstByte:   10 * time.Second,
		CompletionTimeout: 30 * time.Second,
		StallInterval:     time.Second,
		StallSilence:      5 * time.Second,
		MinBytesPerSecond: 4096,
		RequestsPerHost:   0,
		WorkerThreads:     4,
		UserAgent:         "failback-loader/1.0",
	}
}

// LoadConfig loads the configuration from the given file or returns the cached
// instance from a previous load. A missing or invalid file falls back to the
// defaults so the demo server always starts.
func LoadConfig(path string) *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// double-check under the write lock
	if configCache != nil {
		return configCache
	}

	cfg, err := loadFromFile(path)
	if err != nil {
		fmt.Printf("Warning: could not load config from %s (%v), using defaults\n", path, err)
		cfg = Default()
	}

	cfg.Validate()
	configCache = cfg
	return cfg
}

// ClearCache drops the cached file-loaded configuration. Used by tests.
func ClearCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// loadFromFile reads and parses the JSON configuration file, converting
// duration strings into time.Duration values on top of the defaults.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cf ConfigFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := Default()
	cfg.Domain = cf.Domain
	cfg.StaticHosts = cf.StaticHosts
	cfg.FallbackHosts = cf.FallbackHosts
	cfg.Debug = cf.Debug
	cfg.ObfuscateUrls = cf.ObfuscateUrls

	if cf.FailoverThreshold > 0 {
		cfg.FailoverThreshold = cf.FailoverThreshold
	}
	if cf.ProbeCadence > 0 {
		cfg.ProbeCadence = cf.ProbeCadence
	}
	if cf.ProbeRangeBytes > 0 {
		cfg.ProbeRangeBytes = cf.ProbeRangeBytes
	}
	if cf.MinBytesPerSecond > 0 {
		cfg.MinBytesPerSecond = cf.MinBytesPerSecond
	}
	if cf.RequestsPerHost > 0 {
		cfg.RequestsPerHost = cf.RequestsPerHost
	}
	if cf.WorkerThreads > 0 {
		cfg.WorkerThreads = cf.WorkerThreads
	}
	if cf.UserAgent != "" {
		cfg.UserAgent = cf.UserAgent
	}
	cfg.ReqOrigin = cf.ReqOrigin
	cfg.ReqReferrer = cf.ReqReferrer

	for name, pair := range map[string]struct {
		raw string
		dst *time.Duration
	}{
		"probeTimeout":      {cf.ProbeTimeout, &cfg.ProbeTimeout},
		"minBufferForProbe": {cf.MinBufferForProbe, &cfg.MinBufferForProbe},
		"timeToFirstByte":   {cf.TimeToFirstByte, &cfg.TimeToFirstByte},
		"completionTimeout": {cf.CompletionTimeout, &cfg.CompletionTimeout},
		"stallInterval":     {cf.StallInterval, &cfg.StallInterval},
		"stallSilence":      {cf.StallSilence, &cfg.StallSilence},
	} {
		if pair.raw == "" {
			continue
		}
		d, err := time.ParseDuration(pair.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid duration for %s: %w", name, err)
		}
		*pair.dst = d
	}

	return cfg, nil
}

// Validate clamps out-of-range values back to safe defaults. It is called on
// every file load and should be called by library consumers that build a
// Config by hand.
func (c *Config) Validate() {
	def := Default()

	if c.FailoverThreshold <= 0 {
		c.FailoverThreshold = def.FailoverThreshold
	}
	if c.ProbeCadence <= 0 {
		c.ProbeCadence = def.ProbeCadence
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.ProbeRangeBytes <= 0 {
		c.ProbeRangeBytes = def.ProbeRangeBytes
	}
	if c.MinBufferForProbe < 0 {
		c.MinBufferForProbe = 0
	}
	if c.TimeToFirstByte <= 0 {
		c.TimeToFirstByte = def.TimeToFirstByte
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = def.CompletionTimeout
	}
	if c.StallInterval <= 0 {
		c.StallInterval = def.StallInterval
	}
	if c.StallSilence <= 0 {
		c.StallSilence = def.StallSilence
	}
	if c.MinBytesPerSecond <= 0 {
		c.MinBytesPerSecond = def.MinBytesPerSecond
	}
	if c.WorkerThreads <= 0 {
		c.WorkerThreads = def.WorkerThreads
	}
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
}
