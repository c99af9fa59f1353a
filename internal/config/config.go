// Package config holds all rules-lawyer service configuration.
// Configuration is loaded from a YAML file with environment overrides;
// missing values fall back to documented defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all service configuration.
type Config struct {
	// Telegram transport settings
	Telegram TelegramConfig `yaml:"telegram"`

	// Reasoning engine configuration
	Engine EngineConfig `yaml:"engine"`

	// PDF corpus location
	Corpus CorpusConfig `yaml:"corpus"`

	// Data directory (SQLite, logs)
	DataPath string `yaml:"data_path"`

	// Admission control
	Governor GovernorConfig `yaml:"governor"`

	// Turn pipeline limits
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Session store policy
	Session SessionConfig `yaml:"session"`

	// Outbound message shaping
	Transport TransportConfig `yaml:"transport"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// TelegramConfig configures the Telegram transport.
type TelegramConfig struct {
	Token string `yaml:"token"`
	// AdminIDs lists user IDs allowed to use /health and see verbose output.
	AdminIDs []int64 `yaml:"admin_ids"`
}

// EngineConfig configures the reasoning engine boundary.
type EngineConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

// CorpusConfig configures the rulebook library.
type CorpusConfig struct {
	Path string `yaml:"path"`
	// Watch enables fsnotify-based index refresh when PDFs are added/removed.
	Watch bool `yaml:"watch"`
}

// GovernorConfig configures admission control for search work.
type GovernorConfig struct {
	// MaxRequests per user within Window (sliding).
	MaxRequests int    `yaml:"max_requests"`
	Window      string `yaml:"window"`

	// MaxConcurrentSearches bounds simultaneous ugrep processes globally.
	MaxConcurrentSearches int `yaml:"max_concurrent_searches"`

	// AcquireTimeout bounds how long a turn waits for a search slot before
	// failing fast with a "server busy" outcome.
	AcquireTimeout string `yaml:"acquire_timeout"`
}

// PipelineConfig configures the turn state machine.
type PipelineConfig struct {
	// MaxSearchRounds caps engine-invocation-plus-search iterations per turn.
	MaxSearchRounds int `yaml:"max_search_rounds"`

	// SearchTimeout is the hard wall-clock limit for one ugrep invocation.
	SearchTimeout string `yaml:"search_timeout"`

	// RetryOnEvidenceViolation grants one corrective engine round when a
	// final answer fails the evidence gate.
	RetryOnEvidenceViolation bool `yaml:"retry_on_evidence_violation"`
}

// SessionConfig configures the per-user session store.
type SessionConfig struct {
	// BusyPolicy decides what happens when a second message arrives while a
	// turn for the same user is in flight: "queue" (arrival order, default)
	// or "reject" (immediate "processing in progress").
	BusyPolicy string `yaml:"busy_policy"`

	// IdleTTL, if non-zero, evicts idle in-memory sessions. History in
	// SQLite is never evicted. "0" disables eviction.
	IdleTTL string `yaml:"idle_ttl"`
}

// TransportConfig configures outbound message shaping.
type TransportConfig struct {
	// MaxChunkSize must stay below the Telegram 4096-char ceiling with
	// room left for the "[i/n]" part marker.
	MaxChunkSize int `yaml:"max_chunk_size"`

	// ProgressDebounce is the minimum interval between progress updates.
	ProgressDebounce string `yaml:"progress_debounce"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// telegramMessageCeiling is the transport's hard per-message size limit.
// chunkMarkerAllowance reserves room for the "[i/n]\n" part marker added on
// top of each chunk of a multi-part answer.
const (
	telegramMessageCeiling = 4096
	chunkMarkerAllowance   = 8
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Model:   "gemini-2.0-flash",
			Timeout: "120s",
		},
		Corpus: CorpusConfig{
			Path:  "rules_pdfs",
			Watch: true,
		},
		DataPath: "data",
		Governor: GovernorConfig{
			MaxRequests:           10,
			Window:                "60s",
			MaxConcurrentSearches: 4,
			AcquireTimeout:        "2s",
		},
		Pipeline: PipelineConfig{
			MaxSearchRounds:          4,
			SearchTimeout:            "15s",
			RetryOnEvidenceViolation: true,
		},
		Session: SessionConfig{
			BusyPolicy: "queue",
			IdleTTL:    "0",
		},
		Transport: TransportConfig{
			MaxChunkSize:     4000,
			ProgressDebounce: "1s",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file.
// A missing file yields defaults; environment variables override both.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if tok := os.Getenv("TELEGRAM_TOKEN"); tok != "" {
		c.Telegram.Token = tok
	}
	if ids := os.Getenv("RULESLAWYER_ADMIN_IDS"); ids != "" {
		c.Telegram.AdminIDs = parseAdminIDs(ids)
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Engine.APIKey = key
	}
	if path := os.Getenv("RULESLAWYER_CORPUS"); path != "" {
		c.Corpus.Path = path
	}
	if path := os.Getenv("RULESLAWYER_DATA"); path != "" {
		c.DataPath = path
	}
}

// parseAdminIDs parses a comma-separated ID list; malformed entries are
// dropped rather than failing startup.
func parseAdminIDs(s string) []int64 {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Validate checks that all limits are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Governor.MaxRequests < 1 {
		return fmt.Errorf("governor.max_requests must be >= 1")
	}
	if c.RateWindow() <= 0 {
		return fmt.Errorf("governor.window must be a positive duration")
	}
	if c.Governor.MaxConcurrentSearches < 1 {
		return fmt.Errorf("governor.max_concurrent_searches must be >= 1")
	}
	if c.Pipeline.MaxSearchRounds < 1 {
		return fmt.Errorf("pipeline.max_search_rounds must be >= 1")
	}
	if c.SearchTimeout() <= 0 {
		return fmt.Errorf("pipeline.search_timeout must be a positive duration")
	}
	if c.Transport.MaxChunkSize < 1 || c.Transport.MaxChunkSize > telegramMessageCeiling-chunkMarkerAllowance {
		return fmt.Errorf("transport.max_chunk_size must be in [1, %d] (ceiling %d minus part marker)",
			telegramMessageCeiling-chunkMarkerAllowance, telegramMessageCeiling)
	}
	switch c.Session.BusyPolicy {
	case "queue", "reject":
	default:
		return fmt.Errorf("session.busy_policy must be \"queue\" or \"reject\", got %q", c.Session.BusyPolicy)
	}
	return nil
}

// IsAdmin reports whether the user ID is in the admin list.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Telegram.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// RateWindow returns the rate-limit window as a duration.
func (c *Config) RateWindow() time.Duration {
	return parseDurationOr(c.Governor.Window, 60*time.Second)
}

// AcquireTimeout returns the search-slot acquire timeout as a duration.
func (c *Config) AcquireTimeout() time.Duration {
	return parseDurationOr(c.Governor.AcquireTimeout, 2*time.Second)
}

// SearchTimeout returns the per-search hard timeout as a duration.
func (c *Config) SearchTimeout() time.Duration {
	return parseDurationOr(c.Pipeline.SearchTimeout, 15*time.Second)
}

// EngineTimeout returns the reasoning-engine call timeout as a duration.
func (c *Config) EngineTimeout() time.Duration {
	return parseDurationOr(c.Engine.Timeout, 120*time.Second)
}

// SessionIdleTTL returns the idle eviction TTL; zero disables eviction.
func (c *Config) SessionIdleTTL() time.Duration {
	return parseDurationOr(c.Session.IdleTTL, 0)
}

// ProgressDebounce returns the progress update debounce interval.
func (c *Config) ProgressDebounce() time.Duration {
	return parseDurationOr(c.Transport.ProgressDebounce, time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" || s == "0" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
