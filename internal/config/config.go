package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	relayerrors "github.com/hpungsan/chatrelay/internal/errors"
)

// Config holds application configuration.
type Config struct {
	// Bind is the interface the HTTP server listens on.
	Bind string `json:"bind"`

	// Port is the HTTP port. The PORT environment variable overrides it.
	Port int `json:"port"`

	// Environment selects log format and error log tagging ("development" or "production").
	Environment string `json:"environment,omitempty"`

	// Limiters configures named admission limiters. Entries in the file
	// replace the built-in entry of the same name wholesale, so a capacity
	// of 0 (reject everything) is honoured.
	Limiters map[string]LimiterConfig `json:"limiters,omitempty"`

	// LimiterSweepIntervalMs is how often idle limiter windows are evicted.
	LimiterSweepIntervalMs int `json:"limiter_sweep_interval_ms"`

	// Session configures the conversation store.
	Session SessionConfig `json:"session"`

	// Upstream configures the chat completion API.
	Upstream UpstreamConfig `json:"upstream"`

	// MaxMessageChars is the longest accepted user message.
	MaxMessageChars int `json:"max_message_chars"`

	// AllowedOrigins lists CORS origins. "*" allows any origin.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	// TrustedProxies lists proxy addresses (IPs or CIDR ranges) whose
	// X-Forwarded-For header is believed. Requests from any other peer are
	// identified by their socket address alone.
	TrustedProxies []string `json:"trusted_proxies,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	// Unknown tool names are logged as warnings.
	DisabledTools []string `json:"disabled_tools,omitempty"`

	// PromptsFile is an optional YAML file of system prompts, relative to
	// the base directory unless absolute.
	PromptsFile string `json:"prompts_file,omitempty"`

	// APIKey is the upstream bearer token. Read from OPENAI_API_KEY only,
	// never from disk.
	APIKey string `json:"-"`
}

// LimiterConfig configures one named limiter.
type LimiterConfig struct {
	Capacity int `json:"capacity"`
	WindowMs int `json:"window_ms"`
}

// SessionConfig configures the conversation store.
type SessionConfig struct {
	MaxHistory      int `json:"max_history"`
	IdleTimeoutMs   int `json:"idle_timeout_ms"`
	SweepIntervalMs int `json:"sweep_interval_ms"`
	// HistoryLimit is how many prior messages are sent upstream per chat.
	HistoryLimit int `json:"history_limit"`
}

// UpstreamConfig configures the OpenAI-compatible API.
type UpstreamConfig struct {
	BaseURL     string   `json:"base_url"`
	Model       string   `json:"model"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature *float64 `json:"temperature,omitempty"`
	TimeoutMs   int      `json:"timeout_ms"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	temperature := 0.7
	return &Config{
		Bind:        "127.0.0.1",
		Port:        3001,
		Environment: "development",
		Limiters: map[string]LimiterConfig{
			"chat":   {Capacity: 20, WindowMs: 60_000},
			"health": {Capacity: 100, WindowMs: 60_000},
		},
		LimiterSweepIntervalMs: 60_000,
		Session: SessionConfig{
			MaxHistory:      50,
			IdleTimeoutMs:   30 * 60_000,
			SweepIntervalMs: 10 * 60_000,
			HistoryLimit:    10,
		},
		Upstream: UpstreamConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-3.5-turbo",
			MaxTokens:   500,
			Temperature: &temperature,
			TimeoutMs:   60_000,
		},
		MaxMessageChars: 4000,
	}
}

// Load loads configuration from baseDir/config.json, then applies
// environment overrides. Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.chatrelay.
func Load(baseDir string) (*Config, error) {
	cfg, err := loadFile(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	if cfg.PromptsFile != "" && !filepath.IsAbs(cfg.PromptsFile) {
		cfg.PromptsFile = filepath.Join(baseDir, cfg.PromptsFile)
	}
	return cfg, nil
}

// ApplyEnv overlays OPENAI_API_KEY, PORT and CHATRELAY_ENV onto cfg.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if key := strings.TrimSpace(getenv("OPENAI_API_KEY")); key != "" {
		cfg.APIKey = key
	}
	if env := strings.TrimSpace(getenv("CHATRELAY_ENV")); env != "" {
		cfg.Environment = env
	}
	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid PORT value %q: %w", port, err)
		}
		cfg.Port = n
	}
	return nil
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// File doesn't exist, return zero config
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; limiter entries are replaced
// per name; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	// Scalars: overlay wins if non-zero, else base
	result.Bind = firstString(overlay.Bind, base.Bind)
	result.Port = firstInt(overlay.Port, base.Port)
	result.Environment = firstString(overlay.Environment, base.Environment)
	result.LimiterSweepIntervalMs = firstInt(overlay.LimiterSweepIntervalMs, base.LimiterSweepIntervalMs)
	result.MaxMessageChars = firstInt(overlay.MaxMessageChars, base.MaxMessageChars)
	result.PromptsFile = firstString(overlay.PromptsFile, base.PromptsFile)
	result.APIKey = firstString(overlay.APIKey, base.APIKey)

	result.Session = SessionConfig{
		MaxHistory:      firstInt(overlay.Session.MaxHistory, base.Session.MaxHistory),
		IdleTimeoutMs:   firstInt(overlay.Session.IdleTimeoutMs, base.Session.IdleTimeoutMs),
		SweepIntervalMs: firstInt(overlay.Session.SweepIntervalMs, base.Session.SweepIntervalMs),
		HistoryLimit:    firstInt(overlay.Session.HistoryLimit, base.Session.HistoryLimit),
	}

	result.Upstream = UpstreamConfig{
		BaseURL:     firstString(overlay.Upstream.BaseURL, base.Upstream.BaseURL),
		Model:       firstString(overlay.Upstream.Model, base.Upstream.Model),
		MaxTokens:   firstInt(overlay.Upstream.MaxTokens, base.Upstream.MaxTokens),
		Temperature: base.Upstream.Temperature,
		TimeoutMs:   firstInt(overlay.Upstream.TimeoutMs, base.Upstream.TimeoutMs),
	}
	if overlay.Upstream.Temperature != nil {
		result.Upstream.Temperature = overlay.Upstream.Temperature
	}

	// Limiters: overlay entry replaces base entry of the same name
	if len(base.Limiters)+len(overlay.Limiters) > 0 {
		result.Limiters = make(map[string]LimiterConfig, len(base.Limiters)+len(overlay.Limiters))
		for name, l := range base.Limiters {
			result.Limiters[name] = l
		}
		for name, l := range overlay.Limiters {
			result.Limiters[strings.TrimSpace(name)] = l
		}
	}

	// Arrays: merge and deduplicate
	result.AllowedOrigins = mergeStringSlice(base.AllowedOrigins, overlay.AllowedOrigins)
	result.TrustedProxies = mergeStringSlice(base.TrustedProxies, overlay.TrustedProxies)
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)

	return result
}

// ValidationResult lists configuration problems. Errors are fatal at
// startup; warnings are logged.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// Valid reports whether there are no errors.
func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

// Err returns an INVALID_CONFIG error listing every problem, or nil.
func (r *ValidationResult) Err() error {
	if r.Valid() {
		return nil
	}
	return &relayerrors.RelayError{
		Code:    relayerrors.ErrInvalidConfig,
		Status:  500,
		Message: strings.Join(r.Errors, "; "),
		Details: map[string]any{"errors": r.Errors},
	}
}

// Validate checks the configuration. requireAPIKey is false for commands
// that never reach the upstream API.
func (c *Config) Validate(requireAPIKey bool) *ValidationResult {
	r := &ValidationResult{}
	errf := func(format string, args ...any) { r.Errors = append(r.Errors, fmt.Sprintf(format, args...)) }
	warnf := func(format string, args ...any) { r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...)) }

	if c.Port < 1 || c.Port > 65535 {
		errf("invalid port %d (must be between 1 and 65535)", c.Port)
	}

	names := make([]string, 0, len(c.Limiters))
	for name := range c.Limiters {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		l := c.Limiters[name]
		if name == "" {
			errf("limiter name must not be empty")
		}
		if l.Capacity < 0 {
			errf("limiters.%s.capacity must be >= 0", name)
		}
		if l.WindowMs <= 0 {
			errf("limiters.%s.window_ms must be > 0", name)
		}
		if l.Capacity == 0 {
			warnf("limiter %q has capacity 0 and will reject every request", name)
		}
	}
	if _, ok := c.Limiters["chat"]; !ok {
		errf("limiters.chat is required")
	}
	if _, ok := c.Limiters["health"]; !ok {
		errf("limiters.health is required")
	}
	if c.LimiterSweepIntervalMs <= 0 {
		errf("limiter_sweep_interval_ms must be > 0")
	}

	s := c.Session
	if s.MaxHistory <= 0 {
		errf("session.max_history must be > 0")
	}
	if s.IdleTimeoutMs <= 0 {
		errf("session.idle_timeout_ms must be > 0")
	}
	if s.SweepIntervalMs <= 0 {
		errf("session.sweep_interval_ms must be > 0")
	}
	if s.IdleTimeoutMs > 0 && s.SweepIntervalMs >= s.IdleTimeoutMs {
		warnf("session.sweep_interval_ms (%d) is not shorter than session.idle_timeout_ms (%d); idle conversations may linger", s.SweepIntervalMs, s.IdleTimeoutMs)
	}
	if s.HistoryLimit <= 0 {
		errf("session.history_limit must be > 0")
	} else if s.MaxHistory > 0 && s.HistoryLimit > s.MaxHistory {
		warnf("session.history_limit (%d) exceeds session.max_history (%d)", s.HistoryLimit, s.MaxHistory)
	}

	u := c.Upstream
	if strings.TrimSpace(u.BaseURL) == "" {
		errf("upstream.base_url is required")
	}
	if strings.TrimSpace(u.Model) == "" {
		errf("upstream.model is required")
	}
	if u.MaxTokens <= 0 {
		errf("upstream.max_tokens must be > 0")
	}
	if u.TimeoutMs <= 0 {
		errf("upstream.timeout_ms must be > 0")
	}
	if u.Temperature != nil && (*u.Temperature < 0 || *u.Temperature > 2) {
		errf("upstream.temperature must be between 0 and 2")
	}

	if c.MaxMessageChars <= 0 {
		errf("max_message_chars must be > 0")
	}

	if _, err := ParseProxies(c.TrustedProxies); err != nil {
		errf("trusted_proxies: %v", err)
	}

	if c.APIKey == "" {
		if requireAPIKey {
			errf("missing required environment variable: OPENAI_API_KEY")
		}
	} else {
		if !strings.HasPrefix(c.APIKey, "sk-") {
			warnf(`OpenAI API key format may be incorrect (should start with "sk-")`)
		}
		if len(c.APIKey) < 40 {
			warnf("OpenAI API key appears to be too short")
		}
	}

	return r
}

// ParseProxies parses trusted proxy entries. Each entry is an IP address,
// taken as a single-host range, or a CIDR prefix.
func ParseProxies(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("invalid proxy range %q", e)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy address %q", e)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func firstString(overlay, base string) string {
	if overlay != "" {
		return overlay
	}
	return base
}

func firstInt(overlay, base int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range a {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	for _, s := range b {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
