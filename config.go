package stemmgpt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	defaults "github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt/default"
)

// Config represents the relay configuration.
type Config struct {
	Version    int              `toml:"version"`
	Generation GenerationConfig `toml:"generation"`
	Relay      RelayConfig      `toml:"relay"`
	Memory     MemoryConfig     `toml:"memory"`
	Socket     SocketConfig     `toml:"socket"`
	Store      StoreConfig      `toml:"store"`
	Recall     RecallConfig     `toml:"recall"`

	// undecoded holds keys present in the file that match no field.
	undecoded []string
}

// GenerationConfig holds settings for the inference collaborator.
type GenerationConfig struct {
	BaseURL        string   `toml:"base_url"`
	APIKey         string   `toml:"api_key"`
	APIType        string   `toml:"api_type"`
	Model          string   `toml:"model"`
	SystemPrompt   string   `toml:"system_prompt"`
	MaxNewTokens   int      `toml:"max_new_tokens"`
	DoSample       *bool    `toml:"do_sample"`
	Temperature    *float64 `toml:"temperature"`
	TopK           int      `toml:"top_k"`
	TopP           *float64 `toml:"top_p"`
	TimeoutSeconds *int     `toml:"timeout_seconds"`
}

// RelayConfig holds settings for the file channel.
type RelayConfig struct {
	Dir            string `toml:"dir"`
	InputFile      string `toml:"input_file"`
	OutputFile     string `toml:"output_file"`
	ReadyFile      string `toml:"ready_file"`
	PollIntervalMS int    `toml:"poll_interval_ms"`
	Watch          *bool  `toml:"watch"`
	FallbackInput  string `toml:"fallback_input"`
	BusyPolicy     string `toml:"busy_policy"`
}

// MemoryConfig holds settings for the memory artifact.
type MemoryConfig struct {
	Path    string `toml:"path"`
	Mode    string `toml:"mode"`
	Seed    string `toml:"seed"`
	Persist *bool  `toml:"persist"`
}

// SocketConfig holds settings for the Unix socket channel.
type SocketConfig struct {
	Path              string `toml:"path"`
	Enabled           *bool  `toml:"enabled"`
	SessionTTLMinutes int    `toml:"session_ttl_minutes"`
}

// StoreConfig holds settings for the SQLite turn journal.
type StoreConfig struct {
	Path   string `toml:"path"`
	Resume *bool  `toml:"resume"`
}

// RecallConfig holds settings for the embedding API used by semantic recall.
type RecallConfig struct {
	BaseURL   string `toml:"base_url"`
	APIKey    string `toml:"api_key"`
	Model     string `toml:"model"`
	TopK      int    `toml:"top_k"`
	CachePath string `toml:"cache_path"`
}

const (
	MemoryModePreamble = "preamble"
	MemoryModeFold     = "fold"

	BusyPolicyQueue  = "queue"
	BusyPolicyReject = "reject"
)

// ConfigDir returns the config directory path.
// Resolution order: $STEMMGPT_CONFIG_DIR > $XDG_CONFIG_HOME/stemmgpt > ~/.config/stemmgpt
func ConfigDir() string {
	if dir := os.Getenv("STEMMGPT_CONFIG_DIR"); dir != "" {
		return dir
	}
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "stemmgpt")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", "stemmgpt-config")
	}
	return filepath.Join(home, ".config", "stemmgpt")
}

// ConfigPath returns the full path to the config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// DefaultConfig returns the default configuration from the embedded default_config.toml.
func DefaultConfig() *Config {
	var cfg Config
	if _, err := toml.Decode(defaults.DefaultConfigTOML, &cfg); err != nil {
		panic("stemmgpt: invalid embedded default_config.toml: " + err.Error())
	}
	return &cfg
}

// LoadConfig loads config from the default path or returns defaults if not found.
func LoadConfig() (*Config, error) {
	return LoadConfigFile(ConfigPath())
}

// LoadConfigFile loads config from path, merging defaults into missing fields.
// A missing file yields the defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		cfg.undecoded = append(cfg.undecoded, key.String())
	}

	mergeDefaults(&cfg, DefaultConfig())
	return &cfg, nil
}

// mergeDefaults fills zero-valued fields of cfg from d.
func mergeDefaults(cfg, d *Config) {
	if cfg.Version == 0 {
		cfg.Version = d.Version
	}

	g, dg := &cfg.Generation, d.Generation
	if g.BaseURL == "" {
		g.BaseURL = dg.BaseURL
	}
	if g.APIType == "" {
		g.APIType = dg.APIType
	}
	if g.Model == "" {
		g.Model = dg.Model
	}
	if g.MaxNewTokens == 0 {
		g.MaxNewTokens = dg.MaxNewTokens
	}
	if g.DoSample == nil {
		g.DoSample = dg.DoSample
	}
	if g.Temperature == nil {
		g.Temperature = dg.Temperature
	}
	if g.TopK == 0 {
		g.TopK = dg.TopK
	}
	if g.TopP == nil {
		g.TopP = dg.TopP
	}
	if g.TimeoutSeconds == nil {
		g.TimeoutSeconds = dg.TimeoutSeconds
	}

	r, dr := &cfg.Relay, d.Relay
	if r.Dir == "" {
		r.Dir = dr.Dir
	}
	if r.InputFile == "" {
		r.InputFile = dr.InputFile
	}
	if r.OutputFile == "" {
		r.OutputFile = dr.OutputFile
	}
	if r.ReadyFile == "" {
		r.ReadyFile = dr.ReadyFile
	}
	if r.PollIntervalMS == 0 {
		r.PollIntervalMS = dr.PollIntervalMS
	}
	if r.Watch == nil {
		r.Watch = dr.Watch
	}
	if r.BusyPolicy == "" {
		r.BusyPolicy = dr.BusyPolicy
	}

	if cfg.Memory.Mode == "" {
		cfg.Memory.Mode = d.Memory.Mode
	}
	if cfg.Memory.Persist == nil {
		cfg.Memory.Persist = d.Memory.Persist
	}

	if cfg.Socket.Enabled == nil {
		cfg.Socket.Enabled = d.Socket.Enabled
	}
	if cfg.Socket.SessionTTLMinutes == 0 {
		cfg.Socket.SessionTTLMinutes = d.Socket.SessionTTLMinutes
	}

	if cfg.Store.Resume == nil {
		cfg.Store.Resume = d.Store.Resume
	}

	if cfg.Recall.Model == "" {
		cfg.Recall.Model = d.Recall.Model
	}
	if cfg.Recall.TopK == 0 {
		cfg.Recall.TopK = d.Recall.TopK
	}
}

// ValidateConfig checks configuration for potential issues and returns warnings.
func ValidateConfig(cfg *Config) []string {
	var warnings []string
	if cfg == nil {
		return warnings
	}
	for _, key := range cfg.undecoded {
		warnings = append(warnings, "unknown config key: "+key)
	}
	switch cfg.Generation.APIType {
	case "chat_completions", "responses", "anthropic":
	default:
		warnings = append(warnings, fmt.Sprintf("unknown generation.api_type %q; falling back to chat_completions", cfg.Generation.APIType))
	}
	switch cfg.Memory.Mode {
	case MemoryModePreamble, MemoryModeFold:
	default:
		warnings = append(warnings, fmt.Sprintf("unknown memory.mode %q; using %s", cfg.Memory.Mode, MemoryModePreamble))
	}
	switch cfg.Relay.BusyPolicy {
	case BusyPolicyQueue, BusyPolicyReject:
	default:
		warnings = append(warnings, fmt.Sprintf("unknown relay.busy_policy %q; using %s", cfg.Relay.BusyPolicy, BusyPolicyQueue))
	}
	if cfg.Relay.PollIntervalMS < 0 {
		warnings = append(warnings, "relay.poll_interval_ms is negative; using default")
	}
	if t := cfg.Generation.Temperature; t != nil && *t < 0 {
		warnings = append(warnings, "generation.temperature is negative; using default")
	}
	if p := cfg.Generation.TopP; p != nil && (*p < 0 || *p > 1) {
		warnings = append(warnings, "generation.top_p is outside [0, 1]; using default")
	}
	if cfg.Memory.Persist != nil && *cfg.Memory.Persist && cfg.Memory.Path == "" {
		warnings = append(warnings, "memory.persist is enabled but memory.path is empty; nothing will be persisted")
	}
	if cfg.Store.Resume != nil && *cfg.Store.Resume && cfg.Store.Path == "" {
		warnings = append(warnings, "store.resume is enabled but store.path is empty; history will not be restored")
	}
	if cfg.Generation.APIType == "anthropic" && ResolveAPIKey(cfg) == "" {
		warnings = append(warnings, "generation.api_type is anthropic but no API key is configured")
	}
	return warnings
}

// Sampling returns the sampling parameters from the generation config.
func (c *Config) Sampling() Sampling {
	s := DefaultSampling()
	if c == nil {
		return s
	}
	g := c.Generation
	if g.MaxNewTokens > 0 {
		s.MaxNewTokens = g.MaxNewTokens
	}
	if g.DoSample != nil {
		s.DoSample = *g.DoSample
	}
	if g.Temperature != nil && *g.Temperature >= 0 {
		s.Temperature = *g.Temperature
	}
	if g.TopK > 0 {
		s.TopK = g.TopK
	}
	if g.TopP != nil && *g.TopP >= 0 && *g.TopP <= 1 {
		s.TopP = *g.TopP
	}
	return s
}

// SystemPrompt returns the configured system prompt or the embedded default.
func (c *Config) SystemPrompt() string {
	if c != nil && strings.TrimSpace(c.Generation.SystemPrompt) != "" {
		return strings.TrimSpace(c.Generation.SystemPrompt)
	}
	return strings.TrimSpace(defaults.SystemPrompt)
}

// PollInterval returns the fallback poll interval of the file channel.
func (c *Config) PollInterval() time.Duration {
	if c == nil || c.Relay.PollIntervalMS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.Relay.PollIntervalMS) * time.Millisecond
}

// GenerationTimeout returns the per-call HTTP timeout. Zero means no timeout.
func (c *Config) GenerationTimeout() time.Duration {
	if c == nil || c.Generation.TimeoutSeconds == nil {
		return 120 * time.Second
	}
	if *c.Generation.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(*c.Generation.TimeoutSeconds) * time.Second
}

// SessionTTL returns how long an idle socket session is kept.
func (c *Config) SessionTTL() time.Duration {
	if c == nil || c.Socket.SessionTTLMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.Socket.SessionTTLMinutes) * time.Minute
}

// ResolveBaseURL returns the generation API base URL.
// Priority: $STEMMGPT_API_BASE_URL env > config value.
func ResolveBaseURL(cfg *Config) string {
	if url := os.Getenv("STEMMGPT_API_BASE_URL"); url != "" {
		return url
	}
	if cfg != nil {
		return cfg.Generation.BaseURL
	}
	return ""
}

// ResolveAPIKey returns the generation API key.
// Priority: $STEMMGPT_API_KEY env > config value.
func ResolveAPIKey(cfg *Config) string {
	if key := os.Getenv("STEMMGPT_API_KEY"); key != "" {
		return key
	}
	if cfg != nil {
		return cfg.Generation.APIKey
	}
	return ""
}

// ResolveModel returns the generation model name.
// Priority: $STEMMGPT_MODEL env > config value.
func ResolveModel(cfg *Config) string {
	if model := os.Getenv("STEMMGPT_MODEL"); model != "" {
		return model
	}
	if cfg != nil {
		return cfg.Generation.Model
	}
	return ""
}

// ResolveRelayDir returns the directory holding the relay files.
// Priority: $STEMMGPT_RELAY_DIR env > config value > ".".
func ResolveRelayDir(cfg *Config) string {
	if dir := os.Getenv("STEMMGPT_RELAY_DIR"); dir != "" {
		return dir
	}
	if cfg != nil && cfg.Relay.Dir != "" {
		return cfg.Relay.Dir
	}
	return "."
}

// ResolveEmbeddingBaseURL returns the embedding API base URL.
// Priority: $STEMMGPT_EMBEDDING_API_BASE_URL env > config value.
func ResolveEmbeddingBaseURL(cfg *Config) string {
	if url := os.Getenv("STEMMGPT_EMBEDDING_API_BASE_URL"); url != "" {
		return url
	}
	if cfg != nil {
		return cfg.Recall.BaseURL
	}
	return ""
}

// ResolveEmbeddingAPIKey returns the embedding API key.
// Priority: $STEMMGPT_EMBEDDING_API_KEY env > config value.
func ResolveEmbeddingAPIKey(cfg *Config) string {
	if key := os.Getenv("STEMMGPT_EMBEDDING_API_KEY"); key != "" {
		return key
	}
	if cfg != nil {
		return cfg.Recall.APIKey
	}
	return ""
}

// ResolveEmbeddingModel returns the embedding model name.
// Priority: $STEMMGPT_EMBEDDING_MODEL env > config value.
func ResolveEmbeddingModel(cfg *Config) string {
	if model := os.Getenv("STEMMGPT_EMBEDDING_MODEL"); model != "" {
		return model
	}
	if cfg != nil {
		return cfg.Recall.Model
	}
	return ""
}

// RecallEnabled returns true when both base_url and api_key are configured for embedding.
func RecallEnabled(cfg *Config) bool {
	if cfg == nil {
		return false
	}
	return ResolveEmbeddingBaseURL(cfg) != "" && ResolveEmbeddingAPIKey(cfg) != ""
}

// SocketEnabled returns whether the Unix socket channel should be started.
func SocketEnabled(cfg *Config) bool {
	if cfg == nil || cfg.Socket.Enabled == nil {
		return true // default true
	}
	return *cfg.Socket.Enabled
}

// WatchEnabled returns whether the file channel uses change notifications.
func WatchEnabled(cfg *Config) bool {
	if cfg == nil || cfg.Relay.Watch == nil {
		return true
	}
	return *cfg.Relay.Watch
}

// MemoryPersistEnabled returns whether completed exchanges are appended to the memory file.
func MemoryPersistEnabled(cfg *Config) bool {
	if cfg == nil || cfg.Memory.Path == "" || cfg.Memory.Persist == nil {
		return false
	}
	return *cfg.Memory.Persist
}

// ResumeEnabled returns whether the file session is restored from the journal.
func ResumeEnabled(cfg *Config) bool {
	if cfg == nil || cfg.Store.Path == "" || cfg.Store.Resume == nil {
		return false
	}
	return *cfg.Store.Resume
}

// ResolveSocketPath returns the Unix socket path shared by the daemon and clients.
// Resolution order: $STEMMGPT_SOCKET > socket.path > $XDG_RUNTIME_DIR/stemmgpt.sock > /tmp/stemmgpt-<uid>.sock
func ResolveSocketPath(cfg *Config) string {
	if path := os.Getenv("STEMMGPT_SOCKET"); path != "" {
		return path
	}
	if cfg != nil && cfg.Socket.Path != "" {
		return cfg.Socket.Path
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "stemmgpt.sock")
	}
	return fmt.Sprintf("/tmp/stemmgpt-%d.sock", os.Getuid())
}
