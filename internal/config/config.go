package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-cortex/internal/agent"
	"github.com/basket/go-cortex/internal/cron"
	"github.com/basket/go-cortex/internal/otel"
)

// ErrMissingSession is returned by Validate when no session id was supplied.
var ErrMissingSession = errors.New("session id is required")

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"

	BackendCLI       = "cli"
	BackendGenkit    = "genkit"
	BackendAnthropic = "anthropic"
)

// StoreConfig selects the queue store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" (default) or "postgres"
	Path   string `yaml:"path"`   // sqlite file; defaults to <home>/cortex.db
	DSN    string `yaml:"dsn"`    // postgres connection string
}

// BackendConfig selects how roles are invoked.
type BackendConfig struct {
	Kind     string `yaml:"kind"`     // "cli" (default), "genkit", "anthropic"
	Binary   string `yaml:"binary"`   // cli backend executable
	Provider string `yaml:"provider"` // genkit provider: anthropic, google, openai
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

// RoleSettings configures one worker role. Pointer fields distinguish
// "unset" from an explicit false.
type RoleSettings struct {
	Enabled           *bool    `yaml:"enabled"`
	Model             string   `yaml:"model"`
	AllowedTools      []string `yaml:"allowed_tools"`
	PermissionMode    string   `yaml:"permission_mode"`
	MaxTurns          int      `yaml:"max_turns"`
	MaxCostUSD        float64  `yaml:"max_cost_usd"`
	MaxThinkingTokens int      `yaml:"max_thinking_tokens"`
	WorkDir           string   `yaml:"work_dir"`
	PersistSession    *bool    `yaml:"persist_session"`
	SystemPromptFile  string   `yaml:"system_prompt_file"`
}

// Policy holds every tunable threshold of the coordination engine.
type Policy struct {
	PollInterval            time.Duration `yaml:"poll_interval"`
	ClaimLimit              int           `yaml:"claim_limit"`
	HeartbeatInterval       time.Duration `yaml:"heartbeat_interval"`
	CompactionCheckInterval time.Duration `yaml:"compaction_check_interval"`
	CuratorSchedule         string        `yaml:"curator_schedule"`
	CuratorCheckInterval    time.Duration `yaml:"curator_check_interval"`

	BatchWindow time.Duration `yaml:"batch_window"`
	BatchMin    int           `yaml:"batch_min"`
	BatchMax    int           `yaml:"batch_max"`

	MinInformativeChars int `yaml:"min_informative_chars"`
	TurnWindow          int `yaml:"turn_window"`
	SurfacedLimit       int `yaml:"surfaced_limit"`

	BytesPerToken    int `yaml:"bytes_per_token"`
	CharsPerToken    int `yaml:"chars_per_token"`
	SlidingThreshold int `yaml:"sliding_threshold"`
	HighWatermark    int `yaml:"high_watermark"`
	SafetyFloor      int `yaml:"safety_floor"`
	FirstMargin      int `yaml:"first_margin"`
	Margin           int `yaml:"margin"`
	MinSummaryChars  int `yaml:"min_summary_chars"`

	ParentStaleness time.Duration `yaml:"parent_staleness"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// Per-run identity. Normally supplied by flags or env, not the file.
	SessionID      string `yaml:"-"`
	ParentPID      int    `yaml:"-"`
	TranscriptPath string `yaml:"-"`

	ProjectDir       string  `yaml:"project_dir"`
	LogLevel         string  `yaml:"log_level"`
	SessionBudgetUSD float64 `yaml:"session_budget_usd"`

	Store   StoreConfig             `yaml:"store"`
	Backend BackendConfig           `yaml:"backend"`
	Roles   map[string]RoleSettings `yaml:"roles"`
	Policy  Policy                  `yaml:"policy"`
	OTel    otel.Config             `yaml:"otel"`

	// Prompts are the per-role system prompts, built-in unless a role names
	// a system_prompt_file.
	Prompts map[agent.Role]string `yaml:"-"`
}

// DefaultPolicy returns the observed defaults for every tunable.
func DefaultPolicy() Policy {
	return Policy{
		PollInterval:            time.Second,
		ClaimLimit:              10,
		HeartbeatInterval:       30 * time.Second,
		CompactionCheckInterval: 30 * time.Second,
		CuratorSchedule:         "@every 6h",
		CuratorCheckInterval:    time.Minute,
		BatchWindow:             5 * time.Second,
		BatchMin:                3,
		BatchMax:                8,
		MinInformativeChars:     20,
		TurnWindow:              6,
		SurfacedLimit:           20,
		BytesPerToken:           4,
		CharsPerToken:           4,
		SlidingThreshold:        30000,
		HighWatermark:           180000,
		SafetyFloor:             5000,
		FirstMargin:             8000,
		Margin:                  2000,
		MinSummaryChars:         200,
		ParentStaleness:         5 * time.Minute,
		ShutdownGrace:           5 * time.Second,
	}
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Store:    StoreConfig{Driver: StoreSQLite},
		Backend:  BackendConfig{Kind: BackendCLI, Provider: "anthropic"},
		Roles:    DefaultRoles(),
		Policy:   DefaultPolicy(),
		OTel:     otel.Config{Exporter: "stdout", ServiceName: "cortex", SampleRate: 1},
		Prompts:  DefaultRolePrompts(),
	}
}

func HomeDir() string {
	if override := os.Getenv("CORTEX_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".cortex")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads path (or <home>/config.yaml when empty), then applies CORTEX_*
// environment overrides and fills defaults. A missing file is not an error.
// Callers overlay flags and then call Validate.
func Load(path string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create cortex home: %w", err)
	}
	if path == "" {
		path = ConfigPath(cfg.HomeDir)
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := loadPromptFiles(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints after flags are applied.
func (c Config) Validate() error {
	if strings.TrimSpace(c.SessionID) == "" {
		return ErrMissingSession
	}
	switch c.Store.Driver {
	case StoreSQLite:
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Backend.Kind {
	case BackendCLI, BackendGenkit, BackendAnthropic:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend.Kind)
	}
	if c.SessionBudgetUSD < 0 {
		return fmt.Errorf("session_budget_usd must not be negative")
	}
	p := c.Policy
	if p.BatchMin > p.BatchMax {
		return fmt.Errorf("policy.batch_min (%d) must be <= batch_max (%d)", p.BatchMin, p.BatchMax)
	}
	if err := cron.Validate(p.CuratorSchedule); err != nil {
		return fmt.Errorf("policy.curator_schedule: %w", err)
	}
	for name := range c.Roles {
		if !knownRole(agent.Role(name)) {
			return fmt.Errorf("unknown role %q", name)
		}
	}
	return nil
}

func knownRole(role agent.Role) bool {
	for _, r := range agent.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RoleConfigs returns backend configs for every enabled role in display order.
func (c Config) RoleConfigs() []agent.RoleConfig {
	var out []agent.RoleConfig
	for _, role := range agent.Roles {
		rs, ok := c.Roles[string(role)]
		if !ok || rs.Enabled == nil || !*rs.Enabled {
			continue
		}
		workDir := rs.WorkDir
		if workDir == "" {
			workDir = c.ProjectDir
		}
		out = append(out, agent.RoleConfig{
			Role:              role,
			Model:             rs.Model,
			AllowedTools:      rs.AllowedTools,
			PermissionMode:    rs.PermissionMode,
			MaxTurns:          rs.MaxTurns,
			MaxCostUSD:        rs.MaxCostUSD,
			MaxThinkingTokens: rs.MaxThinkingTokens,
			WorkDir:           workDir,
			PersistSession:    rs.PersistSession != nil && *rs.PersistSession,
			SystemPrompt:      c.Prompts[role],
		})
	}
	return out
}

// SetRoleEnabled toggles a role, creating default settings if needed.
func (c *Config) SetRoleEnabled(role agent.Role, enabled bool) {
	if c.Roles == nil {
		c.Roles = DefaultRoles()
	}
	rs := c.Roles[string(role)]
	rs.Enabled = &enabled
	c.Roles[string(role)] = rs
}

// SetRoleCost overrides one role's per-call ceiling.
func (c *Config) SetRoleCost(role agent.Role, usd float64) {
	if c.Roles == nil {
		c.Roles = DefaultRoles()
	}
	rs := c.Roles[string(role)]
	rs.MaxCostUSD = usd
	c.Roles[string(role)] = rs
}

// DBPath returns the sqlite file path.
func (c Config) DBPath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.HomeDir, "cortex.db")
}

// Fingerprint returns a stable hash of the settings that shape behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "store=%s|backend=%s/%s|budget=%g|policy=%+v",
		c.Store.Driver, c.Backend.Kind, c.Backend.Provider, c.SessionBudgetUSD, c.Policy)
	for _, rc := range c.RoleConfigs() {
		fmt.Fprintf(h, "|%s:%s:%d:%g", rc.Role, rc.Model, rc.MaxTurns, rc.MaxCostUSD)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreSQLite
	}
	if cfg.Store.Driver == "postgresql" || cfg.Store.Driver == "pg" {
		cfg.Store.Driver = StorePostgres
	}
	cfg.Backend.Kind = strings.ToLower(strings.TrimSpace(cfg.Backend.Kind))
	if cfg.Backend.Kind == "" {
		cfg.Backend.Kind = BackendCLI
	}
	if cfg.Backend.Provider == "gemini" {
		cfg.Backend.Provider = "google"
	}
	if cfg.Backend.Provider == "" {
		cfg.Backend.Provider = "anthropic"
	}
	if cfg.ProjectDir == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.ProjectDir = wd
		}
	}

	// Unset role fields inherit the built-in defaults so a config that only
	// names a model keeps sensible tools and ceilings.
	defaults := DefaultRoles()
	if cfg.Roles == nil {
		cfg.Roles = defaults
	}
	for _, role := range agent.Roles {
		name := string(role)
		rs, def := cfg.Roles[name], defaults[name]
		if rs.Enabled == nil {
			rs.Enabled = def.Enabled
		}
		if rs.Model == "" {
			rs.Model = DefaultModel(cfg.Backend.Kind, cfg.Backend.Provider)
		}
		if rs.AllowedTools == nil {
			rs.AllowedTools = def.AllowedTools
		}
		if rs.PermissionMode == "" {
			rs.PermissionMode = def.PermissionMode
		}
		if rs.MaxTurns <= 0 {
			rs.MaxTurns = def.MaxTurns
		}
		if rs.MaxCostUSD <= 0 {
			rs.MaxCostUSD = def.MaxCostUSD
		}
		if rs.PersistSession == nil {
			rs.PersistSession = def.PersistSession
		}
		cfg.Roles[name] = rs
	}

	normalizePolicy(&cfg.Policy)
}

// WithDefaults returns p with every unset threshold filled in. An empty
// curator schedule stays empty, which disables scheduled passes.
func (p Policy) WithDefaults() Policy {
	normalizePolicy(&p)
	return p
}

func normalizePolicy(p *Policy) {
	d := DefaultPolicy()
	if p.PollInterval <= 0 {
		p.PollInterval = d.PollInterval
	}
	if p.ClaimLimit <= 0 {
		p.ClaimLimit = d.ClaimLimit
	}
	if p.HeartbeatInterval <= 0 {
		p.HeartbeatInterval = d.HeartbeatInterval
	}
	if p.CompactionCheckInterval <= 0 {
		p.CompactionCheckInterval = d.CompactionCheckInterval
	}
	if p.CuratorCheckInterval <= 0 {
		p.CuratorCheckInterval = d.CuratorCheckInterval
	}
	if p.BatchWindow <= 0 {
		p.BatchWindow = d.BatchWindow
	}
	if p.BatchMax <= 0 {
		p.BatchMax = d.BatchMax
	}
	if p.BatchMin <= 0 {
		p.BatchMin = d.BatchMin
	}
	if p.MinInformativeChars <= 0 {
		p.MinInformativeChars = d.MinInformativeChars
	}
	if p.TurnWindow <= 0 {
		p.TurnWindow = d.TurnWindow
	}
	if p.SurfacedLimit <= 0 {
		p.SurfacedLimit = d.SurfacedLimit
	}
	if p.BytesPerToken <= 0 {
		p.BytesPerToken = d.BytesPerToken
	}
	if p.CharsPerToken <= 0 {
		p.CharsPerToken = d.CharsPerToken
	}
	if p.SlidingThreshold <= 0 {
		p.SlidingThreshold = d.SlidingThreshold
	}
	if p.HighWatermark <= 0 {
		p.HighWatermark = d.HighWatermark
	}
	if p.SafetyFloor <= 0 {
		p.SafetyFloor = d.SafetyFloor
	}
	if p.FirstMargin <= 0 {
		p.FirstMargin = d.FirstMargin
	}
	if p.Margin <= 0 {
		p.Margin = d.Margin
	}
	if p.MinSummaryChars <= 0 {
		p.MinSummaryChars = d.MinSummaryChars
	}
	if p.ParentStaleness <= 0 {
		p.ParentStaleness = d.ParentStaleness
	}
	if p.ShutdownGrace <= 0 {
		p.ShutdownGrace = d.ShutdownGrace
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CORTEX_SESSION_ID"); raw != "" {
		cfg.SessionID = raw
	}
	if raw := os.Getenv("CORTEX_PARENT_PID"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ParentPID = v
		}
	}
	if raw := os.Getenv("CORTEX_TRANSCRIPT"); raw != "" {
		cfg.TranscriptPath = raw
	}
	if raw := os.Getenv("CORTEX_PROJECT_DIR"); raw != "" {
		cfg.ProjectDir = raw
	}
	if raw := os.Getenv("CORTEX_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CORTEX_SESSION_BUDGET_USD"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.SessionBudgetUSD = v
		}
	}
	if raw := os.Getenv("CORTEX_STORE_DRIVER"); raw != "" {
		cfg.Store.Driver = raw
	}
	if raw := os.Getenv("CORTEX_DB_PATH"); raw != "" {
		cfg.Store.Path = raw
	}
	if raw := os.Getenv("CORTEX_STORE_DSN"); raw != "" {
		cfg.Store.DSN = raw
	}
	if raw := os.Getenv("CORTEX_BACKEND"); raw != "" {
		cfg.Backend.Kind = raw
	}
	if raw := os.Getenv("CORTEX_AGENT_BINARY"); raw != "" {
		cfg.Backend.Binary = raw
	}
	if raw := os.Getenv("CORTEX_PROVIDER"); raw != "" {
		cfg.Backend.Provider = raw
	}
	if raw := os.Getenv("CORTEX_CURATOR_SCHEDULE"); raw != "" {
		cfg.Policy.CuratorSchedule = raw
	}
	if raw := os.Getenv("CORTEX_BATCH_WINDOW"); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil {
			cfg.Policy.BatchWindow = v
		}
	}
	if raw := os.Getenv("CORTEX_BATCH_MIN"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Policy.BatchMin = v
		}
	}
	if raw := os.Getenv("CORTEX_BATCH_MAX"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Policy.BatchMax = v
		}
	}
	if raw := os.Getenv("CORTEX_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.OTel.Enabled = v
		}
	}
	if raw := os.Getenv("CORTEX_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Exporter = raw
	}
	if raw := os.Getenv("CORTEX_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}

func loadPromptFiles(cfg *Config) error {
	for name, rs := range cfg.Roles {
		if rs.SystemPromptFile == "" {
			continue
		}
		path := rs.SystemPromptFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.HomeDir, path)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read system prompt for %s: %w", name, err)
		}
		cfg.Prompts[agent.Role(name)] = string(b)
	}
	return nil
}
