package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-cortex/internal/agent"
	"github.com/basket/go-cortex/internal/config"
)

func setHome(t *testing.T, yamlBody string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("CORTEX_HOME", home)
	if yamlBody != "" {
		if err := os.WriteFile(config.ConfigPath(home), []byte(yamlBody), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	return home
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := setHome(t, "")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("home = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.Store.Driver != config.StoreSQLite || cfg.Backend.Kind != config.BackendCLI {
		t.Fatalf("unexpected store/backend %q/%q", cfg.Store.Driver, cfg.Backend.Kind)
	}
	if cfg.Policy != config.DefaultPolicy() {
		t.Fatalf("policy defaults not applied: %+v", cfg.Policy)
	}
	if cfg.DBPath() != filepath.Join(home, "cortex.db") {
		t.Fatalf("db path = %q", cfg.DBPath())
	}

	roles := cfg.RoleConfigs()
	if len(roles) != 4 {
		t.Fatalf("expected 4 enabled roles by default, got %d", len(roles))
	}
	for _, rc := range roles {
		if rc.Role == agent.RoleCurator {
			t.Fatal("curator must be off by default")
		}
		if rc.Model == "" || rc.MaxTurns == 0 || rc.MaxCostUSD == 0 || rc.SystemPrompt == "" {
			t.Fatalf("role %s missing defaults: %+v", rc.Role, rc)
		}
	}
}

func TestLoad_FromYAML(t *testing.T) {
	setHome(t, `
log_level: debug
session_budget_usd: 5
store:
  driver: pg
  dsn: postgres://localhost/cortex
backend:
  kind: genkit
  provider: gemini
roles:
  curator:
    enabled: true
    max_cost_usd: 1.5
  retriever_b:
    enabled: false
policy:
  batch_window: 2s
  batch_min: 2
  batch_max: 4
  curator_schedule: "0 */2 * * *"
`)
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.SessionBudgetUSD != 5 {
		t.Fatalf("scalar fields not loaded: %+v", cfg)
	}
	if cfg.Store.Driver != config.StorePostgres {
		t.Fatalf("pg alias not normalized: %q", cfg.Store.Driver)
	}
	if cfg.Backend.Provider != "google" {
		t.Fatalf("gemini alias not normalized: %q", cfg.Backend.Provider)
	}
	if cfg.Policy.BatchWindow != 2*time.Second || cfg.Policy.BatchMin != 2 || cfg.Policy.BatchMax != 4 {
		t.Fatalf("batch policy not loaded: %+v", cfg.Policy)
	}
	if cfg.Policy.ClaimLimit != 10 {
		t.Fatalf("unset policy field should keep default, got %d", cfg.Policy.ClaimLimit)
	}

	got := map[agent.Role]agent.RoleConfig{}
	for _, rc := range cfg.RoleConfigs() {
		got[rc.Role] = rc
	}
	if _, ok := got[agent.RoleRetrieverB]; ok {
		t.Fatal("retriever_b should be disabled")
	}
	cur, ok := got[agent.RoleCurator]
	if !ok {
		t.Fatal("curator should be enabled")
	}
	if cur.MaxCostUSD != 1.5 || cur.Model != "gemini-2.5-flash" || len(cur.AllowedTools) == 0 {
		t.Fatalf("curator settings not merged with defaults: %+v", cur)
	}
	if err := cfg.Validate(); !errors.Is(err, config.ErrMissingSession) {
		t.Fatalf("expected missing session error, got %v", err)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	setHome(t, "log_level: warn\nsession_budget_usd: 1\n")
	t.Setenv("CORTEX_LOG_LEVEL", "debug")
	t.Setenv("CORTEX_SESSION_ID", "sess-env")
	t.Setenv("CORTEX_SESSION_BUDGET_USD", "3.25")
	t.Setenv("CORTEX_PARENT_PID", "4242")
	t.Setenv("CORTEX_BATCH_MAX", "12")
	t.Setenv("CORTEX_BATCH_WINDOW", "750ms")
	t.Setenv("CORTEX_BACKEND", "anthropic")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.SessionID != "sess-env" || cfg.SessionBudgetUSD != 3.25 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.ParentPID != 4242 || cfg.Policy.BatchMax != 12 || cfg.Policy.BatchWindow != 750*time.Millisecond {
		t.Fatalf("numeric env overrides not applied: pid=%d policy=%+v", cfg.ParentPID, cfg.Policy)
	}
	if cfg.Backend.Kind != config.BackendAnthropic {
		t.Fatalf("backend = %q", cfg.Backend.Kind)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	setHome(t, "policy: [unclosed\n")
	if _, err := config.Load(""); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_SystemPromptFile(t *testing.T) {
	home := setHome(t, "roles:\n  learner:\n    system_prompt_file: learner.md\n")
	if err := os.WriteFile(filepath.Join(home, "learner.md"), []byte("custom learner"), 0o644); err != nil {
		t.Fatalf("write prompt: %v", err)
	}
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	for _, rc := range cfg.RoleConfigs() {
		if rc.Role == agent.RoleLearner && rc.SystemPrompt != "custom learner" {
			t.Fatalf("learner prompt = %q", rc.SystemPrompt)
		}
		if rc.Role == agent.RoleRetrieverA && rc.SystemPrompt == "custom learner" {
			t.Fatal("prompt file leaked into another role")
		}
	}
}

func TestValidate(t *testing.T) {
	setHome(t, "")
	base, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	base.SessionID = "s1"

	cases := []struct {
		name   string
		mutate func(*config.Config)
		ok     bool
	}{
		{"defaults", func(*config.Config) {}, true},
		{"postgres without dsn", func(c *config.Config) { c.Store.Driver = config.StorePostgres }, false},
		{"unknown driver", func(c *config.Config) { c.Store.Driver = "mysql" }, false},
		{"unknown backend", func(c *config.Config) { c.Backend.Kind = "grpc" }, false},
		{"negative budget", func(c *config.Config) { c.SessionBudgetUSD = -1 }, false},
		{"min above max", func(c *config.Config) { c.Policy.BatchMin = 9 }, false},
		{"bad schedule", func(c *config.Config) { c.Policy.CuratorSchedule = "sometimes" }, false},
		{"schedule off", func(c *config.Config) { c.Policy.CuratorSchedule = "off" }, true},
		{"unknown role", func(c *config.Config) { c.Roles["summarizer"] = config.RoleSettings{} }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			cfg.Roles = map[string]config.RoleSettings{}
			for k, v := range base.Roles {
				cfg.Roles[k] = v
			}
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSetRoleOverrides(t *testing.T) {
	setHome(t, "")
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.SetRoleEnabled(agent.RoleCurator, true)
	cfg.SetRoleEnabled(agent.RoleRetrieverA, false)
	cfg.SetRoleCost(agent.RoleLearner, 0.5)

	seen := map[agent.Role]agent.RoleConfig{}
	for _, rc := range cfg.RoleConfigs() {
		seen[rc.Role] = rc
	}
	if _, ok := seen[agent.RoleCurator]; !ok {
		t.Fatal("curator should now be enabled")
	}
	if _, ok := seen[agent.RoleRetrieverA]; ok {
		t.Fatal("retriever_a should now be disabled")
	}
	if seen[agent.RoleLearner].MaxCostUSD != 0.5 {
		t.Fatalf("learner cost = %v", seen[agent.RoleLearner].MaxCostUSD)
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	setHome(t, "")
	a, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	b, _ := config.Load("")
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint should be stable across loads")
	}
	b.SessionBudgetUSD = 9
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change with the budget")
	}
}

func TestDefaultModel(t *testing.T) {
	if got := config.DefaultModel(config.BackendGenkit, "google"); got != "gemini-2.5-flash" {
		t.Fatalf("google default = %q", got)
	}
	if got := config.DefaultModel(config.BackendCLI, ""); got != "claude-haiku-4-5" {
		t.Fatalf("cli default = %q", got)
	}
}
