// Package doctor runs environment checks for `cortex doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-cortex/internal/agent"
	"github.com/basket/go-cortex/internal/config"
	"github.com/basket/go-cortex/internal/cron"
	"github.com/basket/go-cortex/internal/persistence"
	"github.com/basket/go-cortex/internal/pgstore"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkRoles,
		checkBackend,
		checkStore,
		checkPermissions,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if err := cron.Validate(cfg.Policy.CuratorSchedule); err != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: fmt.Sprintf("curator_schedule: %v", err)}
	}
	if cfg.Policy.BatchMin > cfg.Policy.BatchMax {
		return CheckResult{Name: "Config", Status: "FAIL",
			Message: fmt.Sprintf("batch_min (%d) exceeds batch_max (%d)", cfg.Policy.BatchMin, cfg.Policy.BatchMax)}
	}
	path := config.ConfigPath(cfg.HomeDir)
	if _, err := os.Stat(path); err != nil {
		return CheckResult{Name: "Config", Status: "PASS", Message: "No config.yaml; using defaults", Detail: path}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", path)}
}

func checkRoles(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Roles", Status: "SKIP", Message: "Config missing"}
	}
	var names []string
	retrievers := 0
	for _, rc := range cfg.RoleConfigs() {
		names = append(names, string(rc.Role))
		if rc.Role == agent.RoleRetrieverA || rc.Role == agent.RoleRetrieverB {
			retrievers++
		}
	}
	switch {
	case len(names) == 0:
		return CheckResult{Name: "Roles", Status: "WARN", Message: "No roles enabled; every item completes as a no-op"}
	case retrievers == 0:
		return CheckResult{Name: "Roles", Status: "WARN", Message: "No retriever enabled; queries always miss",
			Detail: strings.Join(names, ", ")}
	}
	return CheckResult{Name: "Roles", Status: "PASS", Message: fmt.Sprintf("%d roles enabled", len(names)),
		Detail: strings.Join(names, ", ")}
}

var providerKeys = map[string][]string{
	"anthropic": {"ANTHROPIC_API_KEY"},
	"google":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"openai":    {"OPENAI_API_KEY"},
}

func checkBackend(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Backend", Status: "SKIP", Message: "Config missing"}
	}
	switch cfg.Backend.Kind {
	case config.BackendCLI, "":
		bin := cfg.Backend.Binary
		if bin == "" {
			bin = os.Getenv("CORTEX_AGENT_BINARY")
		}
		if bin == "" {
			bin = "claude"
		}
		path, err := exec.LookPath(bin)
		if err != nil {
			return CheckResult{Name: "Backend", Status: "FAIL", Message: fmt.Sprintf("agent binary %q not found", bin),
				Detail: "Install it or set backend.binary / CORTEX_AGENT_BINARY"}
		}
		return CheckResult{Name: "Backend", Status: "PASS", Message: fmt.Sprintf("cli backend uses %s", path)}
	case config.BackendGenkit, config.BackendAnthropic:
		provider := "anthropic"
		if cfg.Backend.Kind == config.BackendGenkit && cfg.Backend.Provider != "" {
			provider = strings.ToLower(cfg.Backend.Provider)
		}
		if cfg.Backend.APIKey != "" {
			return CheckResult{Name: "Backend", Status: "PASS", Message: fmt.Sprintf("%s backend uses api_key from config", cfg.Backend.Kind)}
		}
		envs, ok := providerKeys[provider]
		if !ok {
			return CheckResult{Name: "Backend", Status: "FAIL", Message: fmt.Sprintf("unknown provider %q", provider)}
		}
		for _, env := range envs {
			if os.Getenv(env) != "" {
				return CheckResult{Name: "Backend", Status: "PASS", Message: fmt.Sprintf("%s is set", env)}
			}
		}
		return CheckResult{
			Name:    "Backend",
			Status:  "FAIL",
			Message: fmt.Sprintf("%s not set (required for %s provider)", envs[0], provider),
			Detail:  fmt.Sprintf("Set %s or backend.api_key in config.yaml", envs[0]),
		}
	default:
		return CheckResult{Name: "Backend", Status: "FAIL", Message: fmt.Sprintf("unknown backend %q", cfg.Backend.Kind)}
	}
}

func checkStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Store", Status: "SKIP", Message: "Config missing"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	switch cfg.Store.Driver {
	case config.StorePostgres:
		if cfg.Store.DSN == "" {
			return CheckResult{Name: "Store", Status: "FAIL", Message: "store.dsn is empty"}
		}
		st, err := pgstore.Open(ctx, cfg.Store.DSN, nil)
		if err != nil {
			return CheckResult{Name: "Store", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
		}
		defer st.Close()
		if _, err := st.ListLifecycleRecords(ctx, 1); err != nil {
			return CheckResult{Name: "Store", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
		}
		return CheckResult{Name: "Store", Status: "PASS", Message: "postgres connection and schema valid"}
	default:
		st, err := persistence.Open(cfg.DBPath(), nil)
		if err != nil {
			return CheckResult{Name: "Store", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
		}
		defer st.Close()
		version, _, err := st.SchemaVersion(ctx)
		if err != nil {
			return CheckResult{Name: "Store", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
		}
		return CheckResult{Name: "Store", Status: "PASS", Message: fmt.Sprintf("sqlite schema v%d", version),
			Detail: cfg.DBPath()}
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

var providerHosts = map[string]string{
	"anthropic": "api.anthropic.com",
	"google":    "generativelanguage.googleapis.com",
	"openai":    "api.openai.com",
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}
	var provider string
	switch cfg.Backend.Kind {
	case config.BackendAnthropic:
		provider = "anthropic"
	case config.BackendGenkit:
		provider = strings.ToLower(cfg.Backend.Provider)
		if provider == "" {
			provider = "anthropic"
		}
	default:
		return CheckResult{Name: "Network", Status: "SKIP", Message: "cli backend manages its own connection"}
	}
	host, ok := providerHosts[provider]
	if !ok {
		return CheckResult{Name: "Network", Status: "SKIP", Message: fmt.Sprintf("no known endpoint for %q", provider)}
	}

	// DNS lookup with timeout.
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}
