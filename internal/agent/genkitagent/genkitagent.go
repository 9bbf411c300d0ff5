// Package genkitagent runs roles through Firebase Genkit. Genkit has no
// server-side session, so resumable tokens key an in-process message history.
package genkitagent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/google/uuid"

	"github.com/basket/go-cortex/internal/agent"
	"github.com/basket/go-cortex/internal/pricing"
)

// maxHistory bounds retained messages per token.
const maxHistory = 40

// Generator is the slice of Genkit the backend uses; tests substitute it.
type Generator interface {
	Generate(ctx context.Context, model, system string, history []*ai.Message, prompt string, maxTurns int) (*ai.ModelResponse, error)
}

type Config struct {
	Provider string // anthropic, google, openai
	APIKey   string
	BaseURL  string
}

type Backend struct {
	gen      Generator
	provider string
	log      *slog.Logger

	mu      sync.Mutex
	history map[agent.Token][]*ai.Message
}

// New initialises Genkit with the plugin for cfg.Provider.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "anthropic"
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKey(provider)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("genkit backend: no API key for provider %q", provider)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("ANTHROPIC_BASE_URL")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: apiKey, BaseURL: baseURL}))
	case "google":
		// The googleai plugin reads its key from the environment.
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	default:
		return nil, fmt.Errorf("genkit backend: unsupported provider %q", provider)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("genkit backend initialized", "provider", provider)
	return NewWithGenerator(provider, genkitGenerator{g: g}, logger), nil
}

// NewWithGenerator builds a backend around an existing generator.
func NewWithGenerator(provider string, gen Generator, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		gen:      gen,
		provider: provider,
		log:      logger.With("component", "agent.genkit"),
		history:  make(map[agent.Token][]*ai.Message),
	}
}

func envAPIKey(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
	return ""
}

// ModelName qualifies model with the provider's genkit prefix.
func ModelName(provider, model string) string {
	if strings.Contains(model, "/") {
		return model
	}
	switch provider {
	case "google":
		return "googleai/" + model
	case "openai":
		return "openai/" + model
	default:
		return "anthropic/" + model
	}
}

func (b *Backend) Invoke(ctx context.Context, req agent.Request) (agent.Invocation, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("empty prompt")
	}
	return agent.Async(ctx, func(ctx context.Context) agent.Result {
		return b.generate(ctx, req)
	}), nil
}

func (b *Backend) generate(ctx context.Context, req agent.Request) agent.Result {
	cfg := req.Config
	token := req.Resume
	var history []*ai.Message
	if token != "" {
		b.mu.Lock()
		history = append(history, b.history[token]...)
		b.mu.Unlock()
	}

	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 1
	}
	resp, err := b.gen.Generate(ctx, ModelName(b.provider, cfg.Model), cfg.SystemPrompt, history, req.Prompt, maxTurns)
	if err != nil {
		b.log.Warn("genkit generate failed", "role", cfg.Role, "error", err)
		return agent.Result{Status: agent.StatusError, Error: err.Error(), Token: token}
	}

	var cost float64
	if resp.Usage != nil {
		cost = pricing.EstimateCost(cfg.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}
	out := agent.Result{Status: agent.StatusSuccess, Output: resp.Text(), CostUSD: cost, Turns: 1}

	if cfg.PersistSession {
		if token == "" {
			token = agent.Token(uuid.NewString())
		}
		history = append(history, ai.NewUserTextMessage(req.Prompt))
		if resp.Message != nil {
			history = append(history, resp.Message)
		}
		if len(history) > maxHistory {
			history = history[len(history)-maxHistory:]
		}
		b.mu.Lock()
		b.history[token] = history
		b.mu.Unlock()
		out.Token = token
	}
	return out
}

type genkitGenerator struct {
	g *genkit.Genkit
}

func (gg genkitGenerator) Generate(ctx context.Context, model, system string, history []*ai.Message, prompt string, maxTurns int) (*ai.ModelResponse, error) {
	opts := []ai.GenerateOption{
		ai.WithModelName(model),
		ai.WithPrompt(prompt),
		ai.WithMaxTurns(maxTurns),
	}
	if system != "" {
		// WithSystem formats its argument.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(system, "%", "%%")))
	}
	if len(history) > 0 {
		opts = append(opts, ai.WithMessages(history...))
	}
	return genkit.Generate(ctx, gg.g, opts...)
}
