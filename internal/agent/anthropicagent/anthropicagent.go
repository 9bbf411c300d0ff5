// Package anthropicagent runs roles directly against the Anthropic Messages
// API. The per-call cost ceiling becomes a max_tokens cap and resumable
// tokens key an in-process conversation.
package anthropicagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/basket/go-cortex/internal/agent"
	"github.com/basket/go-cortex/internal/pricing"
	"github.com/basket/go-cortex/internal/tokenutil"
)

const (
	defaultMaxTokens  = 4096
	minThinkingBudget = 1024
	maxRetries        = 3
	maxHistory        = 40
)

var errAPIKeyRequired = errors.New("API key required")

type Config struct {
	APIKey  string
	BaseURL string
	Logger  *slog.Logger
}

type Backend struct {
	client anthropic.Client
	log    *slog.Logger

	mu      sync.Mutex
	history map[agent.Token][]anthropic.MessageParam
}

// New builds a client. ANTHROPIC_API_KEY is used when cfg.APIKey is empty.
func New(cfg Config) (*Backend, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or agent.api_key", errAPIKeyRequired)
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retries are ours so they respect the invocation context.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		client:  anthropic.NewClient(opts...),
		log:     logger.With("component", "agent.anthropic"),
		history: make(map[agent.Token][]anthropic.MessageParam),
	}, nil
}

func (b *Backend) Invoke(ctx context.Context, req agent.Request) (agent.Invocation, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("empty prompt")
	}
	return agent.Async(ctx, func(ctx context.Context) agent.Result {
		return b.call(ctx, req)
	}), nil
}

// Params builds the request for req given prior history.
func Params(req agent.Request, history []anthropic.MessageParam) anthropic.MessageNewParams {
	cfg := req.Config
	messages := append(append([]anthropic.MessageParam(nil), history...),
		anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))

	promptTokens := tokenutil.EstimateTokens(cfg.SystemPrompt + req.Prompt)
	for _, m := range history {
		for _, c := range m.Content {
			if c.OfText != nil {
				promptTokens += tokenutil.EstimateTokens(c.OfText.Text)
			}
		}
	}
	maxTokens := pricing.MaxOutputTokens(cfg.Model, promptTokens, cfg.MaxCostUSD, defaultMaxTokens)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(cfg.Model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if cfg.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: cfg.SystemPrompt}}
	}
	if cfg.MaxThinkingTokens >= minThinkingBudget {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(cfg.MaxThinkingTokens))
		// The budget must stay below max_tokens.
		if params.MaxTokens <= int64(cfg.MaxThinkingTokens) {
			params.MaxTokens = int64(cfg.MaxThinkingTokens) + minThinkingBudget
		}
	}
	return params
}

func (b *Backend) call(ctx context.Context, req agent.Request) agent.Result {
	cfg := req.Config
	token := req.Resume
	var history []anthropic.MessageParam
	if token != "" {
		b.mu.Lock()
		history = b.history[token]
		b.mu.Unlock()
	}
	params := Params(req, history)

	var message *anthropic.Message
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	err := backoff.Retry(func() error {
		var err error
		message, err = b.client.Messages.New(ctx, params)
		if err != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx))
	if err != nil {
		b.log.Warn("messages.new failed", "role", cfg.Role, "error", err)
		return agent.Result{Status: agent.StatusError, Error: err.Error(), Token: token}
	}

	var parts []string
	for _, block := range message.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	res := agent.Result{
		Status:  agent.StatusSuccess,
		Output:  strings.Join(parts, "\n"),
		CostUSD: pricing.EstimateCost(cfg.Model, int(message.Usage.InputTokens), int(message.Usage.OutputTokens)),
		Turns:   1,
	}
	if message.StopReason == anthropic.StopReasonMaxTokens && res.Output == "" {
		res.Status = agent.StatusError
		res.Error = "max_tokens reached before any text"
	}

	if cfg.PersistSession {
		if token == "" {
			token = agent.Token(uuid.NewString())
		}
		next := append(params.Messages, message.ToParam())
		if len(next) > maxHistory {
			next = next[len(next)-maxHistory:]
		}
		b.mu.Lock()
		b.history[token] = next
		b.mu.Unlock()
		res.Token = token
	}
	return res
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
