// Package agent defines the worker roles, the agent backend contract and the
// handle registry that keeps one resumable token and busy flag per role.
package agent

import (
	"context"
	"errors"
	"fmt"
)

// Role names one fixed worker responsibility.
type Role string

const (
	RoleRetrieverA Role = "retriever_a"
	RoleRetrieverB Role = "retriever_b"
	RoleLearner    Role = "learner"
	RoleCompactor  Role = "compactor"
	RoleCurator    Role = "curator"
)

// Roles lists every role in display order.
var Roles = []Role{RoleRetrieverA, RoleRetrieverB, RoleLearner, RoleCompactor, RoleCurator}

// Token is an opaque resumable session handle. Only the backend that issued
// it can interpret it.
type Token string

// RoleConfig is everything a backend needs to invoke a role.
type RoleConfig struct {
	Role              Role     `json:"role"`
	Model             string   `json:"model"`
	AllowedTools      []string `json:"allowed_tools,omitempty"`
	PermissionMode    string   `json:"permission_mode,omitempty"`
	MaxTurns          int      `json:"max_turns,omitempty"`
	MaxCostUSD        float64  `json:"max_cost_usd,omitempty"`
	MaxThinkingTokens int      `json:"max_thinking_tokens,omitempty"`
	WorkDir           string   `json:"work_dir,omitempty"`
	PersistSession    bool     `json:"persist_session"`
	SystemPrompt      string   `json:"-"`
}

// Request is one invocation.
type Request struct {
	Config RoleConfig
	Prompt string
	Resume Token
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result is the terminal outcome of an invocation.
type Result struct {
	Status  Status
	Output  string
	CostUSD float64
	Token   Token
	Turns   int
	Error   string
}

type EventType string

const (
	EventText   EventType = "text"
	EventResult EventType = "result"
)

// Event is one element of an invocation's stream. The last event carries
// the Result.
type Event struct {
	Type   EventType
	Text   string
	Result *Result
}

// Invocation is an in-flight call. Events is closed after the result event.
type Invocation interface {
	Events() <-chan Event
	// Notify injects text into the running invocation. Backends that cannot
	// do that return ErrNotifyUnsupported.
	Notify(ctx context.Context, text string) error
}

// Backend starts invocations.
type Backend interface {
	Invoke(ctx context.Context, req Request) (Invocation, error)
}

var (
	ErrNotifyUnsupported = errors.New("notify not supported by backend")
	ErrNoResult          = errors.New("invocation ended without a result")
)

// Collect drains inv and returns its result.
func Collect(ctx context.Context, inv Invocation) (Result, error) {
	var last *Result
	events := inv.Events()
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if last == nil {
					return Result{}, ErrNoResult
				}
				return *last, nil
			}
			if ev.Type == EventResult && ev.Result != nil {
				last = ev.Result
			}
		}
	}
}

// Run invokes and collects in one call. Error results are returned as errors
// alongside the result so the cost of a failed call is still accounted.
func Run(ctx context.Context, b Backend, req Request) (Result, error) {
	inv, err := b.Invoke(ctx, req)
	if err != nil {
		return Result{Status: StatusError, Error: err.Error()}, fmt.Errorf("invoke %s: %w", req.Config.Role, err)
	}
	res, err := Collect(ctx, inv)
	if err != nil {
		return res, fmt.Errorf("collect %s: %w", req.Config.Role, err)
	}
	if res.Status != StatusSuccess {
		return res, fmt.Errorf("%s returned %s: %s", req.Config.Role, res.Status, res.Error)
	}
	return res, nil
}

// Finished returns an already-settled invocation holding res.
func Finished(res Result) Invocation {
	ch := make(chan Event, 2)
	emit(ch, res)
	close(ch)
	return chanInvocation(ch)
}

// Async runs fn in its own goroutine and exposes its result as an
// invocation. Backends that answer in one request/response use it so Invoke
// never blocks the caller.
func Async(ctx context.Context, fn func(context.Context) Result) Invocation {
	ch := make(chan Event, 2)
	go func() {
		defer close(ch)
		emit(ch, fn(ctx))
	}()
	return chanInvocation(ch)
}

func emit(ch chan<- Event, res Result) {
	if res.Output != "" {
		ch <- Event{Type: EventText, Text: res.Output}
	}
	ch <- Event{Type: EventResult, Result: &res}
}

type chanInvocation chan Event

func (c chanInvocation) Events() <-chan Event { return c }

func (c chanInvocation) Notify(context.Context, string) error { return ErrNotifyUnsupported }
