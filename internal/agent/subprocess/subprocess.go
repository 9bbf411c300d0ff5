// Package subprocess drives an agent CLI (claude by default) as a child
// process speaking stream-json on stdin and stdout. It supports resumable
// session tokens and injecting follow-up user messages mid-flight.
package subprocess

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/basket/go-cortex/internal/agent"
)

// ErrSettled is returned by Notify after the invocation produced its result.
var ErrSettled = errors.New("invocation already settled")

type Backend struct {
	// Binary defaults to $CORTEX_AGENT_BINARY, then "claude".
	Binary   string
	ExtraEnv []string
	Logger   *slog.Logger
}

func (b *Backend) binary() string {
	if b.Binary != "" {
		return b.Binary
	}
	if env := os.Getenv("CORTEX_AGENT_BINARY"); env != "" {
		return env
	}
	return "claude"
}

func (b *Backend) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// Args builds the command line for req.
func Args(req agent.Request) []string {
	cfg := req.Config
	args := []string{
		"--print",
		"--verbose",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(cfg.MaxTurns))
	}
	if cfg.MaxCostUSD > 0 {
		args = append(args, "--max-budget-usd", strconv.FormatFloat(cfg.MaxCostUSD, 'f', -1, 64))
	}
	if cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", cfg.PermissionMode)
	}
	if len(cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(cfg.AllowedTools, ","))
	}
	if cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", cfg.SystemPrompt)
	}
	if req.Resume != "" {
		args = append(args, "--resume", string(req.Resume))
	}
	return args
}

func (b *Backend) Invoke(ctx context.Context, req agent.Request) (agent.Invocation, error) {
	cmd := exec.CommandContext(ctx, b.binary(), Args(req)...)
	cmd.Dir = req.Config.WorkDir
	cmd.Env = append(os.Environ(), b.ExtraEnv...)
	if req.Config.MaxThinkingTokens > 0 {
		cmd.Env = append(cmd.Env, "MAX_THINKING_TOKENS="+strconv.Itoa(req.Config.MaxThinkingTokens))
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("starting %s: %w", b.binary(), err)
	}

	inv := &invocation{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan agent.Event, 16),
		done:   make(chan struct{}),
		role:   req.Config.Role,
		log:    b.logger().With("component", "agent.subprocess", "role", req.Config.Role),
		stderr: stderr,
	}
	if err := inv.writeUser(req.Prompt); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("writing prompt: %w", err)
	}
	go inv.read(stdout)
	return inv, nil
}

type invocation struct {
	cmd    *exec.Cmd
	events chan agent.Event
	done   chan struct{} // closed once the stream is read and the process reaped
	role   agent.Role
	log    *slog.Logger
	stderr *tailBuffer

	mu      sync.Mutex
	stdin   io.WriteCloser
	settled bool
}

func (i *invocation) Events() <-chan agent.Event { return i.events }

func (i *invocation) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return i.writeUser(text)
}

type userMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string        `json:"role"`
		Content []textContent `json:"content"`
	} `json:"message"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (i *invocation) writeUser(text string) error {
	var msg userMessage
	msg.Type = "user"
	msg.Message.Role = "user"
	msg.Message.Content = []textContent{{Type: "text", Text: text}}
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.settled {
		return ErrSettled
	}
	_, err = i.stdin.Write(append(line, '\n'))
	return err
}

// settle closes stdin so the CLI exits after its result.
func (i *invocation) settle() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.settled {
		i.settled = true
		_ = i.stdin.Close()
	}
}

// read is the only sender on events. Text events never take the last
// buffer slot, so the result always lands even when nobody is draining.
func (i *invocation) read(stdout io.Reader) {
	defer close(i.done)
	defer close(i.events)

	var (
		result  *agent.Result
		token   agent.Token
		dropped int
	)
	scanner := bufio.NewScanner(stdout)
	// Tool results can produce long lines.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := parseLine(line)
		if err != nil {
			i.log.Debug("unparsed stream line", "error", err)
			continue
		}
		if ev.sessionID != "" {
			token = agent.Token(ev.sessionID)
		}
		switch {
		case ev.result != nil:
			if ev.result.Token == "" {
				ev.result.Token = token
			}
			result = ev.result
			i.settle()
		case ev.text != "":
			if len(i.events) < cap(i.events)-1 {
				i.events <- agent.Event{Type: agent.EventText, Text: ev.text}
			} else {
				dropped++
			}
		}
	}
	if dropped > 0 {
		i.log.Debug("dropped text events", "count", dropped)
	}
	i.settle()
	waitErr := i.cmd.Wait()

	if result == nil {
		msg := "agent exited without a result"
		if waitErr != nil {
			msg = fmt.Sprintf("%s: %v", msg, waitErr)
		}
		if tail := strings.TrimSpace(i.stderr.String()); tail != "" {
			msg += ": " + tail
		}
		result = &agent.Result{Status: agent.StatusError, Error: msg, Token: token}
	}
	i.events <- agent.Event{Type: agent.EventResult, Result: result}
}

type parsedLine struct {
	sessionID string
	text      string
	result    *agent.Result
}

type streamLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Message   *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	CostUSD      float64 `json:"cost_usd"`
	NumTurns     int     `json:"num_turns"`
}

func parseLine(line []byte) (parsedLine, error) {
	var sl streamLine
	if err := json.Unmarshal(line, &sl); err != nil {
		return parsedLine{}, fmt.Errorf("parsing stream-json line: %w", err)
	}
	out := parsedLine{sessionID: sl.SessionID}
	switch sl.Type {
	case "assistant":
		if sl.Message != nil {
			var parts []string
			for _, c := range sl.Message.Content {
				if c.Type == "text" && c.Text != "" {
					parts = append(parts, c.Text)
				}
			}
			out.text = strings.Join(parts, "\n")
		}
	case "result":
		cost := sl.TotalCostUSD
		if cost == 0 {
			cost = sl.CostUSD
		}
		res := &agent.Result{
			Status:  agent.StatusSuccess,
			Output:  sl.Result,
			CostUSD: cost,
			Token:   agent.Token(sl.SessionID),
			Turns:   sl.NumTurns,
		}
		if sl.IsError || (sl.Subtype != "" && sl.Subtype != "success") {
			res.Status = agent.StatusError
			res.Error = sl.Subtype
		}
		out.result = res
	}
	return out, nil
}

// tailBuffer keeps the last limit bytes written.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
