package tui

import (
	"context"
	"errors"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/go-cortex/internal/persistence"
)

// Source is the read side of a queue store the monitor needs.
type Source interface {
	GetLifecycleRecord(ctx context.Context, sessionID string) (*persistence.OrchestratorRecord, error)
	ListAgentUsage(ctx context.Context, sessionID string) ([]persistence.AgentUsage, error)
	CountByStatus(ctx context.Context, sessionID string) (map[persistence.ItemStatus]int, error)
	ListItems(ctx context.Context, sessionID string) ([]persistence.WorkItem, error)
}

type Snapshot struct {
	SessionID string
	Record    *persistence.OrchestratorRecord
	Usage     []persistence.AgentUsage
	Counts    map[persistence.ItemStatus]int
	Recent    []persistence.WorkItem // newest last
	Err       error
	At        time.Time
}

type StatusProvider func(ctx context.Context) Snapshot

// Collect reads one snapshot of sessionID. A missing lifecycle record is not
// an error: the session may not have started yet.
func Collect(ctx context.Context, src Source, sessionID string, recent int) Snapshot {
	snap := Snapshot{SessionID: sessionID, At: time.Now()}

	rec, err := src.GetLifecycleRecord(ctx, sessionID)
	switch {
	case err == nil:
		snap.Record = rec
	case errors.Is(err, persistence.ErrNotFound):
	default:
		snap.Err = err
		return snap
	}
	if snap.Usage, err = src.ListAgentUsage(ctx, sessionID); err != nil {
		snap.Err = err
		return snap
	}
	if snap.Counts, err = src.CountByStatus(ctx, sessionID); err != nil {
		snap.Err = err
		return snap
	}
	items, err := src.ListItems(ctx, sessionID)
	if err != nil {
		snap.Err = err
		return snap
	}
	if recent > 0 && len(items) > recent {
		items = items[len(items)-recent:]
	}
	snap.Recent = items
	return snap
}

type model struct {
	ctx      context.Context
	provider StatusProvider
	interval time.Duration
	snap     Snapshot
	feed     *ActivityFeed
}

type tickMsg time.Time

func (m model) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return m.tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "a":
			m.feed.Toggle()
		}
	case tickMsg:
		m.snap = m.provider(m.ctx)
		m.feed.Observe(m.snap.Recent)
		m.feed.CleanupOld(time.Minute)
		return m, m.tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	return Render(m.snap) + "\n" + m.feed.View() + "\nPress q to quit, a to toggle activity.\n"
}

func newModel(ctx context.Context, provider StatusProvider, interval time.Duration) model {
	if interval <= 0 {
		interval = time.Second
	}
	m := model{ctx: ctx, provider: provider, interval: interval, feed: NewActivityFeed()}
	m.snap = provider(ctx)
	m.feed.Observe(m.snap.Recent)
	return m
}

// Run drives the live monitor until the user quits or ctx ends.
func Run(ctx context.Context, provider StatusProvider, interval time.Duration) error {
	defer bestEffortResetTTY()

	p := tea.NewProgram(newModel(ctx, provider, interval))

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
