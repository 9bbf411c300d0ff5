package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/basket/go-cortex/internal/agent"
	cortexotel "github.com/basket/go-cortex/internal/otel"
	"github.com/basket/go-cortex/internal/persistence"
	"github.com/basket/go-cortex/internal/tokenutil"
	"github.com/basket/go-cortex/internal/transcript"
)

// compactionState is session-scoped: last is the token estimate at the
// last saved compaction, version the last saved version.
type compactionState struct {
	last    int
	version int
}

// compactRun is the snapshot a single compaction works from.
type compactRun struct {
	sessionID string
	path      string
	tokens    int
	since     int
	version   int
}

// seedCompaction loads the latest stored version for sessionID so versions
// continue across restarts.
func (c *Coordinator) seedCompaction(ctx context.Context, sessionID string) {
	state := compactionState{}
	rec, err := c.store.LatestCompaction(ctx, sessionID)
	switch {
	case err == nil:
		state = compactionState{last: rec.TokenEstimate, version: rec.Version}
	case errors.Is(err, persistence.ErrNotFound):
	default:
		c.log.Warn("read latest compaction failed", "session_id", sessionID, "error", err)
	}
	c.mu.Lock()
	if c.sessionID == sessionID {
		c.compaction = state
	}
	c.mu.Unlock()
}

// snapshot measures the transcript against the last compaction. ok is false
// when there is nothing to measure.
func (c *Coordinator) snapshot() (compactRun, bool) {
	c.mu.Lock()
	path, sessionID := c.transcriptPath, c.sessionID
	c.mu.Unlock()
	if path == "" {
		return compactRun{}, false
	}
	size, _, err := transcript.Stat(path)
	if err != nil {
		c.log.Debug("transcript stat failed", "path", path, "error", err)
		return compactRun{}, false
	}
	tokens := tokenutil.FromBytes(size, c.policy.BytesPerToken)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != sessionID {
		return compactRun{}, false
	}
	// A shrinking transcript was rotated or rewritten; measure from zero.
	if tokens < c.compaction.last {
		c.compaction.last = 0
	}
	return compactRun{
		sessionID: sessionID,
		path:      path,
		tokens:    tokens,
		since:     tokens - c.compaction.last,
		version:   c.compaction.version,
	}, true
}

func (c *Coordinator) shouldCompact(run compactRun) bool {
	if run.since > c.policy.SlidingThreshold {
		return true
	}
	return run.tokens > c.policy.HighWatermark && run.since > c.policy.SafetyFloor
}

// maybeCompact starts a compaction when a trigger fires. item, when set,
// forces the run and is completed once it settles. It reports false only
// when the compactor was busy.
func (c *Coordinator) maybeCompact(ctx context.Context, item *persistence.WorkItem) bool {
	forced := item != nil
	done := func(ctx context.Context) {
		if forced {
			c.finish(ctx, *item, persistence.ItemCompleted)
		}
	}
	if !c.reg.Enabled(agent.RoleCompactor) || c.stopping.Load() {
		done(ctx)
		return true
	}
	run, ok := c.snapshot()
	if !ok || (!forced && !c.shouldCompact(run)) {
		done(ctx)
		return true
	}
	token, ok := c.reg.TryAcquire(agent.RoleCompactor)
	if !ok {
		return false
	}
	c.log.Info("compaction triggered",
		"session_id", run.sessionID,
		"tokens", run.tokens,
		"since_last", run.since,
		"forced", forced,
	)
	c.goWorker(ctx, func(ctx context.Context) {
		c.compact(ctx, token, run)
		done(ctx)
	})
	return true
}

// finalCompaction runs one blocking compaction for the outgoing identity
// when enough new content accumulated since the last one.
func (c *Coordinator) finalCompaction(ctx context.Context) {
	if !c.reg.Enabled(agent.RoleCompactor) {
		return
	}
	if err := c.reg.WaitIdle(ctx, agent.RoleCompactor); err != nil {
		return
	}
	run, ok := c.snapshot()
	if !ok || run.since < c.policy.SafetyFloor {
		return
	}
	token, ok := c.reg.TryAcquire(agent.RoleCompactor)
	if !ok {
		return
	}
	c.compact(ctx, token, run)
}

// compact summarises the newest window of the transcript and appends the
// next version. Short, empty or failed output saves nothing.
func (c *Coordinator) compact(ctx context.Context, token agent.Token, run compactRun) bool {
	start := time.Now()
	var res agent.Result
	outcome := "skipped"
	defer func() {
		c.settle(agent.RoleCompactor, res, outcome, time.Since(start))
	}()
	log := c.log.With("role", agent.RoleCompactor, "session_id", run.sessionID)

	ctx, span := cortexotel.StartSpan(ctx, c.tracer, "compaction",
		cortexotel.AttrSessionID.String(run.sessionID),
		cortexotel.AttrVersion.Int(run.version+1),
	)
	defer span.End()

	frags, err := transcript.Fragments(run.path)
	if err != nil || len(frags) == 0 {
		log.Info("compaction skipped: no conversational content", "error", err)
		return false
	}
	margin := c.policy.Margin
	if run.version == 0 {
		margin = c.policy.FirstMargin
	}
	window := transcript.Window(frags, tokenutil.CharBudget(run.since+margin, c.policy.CharsPerToken))

	latest := 0
	prompt := compactionBootstrapPrompt(window)
	prev, err := c.store.LatestCompaction(ctx, run.sessionID)
	switch {
	case err == nil:
		latest = prev.Version
		prompt = compactionIncrementalPrompt(prev, window)
	case errors.Is(err, persistence.ErrNotFound):
	default:
		log.Warn("compaction skipped: read previous summary", "error", err)
		return false
	}

	res, err = c.invoke(ctx, agent.RoleCompactor, token, prompt, nil)
	summary := strings.TrimSpace(res.Output)
	if err != nil {
		outcome = "failed"
		return false
	}
	if len(summary) < c.policy.MinSummaryChars {
		log.Info("compaction skipped: summary too short", "chars", len(summary))
		return false
	}

	next := latest + 1
	if err := c.store.AppendCompaction(ctx, persistence.CompactionRecord{
		SessionID:     run.sessionID,
		Version:       next,
		Summary:       c.redact(summary, "compaction", agent.RoleCompactor),
		Tail:          c.redact(transcript.Tail(window), "compaction_tail", agent.RoleCompactor),
		TokenEstimate: run.tokens,
	}); err != nil {
		outcome = "failed"
		log.Warn("append compaction failed", "version", next, "error", err)
		if errors.Is(err, persistence.ErrVersionConflict) {
			c.seedCompaction(ctx, run.sessionID)
		}
		return false
	}

	c.mu.Lock()
	if c.sessionID == run.sessionID {
		c.compaction = compactionState{last: run.tokens, version: next}
		c.surfaced.Reset()
	}
	c.mu.Unlock()

	outcome = "completed"
	c.metrics.Compactions.Add(ctx, 1)
	log.Info("compaction saved",
		"version", next,
		"tokens", run.tokens,
		"window_fragments", len(window),
		"summary_chars", len(summary),
	)
	return true
}
