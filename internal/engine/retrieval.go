package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/basket/go-cortex/internal/agent"
	"github.com/basket/go-cortex/internal/payload"
	"github.com/basket/go-cortex/internal/persistence"
	"github.com/basket/go-cortex/internal/safety"
)

// hitConfidence is recorded on every hit; retrievers do not self-score.
const hitConfidence = 0.7

var retrievers = []agent.Role{agent.RoleRetrieverA, agent.RoleRetrieverB}

type lease struct {
	role  agent.Role
	token agent.Token
}

// race tracks the live invocations of one query so a retriever that hits
// can notify whichever peer is still running.
type race struct {
	mu   sync.Mutex
	live map[agent.Role]agent.Invocation
}

func (r *race) started(role agent.Role) func(agent.Invocation) {
	return func(inv agent.Invocation) {
		r.mu.Lock()
		r.live[role] = inv
		r.mu.Unlock()
	}
}

func (r *race) finished(role agent.Role) {
	r.mu.Lock()
	delete(r.live, role)
	r.mu.Unlock()
}

func (r *race) peers(role agent.Role) map[agent.Role]agent.Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[agent.Role]agent.Invocation, len(r.live))
	for other, inv := range r.live {
		if other != role {
			out[other] = inv
		}
	}
	return out
}

// routeQuery acquires whichever retrievers are free and races them. When
// none is free a miss is written at once; the caller never waits.
func (c *Coordinator) routeQuery(ctx context.Context, item persistence.WorkItem) error {
	var q payload.Query
	if err := payload.Decode(item.Kind, item.Payload, &q); err != nil {
		return err
	}
	fingerprint := q.QueryFingerprint()

	var leases []lease
	for _, role := range retrievers {
		if token, ok := c.reg.TryAcquire(role); ok {
			leases = append(leases, lease{role: role, token: token})
		}
	}
	if len(leases) == 0 {
		c.metrics.BusyRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("role", "retriever")))
		if _, err := c.store.WriteResult(ctx, persistence.RetrievalResult{
			SessionID:    item.SessionID,
			Fingerprint:  fingerprint,
			Kind:         persistence.ResultMiss,
			SourceWorker: "none",
		}); err != nil {
			return err
		}
		c.log.Info("query missed: no free retriever", "item_id", item.ID, "fingerprint", fingerprint)
		c.finish(ctx, item, persistence.ItemCompleted)
		return nil
	}

	c.mu.Lock()
	prompt := retrievalPrompt(q.Query, c.turns.Items(), c.surfaced.Items())
	c.mu.Unlock()

	c.goWorker(ctx, func(ctx context.Context) {
		r := &race{live: make(map[agent.Role]agent.Invocation, len(leases))}
		var g errgroup.Group
		for _, l := range leases {
			g.Go(func() error {
				return c.raceOne(ctx, r, l, item.SessionID, q.Query, fingerprint, prompt)
			})
		}
		if err := g.Wait(); err != nil {
			c.log.Warn("retrieval race incomplete", "item_id", item.ID, "fingerprint", fingerprint, "error", err)
		}
		c.finish(ctx, item, persistence.ItemCompleted)
	})
	return nil
}

// raceOne runs one retriever and records its own result. Invocation errors
// become misses; a result that could not be stored is returned.
func (c *Coordinator) raceOne(ctx context.Context, r *race, l lease, sessionID, query, fingerprint, prompt string) error {
	start := time.Now()
	var res agent.Result
	outcome := persistence.ResultMiss
	defer func() {
		c.settle(l.role, res, string(outcome), time.Since(start))
	}()

	res, err := c.invoke(ctx, l.role, l.token, prompt, r.started(l.role))
	r.finished(l.role)

	text := strings.TrimSpace(res.Output)
	result := persistence.RetrievalResult{
		SessionID:    sessionID,
		Fingerprint:  fingerprint,
		Kind:         persistence.ResultMiss,
		SourceWorker: string(l.role),
	}
	if err == nil && c.informative(text) {
		outcome = persistence.ResultHit
		result.Kind = persistence.ResultHit
		text = c.redact(text, "retrieval", l.role)
		result.Text = text
		result.Confidence = hitConfidence
	}
	if _, werr := c.store.WriteResult(ctx, result); werr != nil {
		return fmt.Errorf("%s: write %s result: %w", l.role, result.Kind, werr)
	}
	if outcome != persistence.ResultHit {
		return nil
	}

	c.mu.Lock()
	if c.sessionID == sessionID {
		c.turns.Add(echo(query, text))
		c.surfaced.Add(text)
	}
	c.mu.Unlock()

	notice := peerNotice(string(l.role), text)
	for peer, inv := range r.peers(l.role) {
		c.bestEffortAsync(ctx, "notify "+string(peer), func(ctx context.Context) error {
			return inv.Notify(ctx, notice)
		})
	}
	return nil
}

// informative applies the hit rule: non-empty, not the skip token, and at
// least the minimum length.
func (c *Coordinator) informative(text string) bool {
	if text == "" || strings.EqualFold(text, skipToken) {
		return false
	}
	return utf8.RuneCountInString(text) >= c.policy.MinInformativeChars
}

// redact masks secrets in agent output before it is stored or surfaced.
func (c *Coordinator) redact(text, where string, role agent.Role) string {
	out, leaks := safety.Redact(text)
	if len(leaks) > 0 {
		c.log.Warn("secrets redacted from agent output",
			"where", where, "role", role, "count", len(leaks), "patterns", safety.Patterns(leaks))
	}
	return out
}
