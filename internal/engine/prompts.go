package engine

import (
	"fmt"
	"strings"

	"github.com/basket/go-cortex/internal/payload"
	"github.com/basket/go-cortex/internal/persistence"
	"github.com/basket/go-cortex/internal/transcript"
)

const skipToken = "skip"

func retrievalPrompt(query string, turns, surfaced []string) string {
	var b strings.Builder
	b.WriteString("Query:\n")
	b.WriteString(strings.TrimSpace(query))
	b.WriteString("\n")
	if len(turns) > 0 {
		b.WriteString("\nRecent exchange (oldest first):\n")
		for _, t := range turns {
			b.WriteString("- ")
			b.WriteString(t)
			b.WriteString("\n")
		}
	}
	if len(surfaced) > 0 {
		b.WriteString("\nAlready surfaced this session; do not repeat:\n")
		for _, s := range surfaced {
			b.WriteString("- ")
			b.WriteString(oneLine(s, 200))
			b.WriteString("\n")
		}
	}
	b.WriteString("\nReply with only new, concrete context, or SKIP.")
	return b.String()
}

// peerNotice is injected into a still-running retriever once its peer hit.
func peerNotice(role, text string) string {
	return fmt.Sprintf("Note: %s already surfaced the following. Do not repeat it; add only what is missing or reply SKIP.\n\n%s", role, oneLine(text, 600))
}

// echo is the terse rolling-window form of a hit.
func echo(query, text string) string {
	return fmt.Sprintf("Q: %s -> %s", oneLine(query, 80), oneLine(text, 160))
}

func learnerSinglePrompt(obs payload.Observation) string {
	var b strings.Builder
	b.WriteString("Observation")
	if obs.Tool != "" {
		fmt.Fprintf(&b, " (from %s)", obs.Tool)
	}
	b.WriteString(":\n")
	b.WriteString(strings.TrimSpace(obs.Content))
	b.WriteString("\n\nSave anything durable worth remembering, then reply with a one-line summary or SKIP.")
	return b.String()
}

func learnerBatchPrompt(batch []payload.Observation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d observations from the same session, in order:\n", len(batch))
	for i, obs := range batch {
		fmt.Fprintf(&b, "\n[%d]", i+1)
		if obs.Tool != "" {
			fmt.Fprintf(&b, " (%s)", obs.Tool)
		}
		b.WriteString(" ")
		b.WriteString(strings.TrimSpace(obs.Content))
		b.WriteString("\n")
	}
	b.WriteString("\nLook across them for patterns: repeated corrections, a convention emerging, ")
	b.WriteString("a decision and its reason. Save what holds across items rather than treating each on its own. ")
	b.WriteString("Reply with a one-line summary or SKIP.")
	return b.String()
}

func compactionBootstrapPrompt(window []transcript.Fragment) string {
	var b strings.Builder
	b.WriteString("No summary exists yet. Write a fresh structured summary of this conversation with the sections ")
	b.WriteString("Goal, Decisions, Current working context, Open tasks, Dynamics.\n\n<conversation>\n")
	b.WriteString(transcript.Join(window))
	b.WriteString("\n</conversation>")
	return b.String()
}

func compactionIncrementalPrompt(prev *persistence.CompactionRecord, window []transcript.Fragment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Update summary v%d with the new conversation below.\n", prev.Version)
	b.WriteString("Append new entries to Decisions, replace Current working context entirely, ")
	b.WriteString("refresh Open tasks and Dynamics. Keep everything else.\n\n<summary>\n")
	b.WriteString(strings.TrimSpace(prev.Summary))
	b.WriteString("\n</summary>\n\n<conversation>\n")
	b.WriteString(transcript.Join(window))
	b.WriteString("\n</conversation>")
	return b.String()
}

const curatorMergeLimit = 10

func curatorPrompt(reason string) string {
	var b strings.Builder
	b.WriteString("Run one maintenance pass over the knowledge store")
	if reason != "" {
		fmt.Fprintf(&b, " (requested: %s)", reason)
	}
	b.WriteString(".\n")
	fmt.Fprintf(&b, "1. Find near-duplicate entries and merge at most %d of them.\n", curatorMergeLimit)
	b.WriteString("2. Lower confidence on entries older than 30 days that were never retrieved.\n")
	b.WriteString("3. Flag entries that contradict each other.\n")
	b.WriteString("4. Consolidate thematically related entries.\n")
	b.WriteString(`Finish with a JSON object: {"merged":n,"demoted":n,"contradictions":n,"consolidated":n,"summary":"..."}`)
	return b.String()
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
