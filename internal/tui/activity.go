package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/go-cortex/internal/persistence"
)

type ActivityItem struct {
	ID        int64
	Icon      string
	Message   string
	StartedAt time.Time
	DoneAt    *time.Time
}

// ActivityFeed tracks the newest work items seen across refreshes.
type ActivityFeed struct {
	mu        sync.Mutex
	items     []ActivityItem
	collapsed bool
	maxItems  int
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{maxItems: 10, collapsed: true}
}

func (f *ActivityFeed) Add(item ActivityItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addLocked(item)
}

func (f *ActivityFeed) addLocked(item ActivityItem) {
	f.items = append(f.items, item)
	if len(f.items) > f.maxItems {
		f.items = f.items[1:]
	}
	f.collapsed = false // auto-expand
}

func (f *ActivityFeed) Complete(id int64, icon string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeLocked(id, icon, at)
}

func (f *ActivityFeed) completeLocked(id int64, icon string, at time.Time) bool {
	for i := range f.items {
		if f.items[i].ID == id {
			if f.items[i].DoneAt == nil {
				f.items[i].Icon = icon
				f.items[i].DoneAt = &at
			}
			return true
		}
	}
	return false
}

func itemIcon(st persistence.ItemStatus) string {
	switch st {
	case persistence.ItemCompleted:
		return "✅"
	case persistence.ItemFailed:
		return "❌"
	case persistence.ItemProcessing:
		return "⏳"
	default:
		return "·"
	}
}

func settled(st persistence.ItemStatus) bool {
	return st == persistence.ItemCompleted || st == persistence.ItemFailed
}

// Observe folds a refresh of recent items into the feed: unseen items are
// added, known ones are completed once they settle.
func (f *ActivityFeed) Observe(items []persistence.WorkItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range items {
		if settled(it.Status) {
			if f.completeLocked(it.ID, itemIcon(it.Status), it.UpdatedAt) {
				continue
			}
		} else if f.indexLocked(it.ID) >= 0 {
			continue
		}
		entry := ActivityItem{
			ID:        it.ID,
			Icon:      itemIcon(it.Status),
			Message:   fmt.Sprintf("#%d %s", it.ID, it.Kind),
			StartedAt: it.CreatedAt,
		}
		if settled(it.Status) {
			done := it.UpdatedAt
			entry.DoneAt = &done
		}
		f.addLocked(entry)
	}
}

func (f *ActivityFeed) indexLocked(id int64) int {
	for i := range f.items {
		if f.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (f *ActivityFeed) Toggle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collapsed = !f.collapsed
}

func (f *ActivityFeed) HasActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items {
		if it.DoneAt == nil {
			return true
		}
	}
	return false
}

func (f *ActivityFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *ActivityFeed) CleanupOld(maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	kept := f.items[:0]
	removed := 0
	for _, it := range f.items {
		if it.DoneAt != nil && now.Sub(*it.DoneAt) >= maxAge {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	f.items = kept
	return removed
}

func (f *ActivityFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	if f.collapsed {
		active := 0
		for _, it := range f.items {
			if it.DoneAt == nil {
				active++
			}
		}
		if active == 0 {
			return ""
		}
		return dim.Render(fmt.Sprintf("── %d items in flight (a to expand) ──", active)) + "\n"
	}

	itemS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))

	var out strings.Builder
	out.WriteString(dim.Render("── Activity (a to collapse) ──") + "\n")
	for _, it := range f.items {
		line := fmt.Sprintf("%s %s", it.Icon, it.Message)
		if it.DoneAt != nil {
			dur := it.DoneAt.Sub(it.StartedAt).Truncate(100 * time.Millisecond)
			line += fmt.Sprintf(" (%s)", dur)
		} else {
			line += fmt.Sprintf(" (%s)", time.Since(it.StartedAt).Truncate(time.Second))
		}
		out.WriteString(itemS.Render(line) + "\n")
	}
	return out.String()
}
