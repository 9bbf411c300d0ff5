package engine

// boundedList keeps the newest n strings in insertion order.
type boundedList struct {
	limit int
	items []string
}

func newBoundedList(limit int) *boundedList {
	if limit <= 0 {
		limit = 1
	}
	return &boundedList{limit: limit}
}

// Add appends s, skipping exact repeats of an entry already held.
func (l *boundedList) Add(s string) {
	for _, existing := range l.items {
		if existing == s {
			return
		}
	}
	l.items = append(l.items, s)
	if over := len(l.items) - l.limit; over > 0 {
		l.items = append(l.items[:0:0], l.items[over:]...)
	}
}

func (l *boundedList) Items() []string {
	return append([]string(nil), l.items...)
}

func (l *boundedList) Len() int { return len(l.items) }

func (l *boundedList) Reset() { l.items = nil }
