// Package transcript reads the host's conversation log: a growing JSONL file
// the coordinator only stats and parses, never writes.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Fragment is one user or assistant utterance in log order.
type Fragment struct {
	Role Role
	Text string
}

// Render formats the fragment as it appears in summarisation prompts.
func (f Fragment) Render() string {
	label := "User"
	if f.Role == RoleAssistant {
		label = "Assistant"
	}
	return label + ": " + f.Text
}

// Stat returns the current size and modification time of path.
func Stat(path string) (int64, time.Time, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, time.Time{}, err
	}
	return fi.Size(), fi.ModTime(), nil
}

// Stale reports whether path was last modified more than ceiling before now.
// A missing file is stale.
func Stale(path string, ceiling time.Duration, now time.Time) bool {
	_, mod, err := Stat(path)
	if err != nil {
		return true
	}
	return now.Sub(mod) > ceiling
}

type logLine struct {
	Type    string `json:"type"`
	Message *struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Fragments extracts user and assistant text from the log. Tool calls, tool
// results, system lines and malformed lines are skipped.
func Fragments(path string) ([]Fragment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var out []Fragment
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var ll logLine
		if err := json.Unmarshal(scanner.Bytes(), &ll); err != nil || ll.Message == nil {
			continue
		}
		role := Role(ll.Message.Role)
		if role == "" {
			role = Role(ll.Type)
		}
		if role != RoleUser && role != RoleAssistant {
			continue
		}
		if text := extractText(ll.Message.Content); text != "" {
			out = append(out, Fragment{Role: role, Text: text})
		}
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("scan transcript: %w", err)
	}
	return out, nil
}

func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var blocks []contentBlock
	if json.Unmarshal(raw, &blocks) != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, strings.TrimSpace(b.Text))
		}
	}
	return strings.Join(parts, "\n")
}

// Window returns the most recent fragments whose rendered length fits in
// budget characters, oldest first. When even the newest fragment is too
// large, its tail is kept, cut on a rune boundary.
func Window(frags []Fragment, budget int) []Fragment {
	if budget <= 0 || len(frags) == 0 {
		return nil
	}
	used := 0
	start := len(frags)
	for i := len(frags) - 1; i >= 0; i-- {
		n := len(frags[i].Render()) + 1
		if used+n > budget {
			break
		}
		used += n
		start = i
	}
	if start == len(frags) {
		last := frags[len(frags)-1]
		if keep := budget - len(last.Render()) + len(last.Text); keep > 0 && keep < len(last.Text) {
			cut := len(last.Text) - keep
			for cut < len(last.Text) && !utf8.RuneStart(last.Text[cut]) {
				cut++
			}
			last.Text = last.Text[cut:]
		}
		return []Fragment{last}
	}
	return append([]Fragment(nil), frags[start:]...)
}

// Join renders fragments separated by blank lines.
func Join(frags []Fragment) string {
	parts := make([]string, len(frags))
	for i, f := range frags {
		parts[i] = f.Render()
	}
	return strings.Join(parts, "\n\n")
}

// Tail returns the newer half of the window as raw text.
func Tail(frags []Fragment) string {
	return Join(frags[len(frags)/2:])
}
