package payload

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// CuratorReport is the structured tail of a maintenance pass. Workers are
// asked to end with a JSON block; free text is kept as Summary otherwise.
type CuratorReport struct {
	Merged         int    `json:"merged"`
	Demoted        int    `json:"demoted"`
	Contradictions int    `json:"contradictions"`
	Consolidated   int    `json:"consolidated"`
	Summary        string `json:"summary"`
	Structured     bool   `json:"-"`
}

func (r CuratorReport) String() string {
	if !r.Structured {
		return r.Summary
	}
	return fmt.Sprintf("merged=%d demoted=%d contradictions=%d consolidated=%d: %s",
		r.Merged, r.Demoted, r.Contradictions, r.Consolidated, r.Summary)
}

const curatorReportSchema = `{
	"type": "object",
	"required": ["summary"],
	"properties": {
		"merged": {"type": "integer", "minimum": 0},
		"demoted": {"type": "integer", "minimum": 0},
		"contradictions": {"type": "integer", "minimum": 0},
		"consolidated": {"type": "integer", "minimum": 0},
		"summary": {"type": "string"}
	}
}`

var reportSchema = mustCompile("curator_report.json", curatorReportSchema)

func mustCompile(url, raw string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("unmarshal %s: %v", url, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		panic(fmt.Sprintf("add %s: %v", url, err))
	}
	return c.MustCompile(url)
}

// ParseCuratorReport extracts a report from worker output. Output with no
// valid JSON block degrades to a summary-only report.
func ParseCuratorReport(output string) CuratorReport {
	text := strings.TrimSpace(output)
	fallback := CuratorReport{Summary: truncate(text, 500)}

	raw := ExtractJSON(text)
	if raw == "" {
		return fallback
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return fallback
	}
	if err := reportSchema.Validate(doc); err != nil {
		return fallback
	}
	var r CuratorReport
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return fallback
	}
	r.Structured = true
	return r
}

// ExtractJSON finds a JSON object or array in free text: a ```json fence,
// then a bare fence, then the first balanced {...} or [...].
func ExtractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); candidate != "" {
				return candidate
			}
		}
	}

	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if json.Valid([]byte(candidate)) {
				return candidate
			}
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			if candidate := balanced(text[i:]); candidate != "" && json.Valid([]byte(candidate)) {
				return candidate
			}
		}
	}
	return ""
}

func balanced(s string) string {
	open := s[0]
	var closer byte
	switch open {
	case '{':
		closer = '}'
	case '[':
		closer = ']'
	default:
		return ""
	}

	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case open:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
