// Package payload defines the typed JSON payload of each work-item kind and
// validates raw payloads against per-kind JSON schemas.
package payload

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/go-cortex/internal/persistence"
)

// ErrUnknownKind is returned for kinds with no registered schema.
var ErrUnknownKind = errors.New("unknown item kind")

// LifecycleEnd is the lifecycle_event sub-kind that ends the session.
const LifecycleEnd = "end"

type Query struct {
	Query       string `json:"query"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

type Observation struct {
	Content string `json:"content"`
	Tool    string `json:"tool,omitempty"`
}

type Maintenance struct {
	Reason string `json:"reason,omitempty"`
}

type Compaction struct {
	Reason string `json:"reason,omitempty"`
}

type Reset struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path,omitempty"`
}

type Lifecycle struct {
	Event string `json:"event"`
}

var schemas = map[persistence.ItemKind]string{
	persistence.KindQuery: `{
		"type": "object",
		"required": ["query"],
		"properties": {
			"query": {"type": "string", "minLength": 1},
			"fingerprint": {"type": "string", "pattern": "^[0-9a-zA-Z_-]{1,64}$"}
		}
	}`,
	persistence.KindObservation: `{
		"type": "object",
		"required": ["content"],
		"properties": {
			"content": {"type": "string", "minLength": 1},
			"tool": {"type": "string"}
		}
	}`,
	persistence.KindMaintenanceTrigger: `{
		"type": "object",
		"properties": {"reason": {"type": "string"}}
	}`,
	persistence.KindCompactionTrigger: `{
		"type": "object",
		"properties": {"reason": {"type": "string"}}
	}`,
	persistence.KindReset: `{
		"type": "object",
		"required": ["session_id"],
		"properties": {
			"session_id": {"type": "string", "minLength": 1},
			"transcript_path": {"type": "string"}
		}
	}`,
	persistence.KindLifecycleEvent: `{
		"type": "object",
		"required": ["event"],
		"properties": {"event": {"type": "string", "minLength": 1}}
	}`,
}

var (
	compileOnce sync.Once
	compiled    map[persistence.ItemKind]*jsonschema.Schema
	compileErr  error
)

func compileAll() (map[persistence.ItemKind]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		out := make(map[persistence.ItemKind]*jsonschema.Schema, len(schemas))
		for kind, raw := range schemas {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
			if err != nil {
				compileErr = fmt.Errorf("unmarshal %s schema: %w", kind, err)
				return
			}
			url := string(kind) + ".json"
			if err := c.AddResource(url, doc); err != nil {
				compileErr = fmt.Errorf("add %s schema: %w", kind, err)
				return
			}
			sch, err := c.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("compile %s schema: %w", kind, err)
				return
			}
			out[kind] = sch
		}
		compiled = out
	})
	return compiled, compileErr
}

// Validate checks raw against the schema of kind.
func Validate(kind persistence.ItemKind, raw string) error {
	all, err := compileAll()
	if err != nil {
		return err
	}
	sch, ok := all[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	// UnmarshalJSON keeps numbers as json.Number, which the validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid %s payload JSON: %w", kind, err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("invalid %s payload: %w", kind, err)
	}
	return nil
}

// Decode validates raw and unmarshals it into out.
func Decode(kind persistence.ItemKind, raw string, out any) error {
	if err := Validate(kind, raw); err != nil {
		return err
	}
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return nil
}

// Fingerprint derives a stable query id: the first 16 hex chars of the
// sha256 of the lower-cased, whitespace-collapsed query.
func Fingerprint(query string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])[:16]
}

// QueryFingerprint returns q.Fingerprint or derives one.
func (q Query) QueryFingerprint() string {
	if q.Fingerprint != "" {
		return q.Fingerprint
	}
	return Fingerprint(q.Query)
}
