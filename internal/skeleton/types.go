// Package skeleton defines the task record ("skeleton") data model and the
// SQLite-backed store that persists records produced by a workspace scan.
//
// A TaskRecord is immutable for a given scan generation: consumers that need
// a transformed view (for example the truncation projection) work on a Clone.
package skeleton

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// MaxPrefixLength caps a declared child-instruction prefix, in runes.
const MaxPrefixLength = 192

// ShortIDLength is the length of the abbreviated id shown in renderings.
const ShortIDLength = 8

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Action kinds.
const (
	ActionTool    = "tool"
	ActionCommand = "command"
)

// ─── Action parameters ───────────────────────────────────────────────────────

// ParamKind is the closed set of action parameters the system understands.
// Anything else lands in ActionParams.Extra.
type ParamKind string

const (
	ParamPath    ParamKind = "path"
	ParamCommand ParamKind = "command"
	ParamContent ParamKind = "content"
	ParamQuery   ParamKind = "query"
	ParamDiff    ParamKind = "diff"
)

// knownParamKinds maps raw parameter names to their kind.
var knownParamKinds = map[string]ParamKind{
	"path":    ParamPath,
	"file":    ParamPath,
	"command": ParamCommand,
	"cmd":     ParamCommand,
	"content": ParamContent,
	"text":    ParamContent,
	"query":   ParamQuery,
	"regex":   ParamQuery,
	"diff":    ParamDiff,
}

// ActionParams holds the parameters of an action.
type ActionParams struct {
	Known map[ParamKind]string `json:"known,omitempty"`
	Extra map[string]any       `json:"extra,omitempty"`
}

// ParseActionParams splits a raw parameter bag into known kinds and extras.
// Known names with non-string values are kept in Extra.
func ParseActionParams(raw map[string]any) ActionParams {
	var p ActionParams
	for k, v := range raw {
		if kind, ok := knownParamKinds[strings.ToLower(k)]; ok {
			if s, ok := v.(string); ok {
				if p.Known == nil {
					p.Known = make(map[ParamKind]string)
				}
				p.Known[kind] = s
				continue
			}
		}
		if p.Extra == nil {
			p.Extra = make(map[string]any)
		}
		p.Extra[k] = v
	}
	return p
}

// Get returns a known parameter value.
func (p ActionParams) Get(kind ParamKind) string {
	return p.Known[kind]
}

// Serialize renders the parameters as a flat JSON object. Known kinds win
// over extras with the same name. Keys are sorted, so the output is stable.
func (p ActionParams) Serialize() string {
	if len(p.Known) == 0 && len(p.Extra) == 0 {
		return "{}"
	}
	flat := make(map[string]any, len(p.Known)+len(p.Extra))
	for k, v := range p.Extra {
		flat[k] = v
	}
	for k, v := range p.Known {
		flat[string(k)] = v
	}
	b, err := json.Marshal(flat)
	if err != nil {
		// Extra holds something json cannot encode; fall back to the known part.
		known := make(map[string]string, len(p.Known))
		for k, v := range p.Known {
			known[string(k)] = v
		}
		b, _ = json.Marshal(known)
	}
	return string(b)
}

// MarshalJSON encodes the parameters as the flat object Serialize returns.
func (p ActionParams) MarshalJSON() ([]byte, error) {
	return []byte(p.Serialize()), nil
}

// UnmarshalJSON decodes a flat parameter object.
func (p *ActionParams) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("action parameters: %w", err)
	}
	*p = ParseActionParams(raw)
	return nil
}

// Lookup resolves a gjson path ("path", "options.recursive") against the
// serialized parameters.
func (p ActionParams) Lookup(path string) string {
	return gjson.Get(p.Serialize(), path).String()
}

// Clone returns a deep-enough copy: Known is copied, Extra values are shared.
func (p ActionParams) Clone() ActionParams {
	var out ActionParams
	if p.Known != nil {
		out.Known = make(map[ParamKind]string, len(p.Known))
		for k, v := range p.Known {
			out.Known[k] = v
		}
	}
	if p.Extra != nil {
		out.Extra = make(map[string]any, len(p.Extra))
		for k, v := range p.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// LargestKnown returns the known kind holding the longest value, used when
// an action has to be shortened. Ties resolve in kind-name order.
func (p ActionParams) LargestKnown() (ParamKind, bool) {
	kinds := make([]string, 0, len(p.Known))
	for k := range p.Known {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	best, bestLen := ParamKind(""), -1
	for _, k := range kinds {
		if n := len(p.Known[ParamKind(k)]); n > bestLen {
			best, bestLen = ParamKind(k), n
		}
	}
	return best, bestLen >= 0
}

// ─── Sequence elements ───────────────────────────────────────────────────────

// Message is a conversational turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Action is a tool or command invocation.
type Action struct {
	Kind      string       `json:"kind"`
	Name      string       `json:"name"`
	Params    ActionParams `json:"parameters"`
	Status    string       `json:"status,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Element is one entry of a task sequence. Exactly one of Message and
// Action is set.
type Element struct {
	Message *Message `json:"message,omitempty"`
	Action  *Action  `json:"action,omitempty"`
}

// IsAction reports whether the element is an action.
func (e Element) IsAction() bool { return e.Action != nil }

// Timestamp returns the element's timestamp.
func (e Element) Timestamp() time.Time {
	if e.Action != nil {
		return e.Action.Timestamp
	}
	if e.Message != nil {
		return e.Message.Timestamp
	}
	return time.Time{}
}

// Text returns the element's textual payload: message content, or the
// serialized parameters of an action.
func (e Element) Text() string {
	switch {
	case e.Message != nil:
		return e.Message.Content
	case e.Action != nil:
		return e.Action.Params.Serialize()
	}
	return ""
}

// Clone copies the element so the copy can be modified freely.
func (e Element) Clone() Element {
	var out Element
	if e.Message != nil {
		m := *e.Message
		out.Message = &m
	}
	if e.Action != nil {
		a := *e.Action
		a.Params = e.Action.Params.Clone()
		out.Action = &a
	}
	return out
}

// ─── Task record ─────────────────────────────────────────────────────────────

// TaskRecord is the structured summary of one conversation/task.
type TaskRecord struct {
	ID                       string    `json:"id"`
	DeclaredParentID         string    `json:"declared_parent_id,omitempty"`
	Title                    string    `json:"title"`
	WorkspacePath            string    `json:"workspace_path,omitempty"`
	Mode                     string    `json:"mode,omitempty"`
	CreatedAt                time.Time `json:"created_at"`
	LastActivityAt           time.Time `json:"last_activity_at"`
	MessageCount             int       `json:"message_count"`
	ActionCount              int       `json:"action_count"`
	TotalSizeBytes           int64     `json:"total_size_bytes"`
	ChildInstructionPrefixes []string  `json:"child_instruction_prefixes,omitempty"`
	Sequence                 []Element `json:"sequence,omitempty"`
	IsCompleted              bool      `json:"is_completed"`
}

// ErrInvalidRecord is wrapped by every Validate failure.
var ErrInvalidRecord = errors.New("invalid task record")

// Validate checks the record invariants.
func (r TaskRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRecord)
	}
	if !r.LastActivityAt.IsZero() && !r.CreatedAt.IsZero() && r.LastActivityAt.Before(r.CreatedAt) {
		return fmt.Errorf("%w: %s: last activity before creation", ErrInvalidRecord, r.ID)
	}
	if r.MessageCount < 0 || r.ActionCount < 0 || r.TotalSizeBytes < 0 {
		return fmt.Errorf("%w: %s: negative counter", ErrInvalidRecord, r.ID)
	}
	for i, p := range r.ChildInstructionPrefixes {
		if p == "" {
			return fmt.Errorf("%w: %s: empty prefix at %d", ErrInvalidRecord, r.ID, i)
		}
		if utf8.RuneCountInString(p) > MaxPrefixLength {
			return fmt.Errorf("%w: %s: prefix %d longer than %d", ErrInvalidRecord, r.ID, i, MaxPrefixLength)
		}
	}
	for i, e := range r.Sequence {
		if (e.Message == nil) == (e.Action == nil) {
			return fmt.Errorf("%w: %s: element %d must be a message or an action", ErrInvalidRecord, r.ID, i)
		}
	}
	return nil
}

// Normalize fills derived fields: counters from the sequence when they are
// unset, LastActivityAt from the latest element, and prefixes in their
// normalized, de-duplicated form.
func (r *TaskRecord) Normalize() {
	var msgs, acts int
	var size int64
	for _, e := range r.Sequence {
		if e.IsAction() {
			acts++
		} else {
			msgs++
		}
		size += int64(len(e.Text()))
		if ts := e.Timestamp(); ts.After(r.LastActivityAt) {
			r.LastActivityAt = ts
		}
	}
	if r.MessageCount == 0 {
		r.MessageCount = msgs
	}
	if r.ActionCount == 0 {
		r.ActionCount = acts
	}
	if r.TotalSizeBytes == 0 {
		r.TotalSizeBytes = size
	}
	if r.LastActivityAt.Before(r.CreatedAt) {
		r.LastActivityAt = r.CreatedAt
	}

	seen := make(map[string]bool, len(r.ChildInstructionPrefixes))
	prefixes := r.ChildInstructionPrefixes[:0:0]
	for _, p := range r.ChildInstructionPrefixes {
		n := NormalizePrefix(p)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		prefixes = append(prefixes, n)
	}
	r.ChildInstructionPrefixes = prefixes
}

// InstructionText is the text a task was started with: its title, or the
// first user message when the title is empty.
func (r TaskRecord) InstructionText() string {
	if strings.TrimSpace(r.Title) != "" {
		return r.Title
	}
	for _, e := range r.Sequence {
		if e.Message != nil && e.Message.Role == RoleUser {
			return e.Message.Content
		}
	}
	return ""
}

// Clone returns a copy whose sequence and prefixes can be modified without
// touching the original.
func (r TaskRecord) Clone() TaskRecord {
	out := r
	if r.ChildInstructionPrefixes != nil {
		out.ChildInstructionPrefixes = append([]string(nil), r.ChildInstructionPrefixes...)
	}
	if r.Sequence != nil {
		out.Sequence = make([]Element, len(r.Sequence))
		for i, e := range r.Sequence {
			out.Sequence[i] = e.Clone()
		}
	}
	return out
}

// NormalizePrefix lower-cases and trims an instruction prefix and caps it at
// MaxPrefixLength runes.
func NormalizePrefix(s string) string {
	v := strings.ToLower(strings.TrimSpace(s))
	if utf8.RuneCountInString(v) > MaxPrefixLength {
		runes := []rune(v)
		v = strings.TrimSpace(string(runes[:MaxPrefixLength]))
	}
	return v
}

// ShortID abbreviates a task id for display.
func ShortID(id string) string {
	if len(id) <= ShortIDLength {
		return id
	}
	return id[:ShortIDLength]
}

// SortChronologically orders records by creation time, then id.
func SortChronologically(records []TaskRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
}
