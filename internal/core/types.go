// Package core holds the data types shared by storage, the prompt
// assembler, the agent loop and the compaction agent: temporal messages
// and summaries, present state, long-term memory entries, and workers.
package core

import (
	"strings"
	"time"
)

// MessageKind identifies the role a temporal message plays in a turn.
type MessageKind string

const (
	KindUser       MessageKind = "user"
	KindAssistant  MessageKind = "assistant"
	KindToolCall   MessageKind = "tool_call"
	KindToolResult MessageKind = "tool_result"
)

// Message is one append-only row of temporal memory. Messages are never
// mutated or deleted; compaction covers ranges of them with a Summary
// instead.
type Message struct {
	ID        string      `json:"id"`
	Kind      MessageKind `json:"kind"`
	Content   string      `json:"content"`
	ToolName  string      `json:"tool_name,omitempty"`
	ToolUseID string      `json:"tool_use_id,omitempty"`
	IsError   bool        `json:"is_error,omitempty"`
	Tokens    int         `json:"tokens"`
	CreatedAt time.Time   `json:"created_at"`
}

// Summary compresses a contiguous [Start,End] range of ids — raw message
// ids at Order 1, or the boundary ids of lower-order summaries at higher
// orders — into narrative prose plus a handful of key observations.
type Summary struct {
	ID              string    `json:"id"`
	Order           int       `json:"order"`
	StartID         string    `json:"start_id"`
	EndID           string    `json:"end_id"`
	Narrative       string    `json:"narrative"`
	KeyObservations []string  `json:"key_observations"`
	Tags            []string  `json:"tags"`
	Tokens          int       `json:"tokens"`
	CreatedAt       time.Time `json:"created_at"`
}

// TaskStatus is the status of one present-state task entry.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskBlocked    TaskStatus = "blocked"
)

// Task is one row of the present-state task list.
type Task struct {
	ID            string     `json:"id"`
	Content       string     `json:"content"`
	Status        TaskStatus `json:"status"`
	BlockedReason string     `json:"blocked_reason,omitempty"`
}

// PresentState is the single-row mission/status/task-list scratchpad.
// Every field is wholesale-overwritten by its setter; there is no
// versioning or history on this row.
type PresentState struct {
	Mission   string    `json:"mission,omitempty"`
	Status    string    `json:"status,omitempty"`
	Tasks     []Task    `json:"tasks"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LTMAuthor identifies which actor last wrote an LTM entry.
type LTMAuthor string

const (
	AuthorMain           LTMAuthor = "main"
	AuthorLTMConsolidate LTMAuthor = "ltm-consolidate"
	AuthorLTMReflect     LTMAuthor = "ltm-reflect"
)

// LTMEntry is one hierarchical, slug-keyed, CAS-versioned long-term
// memory entry. Path is derived once at creation (parent.Path + "/" +
// Slug, or "/"+Slug at the root) and is never edited afterward.
type LTMEntry struct {
	Slug       string    `json:"slug"`
	ParentSlug string    `json:"parent_slug,omitempty"`
	Path       string    `json:"path"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Tags       []string  `json:"tags"`
	Links      []string  `json:"links"`
	Version    int       `json:"version"`
	CreatedBy  LTMAuthor `json:"created_by"`
	UpdatedBy  LTMAuthor `json:"updated_by"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Archived reports whether the entry is hidden from normal reads.
func (e LTMEntry) Archived() bool { return e.ArchivedAt != nil }

// WorkerType identifies a background-maintenance worker kind.
type WorkerType string

const (
	WorkerTemporalCompact WorkerType = "temporal-compact"
	WorkerLTMConsolidate  WorkerType = "ltm-consolidate"
	WorkerLTMReflect      WorkerType = "ltm-reflect"
)

// WorkerStatus is the lifecycle state of a tracked worker row.
type WorkerStatus string

const (
	WorkerRunning   WorkerStatus = "running"
	WorkerCompleted WorkerStatus = "completed"
	WorkerFailed    WorkerStatus = "failed"
)

// Worker is an observability row for a background-maintenance pass
// (today: compaction only). It never drives control flow on its own.
type Worker struct {
	ID          string       `json:"id"`
	Type        WorkerType   `json:"type"`
	Status      WorkerStatus `json:"status"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Usage accumulates token usage across the model calls of one turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates u2 into u in place.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
}

// SortKey strips a minted id's "<prefix>_" header, leaving the ULID
// suffix that carries chronological order. Ids minted with different
// prefixes ("message_", "summary_") must compare correctly against each
// other when computing coverage ranges or merging a timeline.
func SortKey(id string) string {
	if i := strings.IndexByte(id, '_'); i >= 0 {
		return id[i+1:]
	}
	return id
}

// SearchResult is one hit from an LTM title/body search.
type SearchResult struct {
	Entry LTMEntry `json:"entry"`
	Score int      `json:"score"`
}
