package conversation

import (
	"reflect"
	"time"

	"github.com/agentboard/agentboard/pkg/analysis"
)

// Role classifies who (or what) a conversation message belongs to.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleFile      Role = "file"
)

// FileAttachment describes one uploaded file referenced by a message.
type FileAttachment struct {
	Name   string `json:"name"`
	Size   int64  `json:"size,omitempty"`
	Failed bool   `json:"failed,omitempty"`
}

// Metadata carries the structured payloads attached to a message:
// execution plans awaiting approval, error flags, file lists, and the
// query linkage used for follow-up routing.
type Metadata struct {
	QueryID     string                  `json:"query_id,omitempty"`
	Plan        *analysis.ExecutionPlan `json:"plan,omitempty"`
	HasResult   bool                    `json:"has_result,omitempty"`
	Error       bool                    `json:"error,omitempty"`
	Retryable   bool                    `json:"retryable,omitempty"`
	Suggestions []string                `json:"suggestions,omitempty"`
	Files       []FileAttachment        `json:"files,omitempty"`
}

// Message is one user-visible unit of the conversation. ID is the dedup
// key; a later message with the same ID updates content and metadata in
// place rather than appending.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  Metadata  `json:"metadata,omitzero"`
}

// Equivalent reports whether the messages carry identical content and
// metadata; equivalent upserts are skipped to avoid state churn.
func (m Message) Equivalent(other Message) bool {
	return m.Content == other.Content && reflect.DeepEqual(m.Metadata, other.Metadata)
}

// detach copies the slice-valued metadata so the returned message does
// not alias stored state. The plan pointer is shared: plans are
// immutable once received.
func (m Message) detach() Message {
	if m.Metadata.Files != nil {
		m.Metadata.Files = append([]FileAttachment(nil), m.Metadata.Files...)
	}
	if m.Metadata.Suggestions != nil {
		m.Metadata.Suggestions = append([]string(nil), m.Metadata.Suggestions...)
	}
	return m
}
