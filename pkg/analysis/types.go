package analysis

import (
	"strings"
	"time"
)

// Status is the coarse lifecycle status of a query as reported by the
// analysis backend.
type Status string

const (
	StatusProcessing      Status = "processing"
	StatusPendingApproval Status = "pending_approval"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusRejected        Status = "rejected"
)

// Terminal reports whether no further stream updates are expected for a
// query in this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// StepStatus is the lifecycle status of a single agent's contribution.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepProcessing StepStatus = "processing"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// Settled reports whether a step has reached a state it must not leave.
func (s StepStatus) Settled() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// AgentStep is one agent's contribution to a run. StepID is the stable
// identity used for deduplication across partial updates.
type AgentStep struct {
	StepID      string     `json:"step_id"`
	AgentName   string     `json:"agent_name"`
	Status      StepStatus `json:"status"`
	ActionLabel string     `json:"action_label,omitempty"`
	Reasoning   string     `json:"reasoning,omitempty"`
}

// PlanAgent is one entry of an execution plan: an agent name plus a
// human-readable summary of what it covers.
type PlanAgent struct {
	Name     string `json:"name"`
	Coverage string `json:"coverage,omitempty"`
}

// ExecutionPlan is the backend-proposed ordered list of agents for a
// query. It is immutable once received.
type ExecutionPlan struct {
	QueryID string      `json:"query_id,omitempty"`
	Agents  []PlanAgent `json:"agents"`
	Summary string      `json:"summary,omitempty"`
}

// AgentNames returns the plan's agent names in plan order.
func (p *ExecutionPlan) AgentNames() []string {
	if p == nil {
		return nil
	}
	out := make([]string, 0, len(p.Agents))
	for _, a := range p.Agents {
		out = append(out, a.Name)
	}
	return out
}

// SynthesisAgent matches agent names that play the synthesis role. The
// synthesizer appears twice in a run (initial planning and final
// synthesis) and is excluded from position-based completion inference.
func SynthesisAgent(name string) bool {
	return strings.Contains(strings.ToLower(name), "synthes")
}

// Report carries the nested structured sections of an analysis result.
// Sections accumulate across partial updates and are never overwritten
// wholesale; see MergeReport.
type Report struct {
	Areas           map[string]any `json:"areas,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
	NextSteps       []string       `json:"next_steps,omitempty"`
	AgentResponses  map[string]any `json:"agent_responses,omitempty"`
}

// Empty reports whether the report carries no sections at all.
func (r *Report) Empty() bool {
	if r == nil {
		return true
	}
	return len(r.Areas) == 0 && len(r.Recommendations) == 0 &&
		len(r.NextSteps) == 0 && len(r.AgentResponses) == 0
}

// Snapshot is the accumulated view of one query's progress. It is only
// ever produced by Merge; callers treat it as immutable.
type Snapshot struct {
	QueryID         string         `json:"query_id"`
	Status          Status         `json:"status"`
	Progress        int            `json:"progress"`
	Steps           []AgentStep    `json:"steps,omitempty"`
	Plan            *ExecutionPlan `json:"execution_plan,omitempty"`
	CurrentAgent    string         `json:"current_agent,omitempty"`
	Result          string         `json:"result,omitempty"`
	Report          *Report        `json:"report,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	StartTime       time.Time      `json:"start_time,omitzero"`
	EndTime         time.Time      `json:"end_time,omitzero"`
}

// Step returns the step with the given id, if present.
func (s *Snapshot) Step(stepID string) (AgentStep, bool) {
	if s == nil {
		return AgentStep{}, false
	}
	for _, st := range s.Steps {
		if st.StepID == stepID {
			return st, true
		}
	}
	return AgentStep{}, false
}

// Update is a partial snapshot received from the stream. Scalar fields
// use pointers so "absent" and "zero" stay distinguishable; absent
// fields leave the previous snapshot value untouched.
type Update struct {
	QueryID         string         `json:"query_id,omitempty"`
	Status          Status         `json:"status,omitempty"`
	Progress        *int           `json:"progress,omitempty"`
	Steps           []AgentStep    `json:"steps,omitempty"`
	Plan            *ExecutionPlan `json:"execution_plan,omitempty"`
	CurrentAgent    *string        `json:"current_agent,omitempty"`
	Result          *string        `json:"result,omitempty"`
	Report          *Report        `json:"report,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	StartTime       *time.Time     `json:"start_time,omitempty"`
	EndTime         *time.Time     `json:"end_time,omitempty"`
}

// Query identifies one unit of work submitted to the backend. Immutable
// once created.
type Query struct {
	QueryID       string    `json:"query_id"`
	Text          string    `json:"text"`
	ParentEntryID string    `json:"parent_entry_id,omitempty"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// FollowUp reports whether the query is chained to a prior entry.
func (q Query) FollowUp() bool { return q.ParentEntryID != "" }
