package approval

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// State is the approval gate's position in its lifecycle.
type State string

const (
	// StateNoPlan means no execution plan is awaiting user action.
	StateNoPlan State = "no_plan"
	// StatePlanPresented means a plan was shown and awaits approval.
	StatePlanPresented State = "plan_presented"
	// StateApproved means the user approved the presented plan.
	StateApproved State = "approved"
	// StateSuperseded means the user started an unrelated query instead
	// of approving; the presented plan is inert.
	StateSuperseded State = "superseded"
)

// ErrNoPlanPresented is returned when approval is requested but no plan
// is awaiting action.
var ErrNoPlanPresented = errors.New("approval: no plan presented")

// ErrQueryMismatch is returned when the approval targets a different
// query than the presented plan.
var ErrQueryMismatch = errors.New("approval: query id does not match presented plan")

// Gate tracks whether execution of a proposed plan has been cleared by
// the user. Approve is idempotent: a second call for the same query while
// the first is in flight reports not-first and must be suppressed by the
// caller.
type Gate struct {
	mu      sync.Mutex
	state   State
	queryID string
}

func NewGate() *Gate {
	return &Gate{state: StateNoPlan}
}

// Present records that the backend proposed a plan for the given query.
func (g *Gate) Present(queryID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = StatePlanPresented
	g.queryID = queryID
	log.Debug().Str("component", "approval").Str("query_id", queryID).Msg("plan presented")
}

// Approve transitions planPresented -> approved. The first call for the
// presented query returns first=true; repeat calls return first=false so
// double-clicks do not resubmit.
func (g *Gate) Approve(queryID string) (first bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case StateApproved:
		if queryID == g.queryID {
			return false, nil
		}
		return false, ErrQueryMismatch
	case StatePlanPresented:
		if queryID != g.queryID {
			return false, ErrQueryMismatch
		}
		g.state = StateApproved
		log.Info().Str("component", "approval").Str("query_id", queryID).Msg("plan approved")
		return true, nil
	default:
		return false, ErrNoPlanPresented
	}
}

// RevertToPresented returns an approved gate to planPresented, so the
// plan can be approved again after the approval could not be delivered
// to the backend.
func (g *Gate) RevertToPresented() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateApproved {
		log.Debug().Str("component", "approval").Str("query_id", g.queryID).Msg("approval reverted, plan presented again")
		g.state = StatePlanPresented
	}
}

// Supersede marks the presented plan inert because the user moved on.
func (g *Gate) Supersede() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StatePlanPresented {
		log.Debug().Str("component", "approval").Str("query_id", g.queryID).Msg("plan superseded")
		g.state = StateSuperseded
	}
}

// Reset returns the gate to its initial state, e.g. after a rejection or
// when a new conversation turn begins.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = StateNoPlan
	g.queryID = ""
}

// State returns the current gate state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// PendingQueryID returns the query whose plan awaits action, if any.
func (g *Gate) PendingQueryID() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StatePlanPresented {
		return "", false
	}
	return g.queryID, true
}

// Approved reports whether the user has approved the presented plan.
func (g *Gate) Approved() bool {
	return g.State() == StateApproved
}
