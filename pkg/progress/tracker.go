package progress

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentboard/agentboard/pkg/analysis"
)

// DefaultGrace is how long a previously-current agent keeps its displayed
// "processing" state after the backend has moved on. Rapid agent handoffs
// otherwise flash through the list faster than a user can read them.
const DefaultGrace = 2 * time.Second

// AgentView is one display-ready row of the per-agent progress list.
type AgentView struct {
	Agent       string
	Status      analysis.StepStatus
	ActionLabel string
}

// Tracker derives a display-ready, plan-ordered agent status list from
// accumulated snapshots. Completed statuses are monotonic: once an agent
// is shown completed it never goes back to pending or processing.
//
// The tracker separates authoritative state (what the snapshot implies)
// from displayed state (what the UI shows). Displayed state may lag by a
// grace interval when the current agent changes; authoritative state
// never lags and is what callers must use for done-ness decisions.
type Tracker struct {
	mu    sync.Mutex
	clock Clock
	grace time.Duration

	plan       []string
	labels     map[string]string
	statuses   map[string]analysis.StepStatus
	held       map[string]analysis.StepStatus
	holdTimers map[string]Timer

	current  string
	terminal bool

	onChange func()
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the timer source, used by tests.
func WithClock(c Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithGrace overrides the delayed-transition interval.
func WithGrace(d time.Duration) Option {
	return func(t *Tracker) { t.grace = d }
}

// WithOnChange registers a callback invoked whenever a held display
// transition commits asynchronously. Snapshot-driven changes are visible
// to the caller directly after Observe and do not fire it.
func WithOnChange(f func()) Option {
	return func(t *Tracker) { t.onChange = f }
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		clock:      SystemClock(),
		grace:      DefaultGrace,
		labels:     map[string]string{},
		statuses:   map[string]analysis.StepStatus{},
		held:       map[string]analysis.StepStatus{},
		holdTimers: map[string]Timer{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Observe folds a merged snapshot into the tracker.
func (t *Tracker) Observe(snap *analysis.Snapshot) {
	if t == nil || snap == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.plan) == 0 && snap.Plan != nil {
		t.seedPlanLocked(snap.Plan)
	}

	prevCurrent := t.current

	// Steps are authoritative for the agents they name.
	for _, st := range snap.Steps {
		if st.AgentName == "" {
			continue
		}
		t.setStatusLocked(st.AgentName, st.Status)
		if st.ActionLabel != "" {
			t.labels[st.AgentName] = st.ActionLabel
		}
	}

	if snap.CurrentAgent != "" && !snap.Status.Terminal() {
		t.current = snap.CurrentAgent
		t.setStatusLocked(snap.CurrentAgent, analysis.StepProcessing)
		t.inferPriorCompletionsLocked(snap.CurrentAgent)
	}

	if prevCurrent != "" && prevCurrent != t.current {
		t.holdHandoffLocked(prevCurrent)
	}

	t.maybeCompleteSynthesisLocked()

	if snap.Status == analysis.StatusCompleted {
		t.finishLocked()
	}
}

func (t *Tracker) seedPlanLocked(plan *analysis.ExecutionPlan) {
	seen := map[string]bool{}
	for _, a := range plan.Agents {
		if a.Name == "" || seen[a.Name] {
			continue
		}
		seen[a.Name] = true
		t.plan = append(t.plan, a.Name)
		if _, ok := t.statuses[a.Name]; !ok {
			t.statuses[a.Name] = analysis.StepPending
		}
		if a.Coverage != "" {
			t.labels[a.Name] = a.Coverage
		}
	}
	log.Debug().Str("component", "progress").Strs("agents", t.plan).Msg("seeded execution plan")
}

// setStatusLocked applies the monotonicity rule: completed never regresses
// to pending or processing.
func (t *Tracker) setStatusLocked(agent string, status analysis.StepStatus) {
	if status == "" {
		return
	}
	if t.statuses[agent] == analysis.StepCompleted && !status.Settled() {
		return
	}
	t.statuses[agent] = status
}

// inferPriorCompletionsLocked marks every plan agent positioned before the
// current one as completed. The backend does not emit an explicit
// completion event for each agent before advancing, so this is a
// best-effort smoothing heuristic, not a contract.
func (t *Tracker) inferPriorCompletionsLocked(current string) {
	pos := -1
	for i, name := range t.plan {
		if name == current {
			pos = i
			break
		}
	}
	if pos < 0 {
		return
	}
	for _, name := range t.plan[:pos] {
		if analysis.SynthesisAgent(name) {
			continue
		}
		if t.statuses[name].Settled() {
			continue
		}
		t.statuses[name] = analysis.StepCompleted
	}
}

// holdHandoffLocked keeps the handed-off agent visually processing for the
// grace interval before showing its (already authoritative) completion.
func (t *Tracker) holdHandoffLocked(agent string) {
	if t.grace <= 0 || t.terminal {
		return
	}
	if t.statuses[agent] != analysis.StepCompleted {
		return
	}
	if _, ok := t.held[agent]; ok {
		return
	}
	t.held[agent] = analysis.StepProcessing
	t.holdTimers[agent] = t.clock.AfterFunc(t.grace, func() {
		t.commitHold(agent)
	})
	log.Trace().Str("component", "progress").Str("agent", agent).Dur("grace", t.grace).Msg("holding agent handoff")
}

func (t *Tracker) commitHold(agent string) {
	t.mu.Lock()
	_, ok := t.held[agent]
	delete(t.held, agent)
	delete(t.holdTimers, agent)
	onChange := t.onChange
	t.mu.Unlock()
	if ok && onChange != nil {
		onChange()
	}
}

// maybeCompleteSynthesisLocked completes the synthesis agent once every
// other plan agent is settled. The synthesizer runs at both ends of a
// plan, so position-based inference does not apply to it.
func (t *Tracker) maybeCompleteSynthesisLocked() {
	var synth []string
	for _, name := range t.plan {
		if analysis.SynthesisAgent(name) {
			synth = append(synth, name)
		}
	}
	if len(synth) == 0 {
		return
	}
	for _, name := range t.plan {
		if analysis.SynthesisAgent(name) {
			continue
		}
		if !t.statuses[name].Settled() {
			return
		}
	}
	for _, name := range synth {
		if name == t.current {
			continue
		}
		t.setStatusLocked(name, analysis.StepCompleted)
	}
}

// finishLocked applies the terminal policy: everything not failed or
// skipped is completed, and pending display holds are dropped so the
// final state shows immediately.
func (t *Tracker) finishLocked() {
	t.terminal = true
	for _, name := range t.plan {
		if _, ok := t.statuses[name]; !ok {
			t.statuses[name] = analysis.StepPending
		}
	}
	for name, status := range t.statuses {
		if status == analysis.StepFailed || status == analysis.StepSkipped {
			continue
		}
		t.statuses[name] = analysis.StepCompleted
	}
	t.dropHoldsLocked()
	t.current = ""
}

func (t *Tracker) dropHoldsLocked() {
	for name, timer := range t.holdTimers {
		timer.Stop()
		delete(t.holdTimers, name)
	}
	for name := range t.held {
		delete(t.held, name)
	}
}

// Reset cancels all scheduled transitions and clears tracker state.
// Called when a new query supersedes the tracked one.
func (t *Tracker) Reset() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropHoldsLocked()
	t.plan = nil
	t.labels = map[string]string{}
	t.statuses = map[string]analysis.StepStatus{}
	t.current = ""
	t.terminal = false
}

// View returns the display-ready agent list in plan order. Agents that
// report steps without appearing in the plan are tracked for status but
// not shown; the plan establishes the visible ordering.
func (t *Tracker) View() []AgentView {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]AgentView, 0, len(t.plan))
	for _, name := range t.plan {
		status := t.statuses[name]
		if held, ok := t.held[name]; ok {
			status = held
		}
		out = append(out, AgentView{
			Agent:       name,
			Status:      status,
			ActionLabel: t.labels[name],
		})
	}
	return out
}

// Current returns the agent the backend most recently reported as live.
func (t *Tracker) Current() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}
