package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/agentboard/agentboard/pkg/analysis"
	"github.com/agentboard/agentboard/pkg/approval"
	"github.com/agentboard/agentboard/pkg/backend"
	"github.com/agentboard/agentboard/pkg/conversation"
	"github.com/agentboard/agentboard/pkg/persistence/chatstore"
	"github.com/agentboard/agentboard/pkg/progress"
	"github.com/agentboard/agentboard/pkg/stream"
)

// RejectionFallback is shown when the backend declines a query without
// giving a reason.
const RejectionFallback = "This request is outside the scope of what the analysis agents can help with."

// ErrReloadRequired is returned by Resync when no query identity is
// known; operating on stale identity is worse than a full reload.
var ErrReloadRequired = errors.New("orchestrator: no known query id, full reload required")

// Backend is the slice of the analysis API the orchestrator depends on.
// *backend.Client satisfies it; tests substitute fakes.
type Backend interface {
	SubmitQuery(ctx context.Context, projectID, text, parentEntryID string) (backend.SubmitResponse, error)
	SubmitQueryWithFiles(ctx context.Context, projectID, text string, files []backend.File, onProgress func(pct int)) (backend.SubmitResponse, []backend.FailedFile, error)
	SubmitFollowup(ctx context.Context, parentQueryID, text string) (backend.SubmitResponse, error)
	SubmitApproval(ctx context.Context, queryID, feedback string) error
	FetchFullResult(ctx context.Context, queryID string) (*analysis.Snapshot, error)
	PersistChatMessage(ctx context.Context, projectID string, msg conversation.Message) error
}

var _ Backend = &backend.Client{}

// State is the orchestrator's coarse position in its lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateSubmitting State = "submitting"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
)

// Config wires the orchestrator's collaborators.
type Config struct {
	ProjectID string
	Backend   Backend
	Streams   *stream.Manager
	// History is the optional local persistence layer; conversation
	// writes flow through it fire-and-forget.
	History chatstore.Store
	// Tracker options, e.g. a fake clock in tests.
	TrackerOptions []progress.Option
	// OnChange is invoked after any externally visible state change.
	OnChange func()
}

// Orchestrator coordinates one conversation's query lifecycle: it picks
// the submission path, owns the single live stream subscription, folds
// stream events into the authoritative snapshot, and performs the
// final-result fetch-and-reconcile step.
//
// All mutation happens through its public operations and the stream
// callbacks; both serialize on one mutex, matching the single-threaded
// cooperative model the stream contract assumes.
type Orchestrator struct {
	projectID string
	backend   Backend
	streams   *stream.Manager
	store     *conversation.Store
	tracker   *progress.Tracker
	gate      *approval.Gate
	history   chatstore.Store
	onChange  func()

	mu            sync.Mutex
	state         State
	snapshot      *analysis.Snapshot
	activeQuery   *analysis.Query
	finalFetched  map[string]bool
	isStreaming   bool
	isChatLoading bool
	uploadPct     int
}

func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		projectID:    cfg.ProjectID,
		backend:      cfg.Backend,
		streams:      cfg.Streams,
		store:        conversation.NewStore(),
		gate:         approval.NewGate(),
		history:      cfg.History,
		onChange:     cfg.OnChange,
		state:        StateIdle,
		finalFetched: map[string]bool{},
	}
	trackerOpts := append([]progress.Option{progress.WithOnChange(o.notify)}, cfg.TrackerOptions...)
	o.tracker = progress.NewTracker(trackerOpts...)
	o.store.OnUpsert(o.persistMessage)
	return o
}

func (o *Orchestrator) notify() {
	if o.onChange != nil {
		o.onChange()
	}
}

// persistMessage writes a changed message through to local history and
// the backend. Both are fire-and-forget: failures are logged and never
// block or roll back the in-memory conversation.
func (o *Orchestrator) persistMessage(msg conversation.Message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if o.history != nil {
			if err := o.history.Upsert(ctx, o.projectID, msg); err != nil {
				log.Warn().Err(err).Str("component", "orchestrator").Str("message_id", msg.ID).Msg("local history persist failed")
			}
		}
		if o.backend != nil {
			if err := o.backend.PersistChatMessage(ctx, o.projectID, msg); err != nil {
				log.Warn().Err(err).Str("component", "orchestrator").Str("message_id", msg.ID).Msg("chat message persist failed")
			}
		}
	}()
}

// HydrateHistory merges locally persisted messages into the
// conversation. Live events arriving meanwhile interleave safely
// because ordering comes from timestamps, not insertion.
func (o *Orchestrator) HydrateHistory(ctx context.Context) error {
	if o.history == nil {
		return nil
	}
	o.mu.Lock()
	o.isChatLoading = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.isChatLoading = false
		o.mu.Unlock()
		o.notify()
	}()

	msgs, err := o.history.List(ctx, o.projectID)
	if err != nil {
		return errors.Wrap(err, "orchestrator: hydrate history")
	}
	o.store.Upsert(msgs...)
	return nil
}

// Submit routes a new user message down the initial or follow-up path.
// A plan awaiting approval is superseded: its stream is torn down before
// the new query's stream opens.
func (o *Orchestrator) Submit(ctx context.Context, text string) error {
	return o.submit(ctx, text, nil, nil)
}

// SubmitWithFiles submits a query with file uploads. onProgress receives
// the upload percentage; the indicator resets on every exit path.
func (o *Orchestrator) SubmitWithFiles(ctx context.Context, text string, files []backend.File, onProgress func(pct int)) error {
	return o.submit(ctx, text, files, onProgress)
}

func (o *Orchestrator) submit(ctx context.Context, text string, files []backend.File, onProgress func(pct int)) error {
	if text == "" {
		return errors.New("orchestrator: empty query text")
	}

	o.supersedePendingPlan()

	o.mu.Lock()
	o.state = StateSubmitting
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.uploadPct = 0
		o.mu.Unlock()
		o.notify()
	}()

	now := time.Now().UTC()
	userMsg := conversation.Message{
		ID:        uuid.NewString(),
		Role:      conversation.RoleUser,
		Content:   text,
		Timestamp: now,
	}
	for _, f := range files {
		userMsg.Metadata.Files = append(userMsg.Metadata.Files, conversation.FileAttachment{Name: f.Name, Size: f.Size})
	}
	o.store.Upsert(userMsg)

	parent, followUp := o.store.LatestResultEntry()

	resp, failed, err := o.dispatch(ctx, text, parent, followUp, files, onProgress)
	if err != nil {
		o.mu.Lock()
		o.state = StateIdle
		o.isStreaming = false
		o.mu.Unlock()
		o.store.Upsert(submissionErrorMessage(err))
		return err
	}
	o.markFailedFiles(userMsg.ID, failed)

	query := &analysis.Query{
		QueryID:     resp.QueryID,
		Text:        text,
		SubmittedAt: now,
	}
	if followUp {
		query.ParentEntryID = parent.ID
	}

	o.mu.Lock()
	o.activeQuery = query
	o.snapshot = nil
	o.isStreaming = true
	o.state = StateStreaming
	o.mu.Unlock()
	o.tracker.Reset()

	if _, err := o.streams.Open(ctx, resp.QueryID, o.callbacks(resp.QueryID)); err != nil {
		o.mu.Lock()
		o.state = StateIdle
		o.isStreaming = false
		o.mu.Unlock()
		return errors.Wrap(err, "orchestrator: open stream")
	}

	log.Info().Str("component", "orchestrator").
		Str("query_id", resp.QueryID).
		Bool("follow_up", followUp).
		Msg("query submitted")
	return nil
}

func (o *Orchestrator) dispatch(ctx context.Context, text string, parent conversation.Message, followUp bool, files []backend.File, onProgress func(pct int)) (backend.SubmitResponse, []backend.FailedFile, error) {
	if len(files) > 0 {
		resp, failed, err := o.backend.SubmitQueryWithFiles(ctx, o.projectID, text, files, func(pct int) {
			o.mu.Lock()
			o.uploadPct = pct
			o.mu.Unlock()
			if onProgress != nil {
				onProgress(pct)
			}
			o.notify()
		})
		return resp, failed, err
	}
	if followUp {
		// A completed prior entry exists: chain to it and skip the
		// execution-plan approval flow entirely.
		resp, err := o.backend.SubmitFollowup(ctx, parent.Metadata.QueryID, text)
		return resp, nil, err
	}
	resp, err := o.backend.SubmitQuery(ctx, o.projectID, text, "")
	return resp, nil, err
}

// supersedePendingPlan cancels an unapproved plan and its live stream
// before a new unrelated query starts.
func (o *Orchestrator) supersedePendingPlan() {
	if _, pending := o.gate.PendingQueryID(); pending {
		o.gate.Supersede()
		o.streams.CloseActive()
		o.tracker.Reset()
		o.mu.Lock()
		o.isStreaming = false
		o.mu.Unlock()
	}
	o.gate.Reset()
}

func (o *Orchestrator) markFailedFiles(msgID string, failed []backend.FailedFile) {
	if len(failed) == 0 {
		return
	}
	msg, ok := o.store.Get(msgID)
	if !ok {
		return
	}
	for i := range msg.Metadata.Files {
		for _, f := range failed {
			if msg.Metadata.Files[i].Name == f.Name {
				msg.Metadata.Files[i].Failed = true
			}
		}
	}
	o.store.Upsert(msg)
}

func submissionErrorMessage(err error) conversation.Message {
	msg := conversation.Message{
		ID:        uuid.NewString(),
		Role:      conversation.RoleSystem,
		Content:   fmt.Sprintf("Your query could not be submitted: %s", err),
		Timestamp: time.Now().UTC(),
		Metadata:  conversation.Metadata{Error: true},
	}
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		msg.Metadata.Retryable = apiErr.Retryable()
		if apiErr.Validation() {
			msg.Metadata.Suggestions = apiErr.Suggestions
		}
	} else {
		msg.Metadata.Retryable = true
	}
	return msg
}

// Approve clears the presented plan for execution. It is idempotent: a
// second call while the first is in flight is suppressed.
func (o *Orchestrator) Approve(ctx context.Context, feedback string) error {
	queryID, ok := o.gate.PendingQueryID()
	if !ok {
		return approval.ErrNoPlanPresented
	}
	first, err := o.gate.Approve(queryID)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	if err := o.backend.SubmitApproval(ctx, queryID, feedback); err != nil {
		// The backend never saw the approval; re-present the plan so the
		// user can approve again.
		o.gate.RevertToPresented()
		return errors.Wrap(err, "orchestrator: submit approval")
	}
	o.mu.Lock()
	o.isStreaming = true
	o.mu.Unlock()
	o.notify()
	log.Info().Str("component", "orchestrator").Str("query_id", queryID).Msg("plan approved, processing begins")
	return nil
}

// Resync re-attaches to the in-flight query's stream. Without a known
// query identity it refuses and demands a full reload instead of
// operating on stale state.
func (o *Orchestrator) Resync(ctx context.Context) error {
	o.mu.Lock()
	query := o.activeQuery
	o.mu.Unlock()
	if query == nil {
		return ErrReloadRequired
	}
	if _, err := o.streams.Open(ctx, query.QueryID, o.callbacks(query.QueryID)); err != nil {
		return errors.Wrap(err, "orchestrator: reopen stream")
	}
	o.mu.Lock()
	o.isStreaming = true
	o.state = StateStreaming
	o.mu.Unlock()
	o.notify()
	return nil
}

// Close tears down the live stream and resets transient indicators.
func (o *Orchestrator) Close() {
	o.streams.CloseActive()
	o.tracker.Reset()
	o.mu.Lock()
	o.isStreaming = false
	o.isChatLoading = false
	o.uploadPct = 0
	o.state = StateIdle
	o.mu.Unlock()
}

// ----- stream event handlers -----

// callbacks binds the query id into the stream callbacks. A callback
// already dispatched when its handle is superseded carries the old id,
// so each handler re-checks it against the active query and drops
// mismatches instead of acting on the successor's state.
func (o *Orchestrator) callbacks(queryID string) stream.Callbacks {
	return stream.Callbacks{
		OnUpdate: func(u analysis.Update) { o.handleUpdate(queryID, u) },
		OnDone:   func(u analysis.Update) { o.handleDone(queryID, u) },
		OnError:  func(err error) { o.handleStreamError(queryID, err) },
	}
}

func (o *Orchestrator) handleUpdate(queryID string, u analysis.Update) {
	o.mu.Lock()
	query := o.activeQuery
	if query == nil || query.QueryID != queryID {
		o.mu.Unlock()
		return
	}
	o.snapshot = analysis.Merge(o.snapshot, u)
	snap := o.snapshot
	o.mu.Unlock()

	o.tracker.Observe(snap)

	switch snap.Status {
	case analysis.StatusPendingApproval:
		o.presentPlan(query, snap)
	case analysis.StatusRejected:
		o.handleRejection(query, snap)
		return
	case analysis.StatusCompleted:
		if snap.Progress >= 100 {
			o.finalize(query, snap)
			return
		}
	}
	o.notify()
}

func (o *Orchestrator) handleDone(queryID string, final analysis.Update) {
	o.mu.Lock()
	query := o.activeQuery
	if query == nil || query.QueryID != queryID {
		o.mu.Unlock()
		return
	}
	// The done payload may be partial; merge it but never trust it as
	// the final report.
	o.snapshot = analysis.Merge(o.snapshot, final)
	snap := o.snapshot
	o.mu.Unlock()

	o.tracker.Observe(snap)
	if snap.Status == analysis.StatusRejected {
		o.handleRejection(query, snap)
		return
	}
	o.finalize(query, snap)
}

func (o *Orchestrator) handleStreamError(queryID string, err error) {
	o.mu.Lock()
	stale := o.activeQuery == nil || o.activeQuery.QueryID != queryID
	o.mu.Unlock()
	if stale {
		return
	}
	log.Warn().Err(err).Str("component", "orchestrator").Str("query_id", queryID).Msg("stream failed, live tracking stopped")
	o.tracker.Reset()
	o.mu.Lock()
	o.isStreaming = false
	o.uploadPct = 0
	o.state = StateIdle
	o.mu.Unlock()
	o.notify()
}

// presentPlan records the proposed plan and surfaces it as an
// approval-awaiting message. Follow-up queries never present plans.
func (o *Orchestrator) presentPlan(query *analysis.Query, snap *analysis.Snapshot) {
	if snap.Plan == nil || query.FollowUp() {
		return
	}
	if state := o.gate.State(); state != approval.StateNoPlan {
		return
	}
	o.gate.Present(query.QueryID)
	o.store.Upsert(conversation.Message{
		ID:        "plan-" + query.QueryID,
		Role:      conversation.RoleAssistant,
		Content:   planMessageContent(snap.Plan),
		Timestamp: time.Now().UTC(),
		Metadata: conversation.Metadata{
			QueryID: query.QueryID,
			Plan:    snap.Plan,
		},
	})
}

func planMessageContent(plan *analysis.ExecutionPlan) string {
	if plan.Summary != "" {
		return plan.Summary
	}
	content := "Proposed analysis plan:"
	for _, a := range plan.Agents {
		content += "\n- " + a.Name
		if a.Coverage != "" {
			content += ": " + a.Coverage
		}
	}
	return content
}

// handleRejection is terminal: one system message with the backend's
// reason (or the fixed fallback), stream closed, approval state reset.
func (o *Orchestrator) handleRejection(query *analysis.Query, snap *analysis.Snapshot) {
	reason := snap.RejectionReason
	if reason == "" {
		reason = RejectionFallback
	}
	o.store.Upsert(conversation.Message{
		ID:        "rejected-" + query.QueryID,
		Role:      conversation.RoleSystem,
		Content:   reason,
		Timestamp: time.Now().UTC(),
		Metadata:  conversation.Metadata{QueryID: query.QueryID},
	})
	o.streams.CloseActive()
	o.gate.Reset()
	o.tracker.Reset()
	o.mu.Lock()
	o.isStreaming = false
	o.uploadPct = 0
	o.state = StateIdle
	o.mu.Unlock()
	o.notify()
	log.Info().Str("component", "orchestrator").Str("query_id", query.QueryID).Msg("query rejected")
}

// finalize performs the exactly-once authoritative result fetch. The
// streamed payload is never trusted as the final report; the fetch is
// guarded so racing 100%-progress updates and done signals cannot
// trigger it twice.
func (o *Orchestrator) finalize(query *analysis.Query, snap *analysis.Snapshot) {
	o.mu.Lock()
	if o.finalFetched[query.QueryID] {
		o.mu.Unlock()
		return
	}
	o.finalFetched[query.QueryID] = true
	o.state = StateFinalizing
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	authoritative, err := o.backend.FetchFullResult(ctx, query.QueryID)
	switch {
	case err != nil:
		// Fall back to the best-known merged snapshot. Only treat it as
		// authoritative when it has enough structured content; a false
		// completion is worse than an incomplete one.
		log.Warn().Err(err).Str("component", "orchestrator").Str("query_id", query.QueryID).Msg("full result fetch failed, using merged snapshot")
		if snap.Result == "" && snap.Report.Empty() {
			o.mu.Lock()
			o.finalFetched[query.QueryID] = false
			o.state = StateStreaming
			o.mu.Unlock()
			o.notify()
			return
		}
		authoritative = snap
	case authoritative.Status == analysis.StatusFailed:
		// A failed full result is discarded silently: the backend may
		// still be retrying and a completion message would be false.
		log.Debug().Str("component", "orchestrator").Str("query_id", query.QueryID).Msg("full result reports failure, discarding")
		o.settleTerminal()
		return
	}

	o.mu.Lock()
	o.snapshot = authoritative
	o.mu.Unlock()
	o.tracker.Observe(authoritative)

	o.store.Upsert(conversation.Message{
		ID:        "result-" + query.QueryID,
		Role:      conversation.RoleAssistant,
		Content:   authoritative.Result,
		Timestamp: time.Now().UTC(),
		Metadata: conversation.Metadata{
			QueryID:   query.QueryID,
			HasResult: true,
		},
	})
	o.settleTerminal()
	log.Info().Str("component", "orchestrator").Str("query_id", query.QueryID).Msg("query finalized")
}

func (o *Orchestrator) settleTerminal() {
	o.streams.CloseActive()
	o.gate.Reset()
	o.mu.Lock()
	o.isStreaming = false
	o.uploadPct = 0
	o.state = StateIdle
	o.mu.Unlock()
	o.notify()
}

// ----- accessors for the presentation layer -----

// Messages returns the ordered conversation view.
func (o *Orchestrator) Messages() []conversation.Message {
	return o.store.OrderedView()
}

// Store exposes the conversation store for read access.
func (o *Orchestrator) Store() *conversation.Store { return o.store }

// AgentProgress returns the display-ready per-agent status list.
func (o *Orchestrator) AgentProgress() []progress.AgentView {
	return o.tracker.View()
}

// Snapshot returns a copy of the authoritative snapshot, if any.
func (o *Orchestrator) Snapshot() (analysis.Snapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.snapshot == nil {
		return analysis.Snapshot{}, false
	}
	return *o.snapshot, true
}

// State returns the orchestrator lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// IsStreaming reports whether a live stream is being tracked.
func (o *Orchestrator) IsStreaming() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.isStreaming
}

// IsChatLoading reports whether history hydration is in progress.
func (o *Orchestrator) IsChatLoading() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.isChatLoading
}

// UploadProgress returns the current upload percentage.
func (o *Orchestrator) UploadProgress() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.uploadPct
}

// HasUserApproved reports whether the presented plan was approved.
func (o *Orchestrator) HasUserApproved() bool {
	return o.gate.Approved()
}

// PendingPlan returns the plan message currently awaiting approval.
func (o *Orchestrator) PendingPlan() (conversation.Message, bool) {
	queryID, ok := o.gate.PendingQueryID()
	if !ok {
		return conversation.Message{}, false
	}
	msg, ok := o.store.Get("plan-" + queryID)
	return msg, ok
}
