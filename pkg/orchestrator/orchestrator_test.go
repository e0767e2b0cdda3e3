package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentboard/agentboard/pkg/analysis"
	"github.com/agentboard/agentboard/pkg/backend"
	"github.com/agentboard/agentboard/pkg/conversation"
	"github.com/agentboard/agentboard/pkg/persistence/chatstore"
	"github.com/agentboard/agentboard/pkg/progress"
	"github.com/agentboard/agentboard/pkg/stream"
)

type fakeBackend struct {
	mu          sync.Mutex
	nextQueryID string
	submitErr   error
	approvalErr error
	submissions []string
	followups   []string
	approvals   []string
	fetchCalls  int
	fetchResult *analysis.Snapshot
	fetchErr    error
	failedFiles []backend.FailedFile
	persisted   []conversation.Message
}

func (f *fakeBackend) SubmitQuery(_ context.Context, _, text, _ string) (backend.SubmitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return backend.SubmitResponse{}, f.submitErr
	}
	f.submissions = append(f.submissions, text)
	return backend.SubmitResponse{QueryID: f.nextQueryID}, nil
}

func (f *fakeBackend) SubmitQueryWithFiles(_ context.Context, _, text string, files []backend.File, onProgress func(pct int)) (backend.SubmitResponse, []backend.FailedFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return backend.SubmitResponse{}, nil, f.submitErr
	}
	if onProgress != nil {
		onProgress(50)
		onProgress(100)
	}
	f.submissions = append(f.submissions, text)
	return backend.SubmitResponse{QueryID: f.nextQueryID}, f.failedFiles, nil
}

func (f *fakeBackend) SubmitFollowup(_ context.Context, parentQueryID, _ string) (backend.SubmitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return backend.SubmitResponse{}, f.submitErr
	}
	f.followups = append(f.followups, parentQueryID)
	return backend.SubmitResponse{QueryID: f.nextQueryID}, nil
}

func (f *fakeBackend) SubmitApproval(_ context.Context, queryID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.approvalErr != nil {
		err := f.approvalErr
		f.approvalErr = nil
		return err
	}
	f.approvals = append(f.approvals, queryID)
	return nil
}

func (f *fakeBackend) FetchFullResult(_ context.Context, queryID string) (*analysis.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if f.fetchResult != nil {
		return f.fetchResult, nil
	}
	return &analysis.Snapshot{
		QueryID:  queryID,
		Status:   analysis.StatusCompleted,
		Progress: 100,
		Result:   "final report",
	}, nil
}

func (f *fakeBackend) PersistChatMessage(_ context.Context, _ string, msg conversation.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persisted = append(f.persisted, msg)
	return nil
}

func (f *fakeBackend) counts() (submissions, followups, approvals, fetches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions), len(f.followups), len(f.approvals), f.fetchCalls
}

type harness struct {
	bus  *gochannel.GoChannel
	be   *fakeBackend
	mgr  *stream.Manager
	orch *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bus := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	be := &fakeBackend{nextQueryID: "q1"}
	mgr := stream.NewManager(func(string) (message.Subscriber, bool, error) {
		return bus, false, nil
	})
	orch := New(Config{
		ProjectID: "p1",
		Backend:   be,
		Streams:   mgr,
		// Display grace is cosmetic; tests assert authoritative state.
		TrackerOptions: []progress.Option{progress.WithGrace(0)},
	})
	t.Cleanup(orch.Close)
	return &harness{bus: bus, be: be, mgr: mgr, orch: orch}
}

func (h *harness) publish(t *testing.T, queryID string, ev stream.Event) {
	t.Helper()
	payload, err := ev.Marshal()
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(stream.Topic(queryID), message.NewMessage(watermill.NewUUID(), payload)))
}

func newSeededHistory(t *testing.T) *chatstore.MemoryStore {
	t.Helper()
	s := chatstore.NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Upsert(context.Background(), "p1", conversation.Message{
		ID: "m1", Role: conversation.RoleUser, Content: "hi", Timestamp: base,
	}))
	require.NoError(t, s.Upsert(context.Background(), "p1", conversation.Message{
		ID: "m2", Role: conversation.RoleAssistant, Content: "report", Timestamp: base.Add(time.Minute),
		Metadata: conversation.Metadata{QueryID: "q0", HasResult: true},
	}))
	return s
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

func testPlan(queryID string) *analysis.ExecutionPlan {
	return &analysis.ExecutionPlan{
		QueryID: queryID,
		Agents: []analysis.PlanAgent{
			{Name: "Market Analyst", Coverage: "market sizing"},
			{Name: "Risk Analyst", Coverage: "downside scenarios"},
			{Name: "Synthesizer", Coverage: "final report"},
		},
	}
}

func TestSubmit_InitialQueryPresentsPlan(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.orch.Submit(context.Background(), "evaluate the expansion"))
	submissions, followups, _, _ := h.be.counts()
	assert.Equal(t, 1, submissions)
	assert.Equal(t, 0, followups)

	h.publish(t, "q1", stream.Event{Kind: stream.KindUpdate, QueryID: "q1", Update: &analysis.Update{
		Status: analysis.StatusPendingApproval,
		Plan:   testPlan("q1"),
	}})

	require.Eventually(t, func() bool {
		_, ok := h.orch.PendingPlan()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	msg, _ := h.orch.PendingPlan()
	assert.Equal(t, conversation.RoleAssistant, msg.Role)
	assert.Contains(t, msg.Content, "Market Analyst")
	require.NotNil(t, msg.Metadata.Plan)

	view := h.orch.AgentProgress()
	require.Len(t, view, 3)
	assert.Equal(t, analysis.StepPending, view[0].Status)
}

func TestApprove_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Submit(context.Background(), "evaluate"))
	h.publish(t, "q1", stream.Event{Kind: stream.KindUpdate, QueryID: "q1", Update: &analysis.Update{
		Status: analysis.StatusPendingApproval,
		Plan:   testPlan("q1"),
	}})
	require.Eventually(t, func() bool {
		_, ok := h.orch.PendingPlan()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.orch.Approve(context.Background(), ""))
	require.NoError(t, h.orch.Approve(context.Background(), ""))

	_, _, approvals, _ := h.be.counts()
	assert.Equal(t, 1, approvals)
	assert.True(t, h.orch.HasUserApproved())
}

func TestApprove_RetryAfterDeliveryFailure(t *testing.T) {
	h := newHarness(t)
	h.be.approvalErr = assert.AnError
	require.NoError(t, h.orch.Submit(context.Background(), "evaluate"))
	h.publish(t, "q1", stream.Event{Kind: stream.KindUpdate, QueryID: "q1", Update: &analysis.Update{
		Status: analysis.StatusPendingApproval,
		Plan:   testPlan("q1"),
	}})
	require.Eventually(t, func() bool {
		_, ok := h.orch.PendingPlan()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	// The backend never saw the first approval, so the plan must stay
	// approvable instead of sticking in the approved state.
	require.Error(t, h.orch.Approve(context.Background(), ""))
	assert.False(t, h.orch.HasUserApproved())
	_, pending := h.orch.PendingPlan()
	assert.True(t, pending)

	require.NoError(t, h.orch.Approve(context.Background(), ""))
	_, _, approvals, _ := h.be.counts()
	assert.Equal(t, 1, approvals)
	assert.True(t, h.orch.HasUserApproved())
}

func TestCompletion_FetchesAuthoritativeResultOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Submit(context.Background(), "evaluate"))

	h.publish(t, "q1", stream.Event{Kind: stream.KindUpdate, QueryID: "q1", Update: &analysis.Update{
		Status:       analysis.StatusProcessing,
		Progress:     intPtr(40),
		Plan:         testPlan("q1"),
		CurrentAgent: strPtr("Market Analyst"),
	}})
	// The racing pair: a 100% completed update and the done signal. The
	// fetch must run exactly once.
	h.publish(t, "q1", stream.Event{Kind: stream.KindUpdate, QueryID: "q1", Update: &analysis.Update{
		Status:   analysis.StatusCompleted,
		Progress: intPtr(100),
	}})
	h.publish(t, "q1", stream.Event{Kind: stream.KindDone, QueryID: "q1", Update: &analysis.Update{
		Status: analysis.StatusCompleted,
	}})

	require.Eventually(t, func() bool {
		msg, ok := h.orch.Store().Get("result-q1")
		return ok && msg.Metadata.HasResult
	}, 2*time.Second, 10*time.Millisecond)

	msg, _ := h.orch.Store().Get("result-q1")
	assert.Equal(t, "final report", msg.Content)

	time.Sleep(100 * time.Millisecond)
	_, _, _, fetches := h.be.counts()
	assert.Equal(t, 1, fetches)

	assert.False(t, h.orch.IsStreaming())
	assert.Equal(t, StateIdle, h.orch.State())
	assert.Nil(t, h.mgr.Active())

	for _, v := range h.orch.AgentProgress() {
		assert.Equal(t, analysis.StepCompleted, v.Status)
	}
}

func TestSubmit_FollowUpSkipsApprovalFlow(t *testing.T) {
	h := newHarness(t)
	h.orch.Store().Upsert(conversation.Message{
		ID:        "result-q0",
		Role:      conversation.RoleAssistant,
		Content:   "prior report",
		Timestamp: time.Now().Add(-time.Minute),
		Metadata:  conversation.Metadata{QueryID: "q0", HasResult: true},
	})

	require.NoError(t, h.orch.Submit(context.Background(), "and what about pricing?"))
	submissions, followups, _, _ := h.be.counts()
	assert.Equal(t, 0, submissions)
	assert.Equal(t, 1, followups)
	h.be.mu.Lock()
	assert.Equal(t, "q0", h.be.followups[0])
	h.be.mu.Unlock()

	// Even if the backend emits a plan for a follow-up, it is not
	// presented for approval.
	h.publish(t, "q1", stream.Event{Kind: stream.KindUpdate, QueryID: "q1", Update: &analysis.Update{
		Status: analysis.StatusPendingApproval,
		Plan:   testPlan("q1"),
	}})
	require.Eventually(t, func() bool {
		snap, ok := h.orch.Snapshot()
		return ok && snap.Status == analysis.StatusPendingApproval
	}, 2*time.Second, 10*time.Millisecond)

	_, pending := h.orch.PendingPlan()
	assert.False(t, pending)
}

func TestSubmit_SupersedesPendingPlan(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Submit(context.Background(), "first question"))
	h.publish(t, "q1", stream.Event{Kind: stream.KindUpdate, QueryID: "q1", Update: &analysis.Update{
		Status: analysis.StatusPendingApproval,
		Plan:   testPlan("q1"),
	}})
	require.Eventually(t, func() bool {
		_, ok := h.orch.PendingPlan()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	h.be.mu.Lock()
	h.be.nextQueryID = "q2"
	h.be.mu.Unlock()
	require.NoError(t, h.orch.Submit(context.Background(), "different question"))

	_, pending := h.orch.PendingPlan()
	assert.False(t, pending)
	require.NotNil(t, h.mgr.Active())
	assert.Equal(t, "q2", h.mgr.Active().QueryID())

	// Late events for the superseded query must not trigger its fetch.
	h.publish(t, "q1", stream.Event{Kind: stream.KindDone, QueryID: "q1", Update: &analysis.Update{
		Status: analysis.StatusCompleted,
	}})
	time.Sleep(100 * time.Millisecond)
	_, _, _, fetches := h.be.counts()
	assert.Equal(t, 0, fetches)
}

func TestSupersede_DropsEventInFlightAcrossClose(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Submit(context.Background(), "first question"))

	h.be.mu.Lock()
	h.be.nextQueryID = "q2"
	h.be.mu.Unlock()
	require.NoError(t, h.orch.Submit(context.Background(), "different question"))

	// A done for q1 that was already dispatched when its handle closed
	// arrives after q2 became active. It must not finalize q2.
	h.orch.handleDone("q1", analysis.Update{Status: analysis.StatusCompleted})

	_, _, _, fetches := h.be.counts()
	assert.Equal(t, 0, fetches)
	_, ok := h.orch.Store().Get("result-q1")
	assert.False(t, ok)
	_, ok = h.orch.Store().Get("result-q2")
	assert.False(t, ok)
	assert.True(t, h.orch.IsStreaming())
	assert.Equal(t, StateStreaming, h.orch.State())
	require.NotNil(t, h.mgr.Active())
	assert.Equal(t, "q2", h.mgr.Active().QueryID())

	// A stale stream error must not clear the live query's indicators
	// either.
	h.orch.handleStreamError("q1", assert.AnError)
	assert.True(t, h.orch.IsStreaming())
}

func TestRejection_TerminalWithReason(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Submit(context.Background(), "do my taxes"))

	h.publish(t, "q1", stream.Event{Kind: stream.KindUpdate, QueryID: "q1", Update: &analysis.Update{
		Status:          analysis.StatusRejected,
		RejectionReason: "tax preparation is out of scope",
	}})

	require.Eventually(t, func() bool {
		_, ok := h.orch.Store().Get("rejected-q1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	msg, _ := h.orch.Store().Get("rejected-q1")
	assert.Equal(t, conversation.RoleSystem, msg.Role)
	assert.Equal(t, "tax preparation is out of scope", msg.Content)

	assert.False(t, h.orch.IsStreaming())
	assert.Equal(t, StateIdle, h.orch.State())
	assert.Nil(t, h.mgr.Active())
	assert.False(t, h.orch.HasUserApproved())

	// Rejection never triggers the result fetch.
	_, _, _, fetches := h.be.counts()
	assert.Equal(t, 0, fetches)
}

func TestRejection_FallbackMessageWhenNoReason(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Submit(context.Background(), "question"))

	h.publish(t, "q1", stream.Event{Kind: stream.KindUpdate, QueryID: "q1", Update: &analysis.Update{
		Status: analysis.StatusRejected,
	}})

	require.Eventually(t, func() bool {
		_, ok := h.orch.Store().Get("rejected-q1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	msg, _ := h.orch.Store().Get("rejected-q1")
	assert.Equal(t, RejectionFallback, msg.Content)
}

func TestFailedFullResult_DiscardedSilently(t *testing.T) {
	h := newHarness(t)
	h.be.fetchResult = &analysis.Snapshot{
		QueryID: "q1",
		Status:  analysis.StatusFailed,
	}
	require.NoError(t, h.orch.Submit(context.Background(), "question"))

	h.publish(t, "q1", stream.Event{Kind: stream.KindDone, QueryID: "q1", Update: &analysis.Update{
		Status: analysis.StatusCompleted,
	}})

	require.Eventually(t, func() bool {
		_, _, _, fetches := h.be.counts()
		return fetches == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return !h.orch.IsStreaming()
	}, 2*time.Second, 10*time.Millisecond)

	// No completion message appears for a failed full result.
	_, ok := h.orch.Store().Get("result-q1")
	assert.False(t, ok)
	assert.Equal(t, StateIdle, h.orch.State())
}

func TestFetchFailure_FallsBackToMergedSnapshot(t *testing.T) {
	h := newHarness(t)
	h.be.fetchErr = assert.AnError
	require.NoError(t, h.orch.Submit(context.Background(), "question"))

	// The merged snapshot carries a streamed result, so it is used as if
	// authoritative when the fetch fails.
	h.publish(t, "q1", stream.Event{Kind: stream.KindUpdate, QueryID: "q1", Update: &analysis.Update{
		Status: analysis.StatusProcessing,
		Result: strPtr("streamed partial report"),
	}})
	h.publish(t, "q1", stream.Event{Kind: stream.KindDone, QueryID: "q1", Update: &analysis.Update{
		Status: analysis.StatusCompleted,
	}})

	require.Eventually(t, func() bool {
		_, ok := h.orch.Store().Get("result-q1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	msg, _ := h.orch.Store().Get("result-q1")
	assert.Equal(t, "streamed partial report", msg.Content)
}

func TestFetchFailure_WithoutContentStaysIncomplete(t *testing.T) {
	h := newHarness(t)
	h.be.fetchErr = assert.AnError
	require.NoError(t, h.orch.Submit(context.Background(), "question"))

	h.publish(t, "q1", stream.Event{Kind: stream.KindDone, QueryID: "q1", Update: &analysis.Update{
		Status: analysis.StatusCompleted,
	}})

	require.Eventually(t, func() bool {
		_, _, _, fetches := h.be.counts()
		return fetches == 1
	}, 2*time.Second, 10*time.Millisecond)

	// No structured content to fall back on: no false completion.
	_, ok := h.orch.Store().Get("result-q1")
	assert.False(t, ok)
}

func TestSubmissionError_ProducesStructuredMessage(t *testing.T) {
	h := newHarness(t)
	h.be.submitErr = &backend.APIError{
		Status:      422,
		Message:     "query too vague",
		Suggestions: []string{"name a specific market"},
	}

	err := h.orch.Submit(context.Background(), "stuff?")
	require.Error(t, err)

	var errMsg conversation.Message
	found := false
	for _, m := range h.orch.Messages() {
		if m.Metadata.Error {
			errMsg = m
			found = true
		}
	}
	require.True(t, found)
	assert.Equal(t, conversation.RoleSystem, errMsg.Role)
	assert.Contains(t, errMsg.Content, "query too vague")
	assert.Equal(t, []string{"name a specific market"}, errMsg.Metadata.Suggestions)
	assert.False(t, errMsg.Metadata.Retryable)

	assert.False(t, h.orch.IsStreaming())
	assert.Equal(t, StateIdle, h.orch.State())
	assert.Equal(t, 0, h.orch.UploadProgress())
}

func TestResync(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.orch.Resync(context.Background()), ErrReloadRequired)

	require.NoError(t, h.orch.Submit(context.Background(), "question"))
	require.NoError(t, h.orch.Resync(context.Background()))
	require.NotNil(t, h.mgr.Active())
	assert.Equal(t, "q1", h.mgr.Active().QueryID())
	assert.True(t, h.orch.IsStreaming())
}

func TestStreamError_StopsIndicators(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Submit(context.Background(), "question"))
	require.True(t, h.orch.IsStreaming())

	// Dropping the bus ends the subscription without a terminal event.
	require.NoError(t, h.bus.Close())

	require.Eventually(t, func() bool {
		return !h.orch.IsStreaming()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateIdle, h.orch.State())
	assert.Empty(t, h.orch.AgentProgress())
}

func TestSubmitWithFiles_MarksFailedUploads(t *testing.T) {
	h := newHarness(t)
	h.be.failedFiles = []backend.FailedFile{{Name: "big.pdf", Reason: "too large"}}

	files := []backend.File{
		{Name: "notes.txt", Size: 100},
		{Name: "big.pdf", Size: 1 << 30},
	}
	require.NoError(t, h.orch.SubmitWithFiles(context.Background(), "analyze these", files, nil))

	var userMsg conversation.Message
	for _, m := range h.orch.Messages() {
		if m.Role == conversation.RoleUser {
			userMsg = m
		}
	}
	require.Len(t, userMsg.Metadata.Files, 2)
	assert.False(t, userMsg.Metadata.Files[0].Failed)
	assert.True(t, userMsg.Metadata.Files[1].Failed)

	// The upload indicator resets once submission settles.
	assert.Equal(t, 0, h.orch.UploadProgress())
}

func TestHydrateHistory_MergesWithoutDuplicates(t *testing.T) {
	bus := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	be := &fakeBackend{nextQueryID: "q1"}
	mgr := stream.NewManager(func(string) (message.Subscriber, bool, error) {
		return bus, false, nil
	})
	history := newSeededHistory(t)
	orch := New(Config{
		ProjectID:      "p1",
		Backend:        be,
		Streams:        mgr,
		History:        history,
		TrackerOptions: []progress.Option{progress.WithGrace(0)},
	})
	t.Cleanup(orch.Close)

	require.NoError(t, orch.HydrateHistory(context.Background()))
	require.NoError(t, orch.HydrateHistory(context.Background()))

	assert.Equal(t, 2, orch.Store().Len())
	assert.False(t, orch.IsChatLoading())

	view := orch.Messages()
	require.Len(t, view, 2)
	assert.Equal(t, "m1", view[0].ID)
	assert.Equal(t, "m2", view[1].ID)
}
