package conversation

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentboard/agentboard/pkg/analysis"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, role Role, content string, at time.Time) Message {
	return Message{ID: id, Role: role, Content: content, Timestamp: at}
}

func TestStore_UpsertDeduplicates(t *testing.T) {
	s := NewStore()
	n := s.Upsert(msg("m1", RoleUser, "hello", t0))
	assert.Equal(t, 1, n)

	// Same id, same content: skipped.
	n = s.Upsert(msg("m1", RoleUser, "hello", t0))
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, s.Len())

	// Same id, new content: updated in place.
	n = s.Upsert(msg("m1", RoleUser, "hello again", t0))
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.Len())
	got, ok := s.Get("m1")
	require.True(t, ok)
	assert.Equal(t, "hello again", got.Content)
}

func TestStore_UpsertKeepsIdentityFields(t *testing.T) {
	s := NewStore()
	s.Upsert(msg("m1", RoleAssistant, "partial", t0))
	s.Upsert(msg("m1", RoleSystem, "final", t0.Add(time.Minute)))

	got, _ := s.Get("m1")
	assert.Equal(t, RoleAssistant, got.Role)
	assert.Equal(t, t0, got.Timestamp)
	assert.Equal(t, "final", got.Content)
}

func TestStore_NoDuplicatesUnderReplay(t *testing.T) {
	s := NewStore()
	for i := 0; i < 3; i++ {
		for j := 0; j < 5; j++ {
			s.Upsert(msg(fmt.Sprintf("m%d", j), RoleUser, "text", t0.Add(time.Duration(j)*time.Second)))
		}
	}
	view := s.OrderedView()
	require.Len(t, view, 5)
	seen := map[string]bool{}
	for _, m := range view {
		require.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
	}
}

func TestStore_OrderedViewSortsByTimestamp(t *testing.T) {
	s := NewStore()
	// Live events and persisted history arrive interleaved.
	s.Upsert(msg("live-1", RoleAssistant, "later", t0.Add(time.Hour)))
	s.Upsert(msg("hist-1", RoleUser, "earlier", t0))
	s.Upsert(msg("hist-2", RoleAssistant, "middle", t0.Add(time.Minute)))

	view := s.OrderedView()
	require.Len(t, view, 3)
	assert.Equal(t, "hist-1", view[0].ID)
	assert.Equal(t, "hist-2", view[1].ID)
	assert.Equal(t, "live-1", view[2].ID)
}

func TestStore_OrderedViewStableOnEqualTimestamps(t *testing.T) {
	s := NewStore()
	s.Upsert(msg("a", RoleUser, "first", t0))
	s.Upsert(msg("b", RoleUser, "second", t0))
	view := s.OrderedView()
	assert.Equal(t, "a", view[0].ID)
	assert.Equal(t, "b", view[1].ID)
}

func TestStore_PendingPlanIsMostRecent(t *testing.T) {
	s := NewStore()
	planA := &analysis.ExecutionPlan{QueryID: "qa", Agents: []analysis.PlanAgent{{Name: "Market Analyst"}}}
	planB := &analysis.ExecutionPlan{QueryID: "qb", Agents: []analysis.PlanAgent{{Name: "Risk Analyst"}}}

	s.Upsert(Message{ID: "p1", Role: RoleAssistant, Timestamp: t0, Metadata: Metadata{QueryID: "qa", Plan: planA}})
	s.Upsert(Message{ID: "p2", Role: RoleAssistant, Timestamp: t0.Add(time.Minute), Metadata: Metadata{QueryID: "qb", Plan: planB}})

	got, ok := s.PendingPlan()
	require.True(t, ok)
	assert.Equal(t, "p2", got.ID)
	assert.Equal(t, "qb", got.Metadata.QueryID)
}

func TestStore_LatestResultEntry(t *testing.T) {
	s := NewStore()
	_, ok := s.LatestResultEntry()
	assert.False(t, ok)

	s.Upsert(Message{ID: "r1", Role: RoleAssistant, Timestamp: t0, Metadata: Metadata{QueryID: "q1", HasResult: true}})
	s.Upsert(Message{ID: "u1", Role: RoleUser, Timestamp: t0.Add(time.Minute)})
	s.Upsert(Message{ID: "r2", Role: RoleAssistant, Timestamp: t0.Add(2 * time.Minute), Metadata: Metadata{QueryID: "q2", HasResult: true}})

	got, ok := s.LatestResultEntry()
	require.True(t, ok)
	assert.Equal(t, "r2", got.ID)
}

func TestStore_OnUpsertHookFiresOnChangeOnly(t *testing.T) {
	s := NewStore()
	var calls []string
	s.OnUpsert(func(m Message) { calls = append(calls, m.ID) })

	s.Upsert(msg("m1", RoleUser, "hello", t0))
	s.Upsert(msg("m1", RoleUser, "hello", t0))
	s.Upsert(msg("m1", RoleUser, "edited", t0))

	assert.Equal(t, []string{"m1", "m1"}, calls)
}

func TestStore_OrderedViewConcurrentWithUpsert(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			// Tied timestamps force the comparator onto sequence numbers.
			s.Upsert(msg(fmt.Sprintf("m%d", i), RoleUser, "text", t0))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s.OrderedView()
		}
	}()
	wg.Wait()

	assert.Len(t, s.OrderedView(), 200)
}

func TestStore_GetDetachesSliceMetadata(t *testing.T) {
	s := NewStore()
	var hooked []Message
	s.OnUpsert(func(m Message) { hooked = append(hooked, m) })

	s.Upsert(Message{
		ID:        "f1",
		Role:      RoleUser,
		Content:   "upload",
		Timestamp: t0,
		Metadata:  Metadata{Files: []FileAttachment{{Name: "report.csv", Size: 42}}},
	})
	hooked = nil

	got, ok := s.Get("f1")
	require.True(t, ok)
	got.Metadata.Files[0].Failed = true

	// The stored copy must be untouched until the caller re-upserts.
	stored, _ := s.Get("f1")
	assert.False(t, stored.Metadata.Files[0].Failed)

	n := s.Upsert(got)
	assert.Equal(t, 1, n)
	require.Len(t, hooked, 1)
	assert.True(t, hooked[0].Metadata.Files[0].Failed)
}
