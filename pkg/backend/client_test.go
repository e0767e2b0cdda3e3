package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentboard/agentboard/pkg/analysis"
	"github.com/agentboard/agentboard/pkg/conversation"
)

func TestClient_SubmitQuery(t *testing.T) {
	var gotPath string
	var gotBody submitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(SubmitResponse{QueryID: "q1"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.SubmitQuery(context.Background(), "p1", "Analyze market", "")
	require.NoError(t, err)
	assert.Equal(t, "q1", resp.QueryID)
	assert.Equal(t, "/api/projects/p1/queries", gotPath)
	assert.Equal(t, "Analyze market", gotBody.Text)
	assert.Empty(t, gotBody.ParentEntryID)
}

func TestClient_SubmitFollowup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/queries/parent-1/followups", r.URL.Path)
		_ = json.NewEncoder(w).Encode(SubmitResponse{QueryID: "q2"})
	}))
	defer srv.Close()

	resp, err := New(srv.URL).SubmitFollowup(context.Background(), "parent-1", "And the risks?")
	require.NoError(t, err)
	assert.Equal(t, "q2", resp.QueryID)
}

func TestClient_SubmitApproval(t *testing.T) {
	var gotFeedback string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/queries/q1/approval", r.URL.Path)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotFeedback = body["feedback"]
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL).SubmitApproval(context.Background(), "q1", "looks good"))
	assert.Equal(t, "looks good", gotFeedback)
}

func TestClient_FetchFullResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/queries/q1/result", r.URL.Path)
		_ = json.NewEncoder(w).Encode(analysis.Snapshot{
			QueryID:  "q1",
			Status:   analysis.StatusCompleted,
			Progress: 100,
			Result:   "full report",
		})
	}))
	defer srv.Close()

	snap, err := New(srv.URL).FetchFullResult(context.Background(), "q1")
	require.NoError(t, err)
	assert.Equal(t, analysis.StatusCompleted, snap.Status)
	assert.Equal(t, "full report", snap.Result)
}

func TestClient_ValidationErrorCarriesSuggestions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":       "query too vague",
			"suggestions": []string{"Analyze Q3 revenue", "Compare competitors"},
		})
	}))
	defer srv.Close()

	_, err := New(srv.URL).SubmitQuery(context.Background(), "p1", "stuff", "")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Validation())
	assert.False(t, apiErr.Retryable())
	assert.Equal(t, []string{"Analyze Q3 revenue", "Compare competitors"}, apiErr.Suggestions)
	assert.Contains(t, apiErr.Error(), "query too vague")
}

func TestClient_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := New(srv.URL).SubmitApproval(context.Background(), "q1", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Retryable())
}

func TestClient_SubmitQueryWithFiles(t *testing.T) {
	var gotText string
	var gotFiles []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotText = r.FormValue("text")
		for _, fh := range r.MultipartForm.File["files"] {
			gotFiles = append(gotFiles, fh.Filename)
		}
		_ = json.NewEncoder(w).Encode(submitWithFilesResponse{
			QueryID:     "q3",
			FailedFiles: []FailedFile{{Name: "broken.csv", Reason: "unreadable"}},
		})
	}))
	defer srv.Close()

	var lastPct int
	files := []File{
		{Name: "a.csv", Size: 4, Reader: strings.NewReader("aaaa")},
		{Name: "b.csv", Size: 4, Reader: strings.NewReader("bbbb")},
	}
	resp, failed, err := New(srv.URL).SubmitQueryWithFiles(context.Background(), "p1", "Analyze files", files, func(pct int) {
		require.GreaterOrEqual(t, pct, lastPct)
		lastPct = pct
	})
	require.NoError(t, err)
	assert.Equal(t, "q3", resp.QueryID)
	assert.Equal(t, 100, lastPct)
	assert.Equal(t, "Analyze files", gotText)
	assert.Equal(t, []string{"a.csv", "b.csv"}, gotFiles)
	require.Len(t, failed, 1)
	assert.Equal(t, "broken.csv", failed[0].Name)
}

func TestClient_PersistChatMessage(t *testing.T) {
	var got conversation.Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/projects/p1/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	msg := conversation.Message{ID: "m1", Role: conversation.RoleUser, Content: "hello", Timestamp: time.Now().UTC()}
	require.NoError(t, New(srv.URL).PersistChatMessage(context.Background(), "p1", msg))
	assert.Equal(t, "m1", got.ID)
}
