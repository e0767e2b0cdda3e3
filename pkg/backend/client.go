package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/agentboard/agentboard/pkg/analysis"
	"github.com/agentboard/agentboard/pkg/conversation"
)

// Client calls the multi-agent analysis backend over HTTP. It covers
// submission, approval, the authoritative full-result fetch, and
// fire-and-forget chat persistence. Stream subscriptions are handled
// separately by the stream package.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitResponse identifies the accepted query. The caller opens the
// stream subscription keyed by QueryID.
type SubmitResponse struct {
	QueryID string `json:"query_id"`
}

// File is one upload attached to a submission.
type File struct {
	Name   string
	Size   int64
	Reader io.Reader
}

// FailedFile reports a per-file upload failure within an otherwise
// accepted submission.
type FailedFile struct {
	Name   string `json:"name"`
	Reason string `json:"reason,omitempty"`
}

type submitRequest struct {
	Text          string `json:"text"`
	ParentEntryID string `json:"parent_entry_id,omitempty"`
}

// SubmitQuery submits an initial (or follow-up-linked) query for a
// project and returns the backend-assigned query id.
func (c *Client) SubmitQuery(ctx context.Context, projectID, text, parentEntryID string) (SubmitResponse, error) {
	var out SubmitResponse
	err := c.postJSON(ctx, "/api/projects/"+url.PathEscape(projectID)+"/queries",
		submitRequest{Text: text, ParentEntryID: parentEntryID}, &out)
	return out, err
}

// SubmitFollowup submits a query chained to a completed parent query.
// Follow-ups bypass the execution-plan approval flow.
func (c *Client) SubmitFollowup(ctx context.Context, parentQueryID, text string) (SubmitResponse, error) {
	var out SubmitResponse
	err := c.postJSON(ctx, "/api/queries/"+url.PathEscape(parentQueryID)+"/followups",
		submitRequest{Text: text}, &out)
	return out, err
}

// SubmitApproval signals user approval of the presented execution plan.
func (c *Client) SubmitApproval(ctx context.Context, queryID, feedback string) error {
	return c.postJSON(ctx, "/api/queries/"+url.PathEscape(queryID)+"/approval",
		map[string]string{"feedback": feedback}, nil)
}

// FetchFullResult fetches the authoritative snapshot for a completed
// query. The orchestrator calls this exactly once per query.
func (c *Client) FetchFullResult(ctx context.Context, queryID string) (*analysis.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/queries/"+url.PathEscape(queryID)+"/result", nil)
	if err != nil {
		return nil, errors.Wrap(err, "backend: build result request")
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var snap analysis.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, errors.Wrap(err, "backend: decode full result")
	}
	return &snap, nil
}

// PersistChatMessage stores one conversation entry server-side. Failures
// are the caller's to log; they must never block conversation state.
func (c *Client) PersistChatMessage(ctx context.Context, projectID string, msg conversation.Message) error {
	return c.postJSON(ctx, "/api/projects/"+url.PathEscape(projectID)+"/chat", msg, nil)
}

// FetchChatHistory loads the persisted conversation for a project.
func (c *Client) FetchChatHistory(ctx context.Context, projectID string) ([]conversation.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/projects/"+url.PathEscape(projectID)+"/chat", nil)
	if err != nil {
		return nil, errors.Wrap(err, "backend: build history request")
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var msgs []conversation.Message
	if err := json.Unmarshal(body, &msgs); err != nil {
		return nil, errors.Wrap(err, "backend: decode chat history")
	}
	return msgs, nil
}

type submitWithFilesResponse struct {
	QueryID     string       `json:"query_id"`
	FailedFiles []FailedFile `json:"failed_files,omitempty"`
}

// SubmitQueryWithFiles submits a query together with file uploads as a
// multipart request. onProgress, when non-nil, receives the upload
// percentage in [0,100]; it always ends at 100 once the body is sent.
func (c *Client) SubmitQueryWithFiles(ctx context.Context, projectID, text string, files []File, onProgress func(pct int)) (SubmitResponse, []FailedFile, error) {
	var total int64
	for _, f := range files {
		total += f.Size
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer func() { _ = pw.Close() }()
		if err := mw.WriteField("text", text); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		var sent int64
		for _, f := range files {
			part, err := mw.CreateFormFile("files", f.Name)
			if err != nil {
				_ = pw.CloseWithError(err)
				return
			}
			n, err := io.Copy(part, f.Reader)
			if err != nil {
				_ = pw.CloseWithError(errors.Wrapf(err, "backend: upload %s", f.Name))
				return
			}
			sent += n
			if onProgress != nil && total > 0 {
				pct := int(sent * 100 / total)
				if pct > 100 {
					pct = 100
				}
				onProgress(pct)
			}
		}
		if err := mw.Close(); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if onProgress != nil {
			onProgress(100)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/projects/"+url.PathEscape(projectID)+"/queries/upload", pr)
	if err != nil {
		return SubmitResponse{}, nil, errors.Wrap(err, "backend: build upload request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	body, err := c.do(req)
	if err != nil {
		return SubmitResponse{}, nil, err
	}
	var out submitWithFilesResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return SubmitResponse{}, nil, errors.Wrap(err, "backend: decode upload response")
	}
	return SubmitResponse{QueryID: out.QueryID}, out.FailedFiles, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in any, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "backend: encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "backend: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrapf(err, "backend: decode response for %s", path)
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "backend: %s %s", req.Method, req.URL.Path)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "backend: read response body")
	}
	log.Debug().Str("component", "backend").
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(started)).
		Msg("backend call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apiErrorFromResponse(resp.StatusCode, body)
	}
	return body, nil
}
