package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/agentboard/agentboard/pkg/analysis"
	"github.com/agentboard/agentboard/pkg/conversation"
	"github.com/agentboard/agentboard/pkg/stream"
)

// maxUploadSize is the per-file limit; larger uploads are reported as
// failed without failing the submission.
const maxUploadSize = 1 << 20

// Config tunes the scripted run.
type Config struct {
	// StepDelay paces the scripted updates. Tests set it low.
	StepDelay time.Duration
}

// Server is a self-contained development backend: it serves the REST
// and websocket surface the client consumes and answers every query
// with a scripted multi-agent run. Queries containing "reject" are
// declined to exercise the rejection path.
type Server struct {
	mux       *http.ServeMux
	bus       *gochannel.GoChannel
	upgrader  websocket.Upgrader
	stepDelay time.Duration

	mu      sync.Mutex
	queries map[string]*run
	chats   map[string]map[string]conversation.Message
}

type run struct {
	queryID  string
	text     string
	followUp bool
	approved chan struct{}
	once     sync.Once

	mu   sync.Mutex
	snap *analysis.Snapshot
}

func (r *run) approve() {
	r.once.Do(func() { close(r.approved) })
}

func (r *run) snapshot() *analysis.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

func New(cfg Config) *Server {
	if cfg.StepDelay <= 0 {
		cfg.StepDelay = 400 * time.Millisecond
	}
	s := &Server{
		mux: http.NewServeMux(),
		// Persistent delivery replays the topic to late subscribers, so
		// a client that opens its socket after submission still sees the
		// whole run.
		bus: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
			Persistent:          true,
		}, watermill.NopLogger{}),
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		stepDelay: cfg.StepDelay,
		queries:   map[string]*run{},
		chats:     map[string]map[string]conversation.Message{},
	}
	s.mux.HandleFunc("POST /api/projects/{project}/queries", s.handleSubmit)
	s.mux.HandleFunc("POST /api/projects/{project}/queries/upload", s.handleUpload)
	s.mux.HandleFunc("POST /api/queries/{id}/followups", s.handleFollowup)
	s.mux.HandleFunc("POST /api/queries/{id}/approval", s.handleApproval)
	s.mux.HandleFunc("GET /api/queries/{id}/result", s.handleResult)
	s.mux.HandleFunc("POST /api/projects/{project}/chat", s.handleChatPersist)
	s.mux.HandleFunc("GET /api/projects/{project}/chat", s.handleChatList)
	s.mux.HandleFunc("GET /api/stream", s.handleStream)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) Close() error {
	return s.bus.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, suggestions ...string) {
	writeJSON(w, status, map[string]any{"error": msg, "suggestions": suggestions})
}

func (s *Server) startRun(text string, followUp bool) string {
	r := &run{
		queryID:  uuid.NewString(),
		text:     text,
		followUp: followUp,
		approved: make(chan struct{}),
	}
	s.mu.Lock()
	s.queries[r.queryID] = r
	s.mu.Unlock()
	go s.script(r)
	return r.queryID
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text          string `json:"text"`
		ParentEntryID string `json:"parent_entry_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusUnprocessableEntity, "query text is required",
			"describe what you want analyzed in one or two sentences")
		return
	}
	queryID := s.startRun(req.Text, req.ParentEntryID != "")
	writeJSON(w, http.StatusAccepted, map[string]string{"query_id": queryID})
}

func (s *Server) handleFollowup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusUnprocessableEntity, "follow-up text is required")
		return
	}
	queryID := s.startRun(req.Text, true)
	writeJSON(w, http.StatusAccepted, map[string]string{"query_id": queryID})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart request")
		return
	}
	text := r.FormValue("text")
	if strings.TrimSpace(text) == "" {
		writeError(w, http.StatusUnprocessableEntity, "query text is required")
		return
	}
	var failed []map[string]string
	if r.MultipartForm != nil {
		for _, fh := range r.MultipartForm.File["files"] {
			if fh.Size > maxUploadSize {
				failed = append(failed, map[string]string{
					"name":   fh.Filename,
					"reason": "file exceeds 1MB limit",
				})
			}
		}
	}
	queryID := s.startRun(text, false)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"query_id":     queryID,
		"failed_files": failed,
	})
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	run, ok := s.queries[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown query")
		return
	}
	run.approve()
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	run, ok := s.queries[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown query")
		return
	}
	snap := run.snapshot()
	if snap == nil {
		writeError(w, http.StatusNotFound, "no result yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleChatPersist(w http.ResponseWriter, r *http.Request) {
	var msg conversation.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil || msg.ID == "" {
		writeError(w, http.StatusBadRequest, "message id is required")
		return
	}
	project := r.PathValue("project")
	s.mu.Lock()
	if s.chats[project] == nil {
		s.chats[project] = map[string]conversation.Message{}
	}
	s.chats[project][msg.ID] = msg
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (s *Server) handleChatList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	msgs := make([]conversation.Message, 0, len(s.chats[r.PathValue("project")]))
	for _, m := range s.chats[r.PathValue("project")] {
		msgs = append(msgs, m)
	}
	s.mu.Unlock()
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	writeJSON(w, http.StatusOK, msgs)
}

// handleStream upgrades to a websocket and forwards every bus payload
// for the requested topic until the client hangs up.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeError(w, http.StatusBadRequest, "topic query parameter is required")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "devserver").Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ch, err := s.bus.Subscribe(ctx, topic)
	if err != nil {
		_ = conn.Close()
		return
	}

	// Reader loop only detects the client hanging up.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() { _ = conn.Close() }()
	for msg := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
			msg.Nack()
			return
		}
		msg.Ack()
	}
}

// ----- scripted analysis run -----

func demoPlan(queryID string) *analysis.ExecutionPlan {
	return &analysis.ExecutionPlan{
		QueryID: queryID,
		Agents: []analysis.PlanAgent{
			{Name: "Market Analyst", Coverage: "market size and competitive landscape"},
			{Name: "Risk Analyst", Coverage: "downside scenarios and exposure"},
			{Name: "Synthesizer", Coverage: "cross-agent synthesis and final report"},
		},
	}
}

func (s *Server) publish(r *run, ev stream.Event) {
	if ev.Update != nil {
		r.mu.Lock()
		r.snap = analysis.Merge(r.snap, *ev.Update)
		r.mu.Unlock()
	}
	payload, err := ev.Marshal()
	if err != nil {
		log.Error().Err(err).Str("component", "devserver").Msg("encode event")
		return
	}
	if err := s.bus.Publish(stream.Topic(r.queryID), message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		log.Warn().Err(err).Str("component", "devserver").Str("query_id", r.queryID).Msg("publish event")
	}
}

func (s *Server) update(r *run, u analysis.Update) {
	u.QueryID = r.queryID
	s.publish(r, stream.Event{Kind: stream.KindUpdate, QueryID: r.queryID, Update: &u})
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

func (s *Server) script(r *run) {
	pace := func() { time.Sleep(s.stepDelay) }
	log.Info().Str("component", "devserver").Str("query_id", r.queryID).Bool("follow_up", r.followUp).Msg("starting scripted run")

	if strings.Contains(strings.ToLower(r.text), "reject") {
		pace()
		s.update(r, analysis.Update{
			Status:          analysis.StatusRejected,
			RejectionReason: "the demo analysis team only handles market questions",
		})
		return
	}

	start := time.Now().UTC()
	plan := demoPlan(r.queryID)

	if !r.followUp {
		pace()
		s.update(r, analysis.Update{
			Status:    analysis.StatusPendingApproval,
			Progress:  intPtr(5),
			Plan:      plan,
			StartTime: &start,
		})
		select {
		case <-r.approved:
		case <-time.After(5 * time.Minute):
			s.update(r, analysis.Update{
				Status:          analysis.StatusRejected,
				RejectionReason: "plan approval timed out",
			})
			return
		}
	}

	for i, agent := range plan.Agents {
		pace()
		s.update(r, analysis.Update{
			Status:       analysis.StatusProcessing,
			Progress:     intPtr(10 + i*30),
			CurrentAgent: strPtr(agent.Name),
			Steps: []analysis.AgentStep{{
				StepID:      agent.Name,
				AgentName:   agent.Name,
				Status:      analysis.StepProcessing,
				ActionLabel: agent.Coverage,
			}},
		})
		pace()
		s.update(r, analysis.Update{
			Status:   analysis.StatusProcessing,
			Progress: intPtr(25 + i*30),
			Steps: []analysis.AgentStep{{
				StepID:    agent.Name,
				AgentName: agent.Name,
				Status:    analysis.StepCompleted,
			}},
			Report: &analysis.Report{
				AgentResponses: map[string]any{agent.Name: "findings from " + agent.Name},
			},
		})
	}

	pace()
	end := time.Now().UTC()
	s.update(r, analysis.Update{
		Status:   analysis.StatusCompleted,
		Progress: intPtr(100),
		Result:   strPtr("Demo analysis of: " + r.text),
		Report: &analysis.Report{
			Recommendations: []string{"proceed with a staged rollout"},
			NextSteps:       []string{"validate pricing with a pilot cohort"},
		},
		EndTime: &end,
	})
	s.publish(r, stream.Event{Kind: stream.KindDone, QueryID: r.queryID, Update: &analysis.Update{
		Status: analysis.StatusCompleted,
	}})
}
