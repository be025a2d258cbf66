package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/marcovidal/chatrelay/internal/chat"
	"github.com/marcovidal/chatrelay/internal/config"
	"github.com/marcovidal/chatrelay/internal/observability"
	"github.com/marcovidal/chatrelay/internal/persona"
	"github.com/marcovidal/chatrelay/internal/session"
)

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator *chat.Orchestrator
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader
	static       http.Handler
}

func New(cfg config.Config, sessions *session.Manager, orchestrator *chat.Orchestrator, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		metrics:      metrics,
		static:       newStaticHandler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin, so other websites cannot drive a user's chat
				// session if the relay is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Get("/ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/chat/session", s.handleCreateSession)
	r.Get("/v1/chat/session/{id}", s.handleGetSession)
	r.Post("/v1/chat/session/{id}/end", s.handleEndSession)
	r.Post("/v1/chat/session/{id}/message", s.handleSendMessage)
	r.Get("/v1/chat/session/{id}/history", s.handleHistory)
	r.Post("/v1/chat/session/{id}/topic/clear", s.handleNewTopic)
	r.Post("/v1/chat/session/{id}/history/clear", s.handleClearHistory)
	r.Patch("/v1/chat/session/{id}/settings", s.handleUpdateSettings)
	r.Get("/v1/chat/session/ws", s.handleSessionWS)
	r.Get("/v1/chat/personas", s.handleListPersonas)
	r.Get("/v1/chat/models", s.handleListModels)
	r.Get("/v1/chat/settings", s.handleUISettings)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"adapter_mode": s.cfg.LLMAdapterMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"adapter_mode": s.cfg.LLMAdapterMode,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	if strings.TrimSpace(req.Persona) == "" {
		req.Persona = s.cfg.DefaultPersona
	}
	if strings.TrimSpace(req.ModelID) == "" {
		req.ModelID = s.cfg.DefaultModel
	}
	if req.MemoryWindow == 0 {
		req.MemoryWindow = s.cfg.DefaultMemoryWindow
	}

	personaID, err := persona.Parse(req.Persona)
	if err != nil {
		respondError(w, http.StatusBadRequest, "unknown_persona", err.Error())
		return
	}

	sess, err := s.sessions.Create(req.UserID, string(personaID), req.ModelID, req.MemoryWindow)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_memory_window", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		Persona:         sess.Persona,
		ModelID:         sess.ModelID,
		MemoryWindow:    sess.MemoryWindow,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	stats, err := s.orchestrator.Stats(sess.ID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session": sess,
		"stats":   stats,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

type sendMessageResponse struct {
	TurnID string        `json:"turn_id"`
	Seq    int64         `json:"seq"`
	Text   string        `json:"text"`
	Stats  session.Stats `json:"stats"`
}

// handleSendMessage is the synchronous request/response surface: one
// user message in, one assistant reply out.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	turn, replyText, err := s.orchestrator.SendMessage(r.Context(), sess.ID, req.Text)
	if err != nil {
		code, _ := chat.ClassifyError(err)
		respondError(w, statusForErrorCode(code), code, err.Error())
		return
	}

	stats, _ := s.orchestrator.Stats(sess.ID)
	respondJSON(w, http.StatusOK, sendMessageResponse{
		TurnID: turn.ID,
		Seq:    turn.Seq,
		Text:   replyText,
		Stats:  stats,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	turns, err := s.orchestrator.History(r.Context(), sess.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"turns":      turns,
	})
}

func (s *Server) handleNewTopic(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	if err := s.orchestrator.NewTopic(r.Context(), sess.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "new_topic_failed", err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("topic_cleared").Inc()
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	if err := s.orchestrator.ClearHistory(r.Context(), sess.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "clear_history_failed", err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("history_cleared").Inc()
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type updateSettingsRequest struct {
	Persona      string `json:"persona"`
	ModelID      string `json:"model_id"`
	MemoryWindow int    `json:"memory_window"`
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	var req updateSettingsRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	updated, err := s.orchestrator.UpdateSettings(sess.ID, req.Persona, req.ModelID, req.MemoryWindow)
	if err != nil {
		code, _ := chat.ClassifyError(err)
		respondError(w, statusForErrorCode(code), code, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleListPersonas(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"default_persona": s.cfg.DefaultPersona,
		"personas":        persona.All(),
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"default_model": s.cfg.DefaultModel,
		"models":        s.cfg.Models(),
	})
}

type uiSettingsResponse struct {
	DefaultPersona      string `json:"default_persona"`
	DefaultModel        string `json:"default_model"`
	DefaultMemoryWindow int    `json:"default_memory_window"`
	MemoryWindowMin     int    `json:"memory_window_min"`
	MemoryWindowMax     int    `json:"memory_window_max"`
	AdapterMode         string `json:"adapter_mode"`
}

func (s *Server) handleUISettings(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, uiSettingsResponse{
		DefaultPersona:      s.cfg.DefaultPersona,
		DefaultModel:        s.cfg.DefaultModel,
		DefaultMemoryWindow: s.cfg.DefaultMemoryWindow,
		MemoryWindowMin:     config.MemoryWindowMin,
		MemoryWindowMax:     config.MemoryWindowMax,
		AdapterMode:         s.cfg.LLMAdapterMode,
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages())
}

func (s *Server) sessionFromPath(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return nil, false
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	return sess, true
}

func statusForErrorCode(code string) int {
	switch code {
	case "unknown_persona", "unknown_model", "invalid_memory_window", "invalid_request":
		return http.StatusBadRequest
	case "session_not_found":
		return http.StatusNotFound
	case "session_ended":
		return http.StatusConflict
	case "auth":
		return http.StatusBadGateway
	case "rate_limited":
		return http.StatusTooManyRequests
	case "timeout", "upstream_unavailable", "inference_error":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

