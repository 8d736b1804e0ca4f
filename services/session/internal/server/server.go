package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"docintel/internal/ratelimit"
	"docintel/internal/util"
	"docintel/pkg/document"
	"docintel/pkg/domain"
	"docintel/services/session/internal/analysisclient"
	"docintel/services/session/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	Manager                   *app.Manager
	MaxUploadBytes            int64
	RedisAddr                 string
	RedisPassword             string
	AnalyzeRateLimitPerMinute int
	TrustedProxyCIDRs         []string
}

// Server exposes the session operations over HTTP.
type Server struct {
	manager        *app.Manager
	mux            *http.ServeMux
	maxUploadBytes int64
	analyzeLimiter *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, errors.New("session manager is required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 20 * 1024 * 1024
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxy cidrs: %w", err)
	}
	s := &Server{
		manager:        cfg.Manager,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
		trustedProxies: trusted,
	}
	if cfg.AnalyzeRateLimitPerMinute > 0 {
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "docintel:session:ratelimit:analyze", cfg.AnalyzeRateLimitPerMinute, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init analyze limiter: %w", err)
		}
		s.analyzeLimiter = limiter
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("session", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

// Close releases the rate limiter connection.
func (s *Server) Close() error {
	if s.analyzeLimiter == nil {
		return nil
	}
	return s.analyzeLimiter.Close()
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/sessions", s.handleSessions)
	s.mux.HandleFunc("/api/sessions/", s.handleSessionByID)
	s.mux.HandleFunc("/api/documents/", s.handleDocumentTranscript)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	o, err := s.manager.Create(r.Context())
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("create session failed", "err", err)
		writeError(w, http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR", "internal error", nil)
		return
	}
	writeJSON(w, http.StatusCreated, o.View())
}

// /api/sessions/{id} or /api/sessions/{id}/{document|analyze|messages}
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w)
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	if action == "" && r.Method == http.MethodDelete {
		if err := s.manager.Delete(r.Context(), id); err != nil {
			s.writeSessionError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	o, err := s.manager.Get(r.Context(), id)
	if err != nil {
		s.writeSessionError(w, r, err, nil)
		return
	}
	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		writeJSON(w, http.StatusOK, o.View())
	case "document":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleSelectDocument(w, r, o)
	case "analyze":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if !s.allowRate(w, r, id) {
			return
		}
		view, err := o.Analyze(r.Context())
		if err != nil {
			s.writeSessionError(w, r, err, &view)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case "messages":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleSendMessage(w, r, o)
	default:
		notFound(w)
	}
}

// /api/documents/{documentId}/transcript
func (s *Server) handleDocumentTranscript(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/documents/")
	documentID, rest, ok := strings.Cut(path, "/")
	if !ok || documentID == "" || rest != "transcript" {
		notFound(w)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	transcript, err := s.manager.Transcript(r.Context(), documentID)
	if err != nil {
		s.writeSessionError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, transcript)
}

func (s *Server) handleSelectDocument(w http.ResponseWriter, r *http.Request, o *app.Orchestrator) {
	// leave room for multipart framing so oversize files reach inspection
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "DOCUMENT_TOO_LARGE", "file too large", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "DOCUMENT_INVALID_UPLOAD_FORM", "invalid form data", nil)
		return
	}
	file, header, err := r.FormFile("document")
	if err != nil {
		writeError(w, http.StatusBadRequest, "DOCUMENT_REQUIRED", "file is required (field: document)", nil)
		return
	}
	defer file.Close()
	payload, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "DOCUMENT_INVALID_UPLOAD_FORM", "invalid form data", nil)
		return
	}
	view, err := o.SelectDocument(r.Context(), payload, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		s.writeSessionError(w, r, err, &view)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, o *app.Orchestrator) {
	var req messageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "SESSION_INVALID_REQUEST", "invalid JSON body", nil)
		return
	}
	view, err := o.SendMessage(r.Context(), req.Text)
	if err != nil {
		// the failure is already in the chat log as an assistant turn
		if analysisclient.KindOf(err) != "" {
			logTransportError(r, err)
			writeJSON(w, http.StatusOK, view)
			return
		}
		s.writeSessionError(w, r, err, &view)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	if s.analyzeLimiter == nil {
		return true
	}
	key := "analyze|" + util.ClientIP(r, s.trustedProxies)
	if s.analyzeLimiter.Allow(r.Context(), key) {
		return true
	}
	util.LoggerFromContext(r.Context()).Warn("analyze rate limited", "session_id", sessionID)
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "SYSTEM_RATE_LIMITED", "too many requests", nil)
	return false
}

func (s *Server) writeSessionError(w http.ResponseWriter, r *http.Request, err error, view *domain.SessionView) {
	status, code := classify(err)
	msg := userMessage(err)
	switch {
	case status == http.StatusBadGateway:
		logTransportError(r, err)
	case status == http.StatusInternalServerError:
		util.LoggerFromContext(r.Context()).Error("session operation failed", "kind", app.KindOf(err), "err", err)
		msg = "internal error"
	}
	writeError(w, status, code, msg, view)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, app.ErrSessionNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND"
	case errors.Is(err, app.ErrTranscriptNotFound):
		return http.StatusNotFound, "TRANSCRIPT_NOT_FOUND"
	case errors.Is(err, app.ErrTranscriptsDisabled):
		return http.StatusServiceUnavailable, "TRANSCRIPT_ARCHIVE_DISABLED"
	case errors.Is(err, app.ErrStaleResponse):
		return http.StatusConflict, "SESSION_STALE_RESPONSE"
	}
	switch app.KindOf(err) {
	case domain.KindUserInputRejected:
		return classifyRejection(err)
	case domain.KindRequestFailed:
		return http.StatusBadGateway, "ANALYSIS_REQUEST_FAILED"
	case domain.KindMalformedResponse:
		return http.StatusBadGateway, "ANALYSIS_MALFORMED_RESPONSE"
	}
	return http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR"
}

func classifyRejection(err error) (int, string) {
	switch {
	case errors.Is(err, app.ErrBusy):
		return http.StatusConflict, "SESSION_BUSY"
	case errors.Is(err, app.ErrNoDocument):
		return http.StatusBadRequest, "DOCUMENT_REQUIRED"
	case errors.Is(err, app.ErrNotAnalyzed):
		return http.StatusConflict, "SESSION_NOT_ANALYZED"
	case errors.Is(err, app.ErrEmptyQuestion):
		return http.StatusBadRequest, "QUESTION_EMPTY"
	case errors.Is(err, document.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "DOCUMENT_TOO_LARGE"
	case errors.Is(err, document.ErrExtensionNotAllowed):
		return http.StatusBadRequest, "DOCUMENT_UNSUPPORTED_TYPE"
	}
	return http.StatusBadRequest, "DOCUMENT_INVALID"
}

func userMessage(err error) string {
	return strings.TrimPrefix(err.Error(), app.ErrUserInputRejected.Error()+": ")
}

func logTransportError(r *http.Request, err error) {
	var te *analysisclient.TransportError
	if !errors.As(err, &te) {
		return
	}
	util.LoggerFromContext(r.Context()).Warn("analysis call failed", "op", te.Op, "kind", te.Kind, "detail", te.Describe())
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "SYSTEM_METHOD_NOT_ALLOWED", "method not allowed", nil)
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "SYSTEM_NOT_FOUND", "not found", nil)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}

type errorResponse struct {
	Error     string              `json:"error"`
	Code      string              `json:"code"`
	RequestID string              `json:"requestId,omitempty"`
	Session   *domain.SessionView `json:"session,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string, view *domain.SessionView) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
		Session:   view,
	})
}
