// ABOUTME: HTTP API handlers for chat, upload, history, stage, and session endpoints
// ABOUTME: Maps engine and store errors onto HTTP status codes

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hallryn/attache/internal/auth"
	"github.com/hallryn/attache/internal/engine"
	"github.com/hallryn/attache/internal/extract"
	"github.com/hallryn/attache/internal/history"
	"github.com/hallryn/attache/internal/model"
	"github.com/hallryn/attache/internal/stage"
	"github.com/hallryn/attache/internal/store"
	"github.com/hallryn/attache/internal/tags"
)

// previewLen is how many characters of extracted text the upload response
// echoes back.
const previewLen = 500

// maxUploadBytes caps multipart upload memory usage.
const maxUploadBytes = 32 << 20

// SessionLister provides session enumeration for GET /api/sessions.
type SessionLister interface {
	ListSessions(ctx context.Context, limit int) ([]*store.SessionInfo, error)
}

// Server holds the HTTP handlers for the attache API.
type Server struct {
	engine     *engine.Engine
	log        *history.Log
	stage      *stage.Stage
	sessions   SessionLister
	extractor  extract.Extractor
	uploadsDir string
	verifier   auth.TokenVerifier // nil disables authentication
	logger     *slog.Logger
}

// NewServer creates an API server. verifier may be nil to serve
// unauthenticated requests.
func NewServer(eng *engine.Engine, log *history.Log, st *stage.Stage, sessions SessionLister, extractor extract.Extractor, uploadsDir string, verifier auth.TokenVerifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:     eng,
		log:        log,
		stage:      st,
		sessions:   sessions,
		extractor:  extractor,
		uploadsDir: uploadsDir,
		verifier:   verifier,
		logger:     logger.With("component", "api"),
	}
}

// Handler returns the routed HTTP handler, with JWT middleware applied to
// /api routes when a verifier is configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/chat/", s.handleRetry)
	mux.HandleFunc("/api/upload", s.handleUpload)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/history/", s.handleHistory)
	mux.HandleFunc("/api/stage/", s.handleStage)

	var api http.Handler = mux
	if s.verifier != nil {
		api = auth.Middleware(s.verifier)(api)
	}

	root := http.NewServeMux()
	root.Handle("/api/", api)
	root.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	})
	return root
}

// ChatRequest is the JSON request body for POST /api/chat.
type ChatRequest struct {
	SessionID  string `json:"session_id,omitempty"`
	Message    string `json:"message"`
	IncludeRAG bool   `json:"include_rag"`
}

// ChatResponse is the JSON response for chat and retry requests.
type ChatResponse struct {
	SessionID string `json:"session_id"`
	Response  string `json:"response"`
}

// handleChat handles POST /api/chat. An omitted session_id starts a new
// session.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		s.sendJSONError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	result, err := s.engine.Send(r.Context(), req.SessionID, req.Message, req.IncludeRAG)
	if err != nil {
		s.sendEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, ChatResponse{
		SessionID: result.SessionID,
		Response:  result.Reply,
	})
}

// RetryRequest is the optional JSON request body for POST /api/chat/{id}/retry.
type RetryRequest struct {
	IncludeRAG bool `json:"include_rag"`
}

// handleRetry handles POST /api/chat/{id}/retry. It re-runs the model step
// for a session whose last send failed after the user turn was recorded.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/chat/")
	sessionID, ok := strings.CutSuffix(path, "/retry")
	if !ok || sessionID == "" || strings.Contains(sessionID, "/") {
		s.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	var req RetryRequest
	if r.Body != nil {
		// Body is optional; decode errors on an empty body are ignored.
		json.NewDecoder(r.Body).Decode(&req)
	}

	result, err := s.engine.Retry(r.Context(), sessionID, req.IncludeRAG)
	if errors.Is(err, engine.ErrNoPendingTurn) {
		s.sendJSONError(w, http.StatusConflict, "no pending user turn to retry")
		return
	}
	if err != nil {
		s.sendEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, ChatResponse{
		SessionID: result.SessionID,
		Response:  result.Reply,
	})
}

// UploadResponse is the JSON response for POST /api/upload.
type UploadResponse struct {
	SessionID  string `json:"session_id"`
	Filename   string `json:"filename"`
	StorageRef string `json:"storage_ref"`
	Chars      int    `json:"chars"`
	Preview    string `json:"preview"`
}

// handleUpload handles POST /api/upload. The file is written to the uploads
// directory under a unique name, its text extracted, and the result staged
// for the session's next sent message.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	storageRef, err := s.saveUpload(file, header.Filename)
	if err != nil {
		s.logger.Error("failed to save upload", "error", err, "filename", header.Filename)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to save upload")
		return
	}

	saved, err := os.Open(filepath.Join(s.uploadsDir, storageRef))
	if err != nil {
		s.logger.Error("failed to reopen upload", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to read upload")
		return
	}
	defer saved.Close()

	text, err := s.extractor.Extract(r.Context(), saved, header.Filename)
	if err != nil {
		s.logger.Error("extraction failed", "error", err, "filename", header.Filename)
		s.sendJSONError(w, http.StatusUnprocessableEntity, "could not extract text from file")
		return
	}

	if _, err := s.stage.Add(r.Context(), sessionID, header.Filename, storageRef, text); err != nil {
		s.logger.Error("failed to stage document", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to stage document")
		return
	}

	preview := text
	if len(preview) > previewLen {
		preview = preview[:previewLen]
	}

	s.writeJSON(w, http.StatusOK, UploadResponse{
		SessionID:  sessionID,
		Filename:   header.Filename,
		StorageRef: storageRef,
		Chars:      len(text),
		Preview:    preview,
	})
}

// saveUpload writes the uploaded file under a unique name and returns that
// name. The original filename is kept as a suffix for operator legibility.
func (s *Server) saveUpload(file io.Reader, filename string) (string, error) {
	if err := os.MkdirAll(s.uploadsDir, 0o755); err != nil {
		return "", fmt.Errorf("creating uploads dir: %w", err)
	}

	storageRef := uuid.New().String() + "_" + filepath.Base(filename)
	dst, err := os.Create(filepath.Join(s.uploadsDir, storageRef))
	if err != nil {
		return "", fmt.Errorf("creating file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return storageRef, nil
}

// SessionResponse is one entry in the GET /api/sessions response.
type SessionResponse struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	TurnCount int    `json:"turn_count"`
}

// handleSessions handles GET /api/sessions, most recently active first.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			s.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	sessions, err := s.sessions.ListSessions(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]SessionResponse, len(sessions))
	for i, sess := range sessions {
		response[i] = SessionResponse{
			ID:        sess.ID,
			CreatedAt: sess.CreatedAt.Format(time.RFC3339),
			UpdatedAt: sess.UpdatedAt.Format(time.RFC3339),
			TurnCount: sess.TurnCount,
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

// TurnResponse is one turn in the GET /api/history/{id} response.
type TurnResponse struct {
	Seq       int    `json:"seq"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Documents int    `json:"documents,omitempty"`
	CreatedAt string `json:"created_at"`
}

// HistoryResponse is the JSON response for GET /api/history/{id}.
type HistoryResponse struct {
	SessionID string         `json:"session_id"`
	Turns     []TurnResponse `json:"turns"`
}

// handleHistory routes /api/history/{id} and /api/history/{id}/html.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/history/")

	if sessionID, ok := strings.CutSuffix(path, "/html"); ok {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleHistoryHTML(w, r, sessionID)
		return
	}

	sessionID := path
	if sessionID == "" || strings.Contains(sessionID, "/") {
		s.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGetHistory(w, r, sessionID)
	case http.MethodDelete:
		s.handleDeleteHistory(w, r, sessionID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleGetHistory returns the full ordered turn sequence for a session.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request, sessionID string) {
	turns, err := s.log.Read(r.Context(), sessionID)
	if err != nil {
		s.logger.Error("failed to read history", "error", err, "session_id", sessionID)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := HistoryResponse{
		SessionID: sessionID,
		Turns:     make([]TurnResponse, len(turns)),
	}
	for i, t := range turns {
		docs := 0
		if t.Role == store.RoleUser {
			blocks, _ := tags.Decode(t.Content)
			docs = len(blocks)
		}
		response.Turns[i] = TurnResponse{
			Seq:       t.Seq,
			Role:      t.Role,
			Content:   t.Content,
			Documents: docs,
			CreatedAt: t.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleDeleteHistory deletes a session's turns and stage.
func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := s.log.Clear(r.Context(), sessionID); err != nil {
		s.logger.Error("failed to delete session", "error", err, "session_id", sessionID)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StagedDocumentResponse is one entry in the GET /api/stage/{id} response.
type StagedDocumentResponse struct {
	Position   int    `json:"position"`
	Filename   string `json:"filename"`
	StorageRef string `json:"storage_ref"`
	Chars      int    `json:"chars"`
}

// StageResponse is the JSON response for GET /api/stage/{id}.
type StageResponse struct {
	SessionID string                   `json:"session_id"`
	Documents []StagedDocumentResponse `json:"documents"`
}

// handleStage routes /api/stage/{id} and /api/stage/{id}/{index}.
func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/stage/")
	sessionID, indexStr, hasIndex := strings.Cut(path, "/")
	if sessionID == "" || strings.Contains(indexStr, "/") {
		s.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	if hasIndex {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleRemoveStaged(w, r, sessionID, indexStr)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleListStage(w, r, sessionID)
	case http.MethodDelete:
		s.handleClearStage(w, r, sessionID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleListStage returns the session's staged documents in insertion order.
func (s *Server) handleListStage(w http.ResponseWriter, r *http.Request, sessionID string) {
	docs, err := s.stage.List(r.Context(), sessionID)
	if err != nil {
		s.logger.Error("failed to list stage", "error", err, "session_id", sessionID)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := StageResponse{
		SessionID: sessionID,
		Documents: make([]StagedDocumentResponse, len(docs)),
	}
	for i, d := range docs {
		response.Documents[i] = StagedDocumentResponse{
			Position:   d.Position,
			Filename:   d.Filename,
			StorageRef: d.StorageRef,
			Chars:      len(d.Text),
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleRemoveStaged removes one staged document by its current position.
func (s *Server) handleRemoveStaged(w http.ResponseWriter, r *http.Request, sessionID, indexStr string) {
	index, err := strconv.Atoi(indexStr)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "index must be an integer")
		return
	}

	err = s.stage.Remove(r.Context(), sessionID, index)
	if errors.Is(err, store.ErrOutOfRange) {
		s.sendJSONError(w, http.StatusBadRequest, "stage index out of range")
		return
	}
	if err != nil {
		s.logger.Error("failed to remove staged document", "error", err, "session_id", sessionID)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClearStage empties the session's stage.
func (s *Server) handleClearStage(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := s.stage.Clear(r.Context(), sessionID); err != nil {
		s.logger.Error("failed to clear stage", "error", err, "session_id", sessionID)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sendEngineError maps engine failures onto HTTP status codes. Post-commit
// failures include committed=true so clients retry instead of resending.
func (s *Server) sendEngineError(w http.ResponseWriter, err error) {
	var sendErr *engine.SendError
	if !errors.As(err, &sendErr) {
		s.logger.Error("chat failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	status := http.StatusInternalServerError
	message := "internal server error"
	switch {
	case errors.Is(sendErr.Err, history.ErrInvalidRole):
		status = http.StatusBadRequest
		message = "invalid turn"
	case errors.Is(sendErr.Err, model.ErrTimeout):
		status = http.StatusGatewayTimeout
		message = "model timed out"
	case errors.Is(sendErr.Err, model.ErrUnavailable):
		status = http.StatusBadGateway
		message = "model unavailable"
	}

	s.logger.Error("chat failed",
		"phase", string(sendErr.Phase),
		"committed", sendErr.Committed,
		"error", sendErr.Err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error":     message,
		"phase":     string(sendErr.Phase),
		"committed": sendErr.Committed,
	})
}

// writeJSON writes a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
