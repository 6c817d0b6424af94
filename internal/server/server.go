// Package server exposes the session state engine over HTTP.
//
// Routes:
//
//	POST /v1/turns/text                          — one typed conversation turn
//	POST /v1/turns/audio                         — one spoken conversation turn (multipart)
//	POST /v1/practice/confirm                    — confirm a practice attempt (multipart)
//	GET  /v1/users/{user}/profile                — the user's session snapshot
//	GET  /v1/users/{user}/chats/{chat}/messages  — conversation log
//	GET  /metrics                                — Prometheus scrape endpoint
//	GET  /healthz, /readyz                       — probes
//
// All responses are JSON with a top-level "success" field. Validation
// failures return 400, store or oracle failures 500.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatspeak/chatspeak/internal/engine"
	"github.com/chatspeak/chatspeak/internal/gate"
	"github.com/chatspeak/chatspeak/internal/health"
	"github.com/chatspeak/chatspeak/internal/observe"
	"github.com/chatspeak/chatspeak/internal/practice"
	"github.com/chatspeak/chatspeak/internal/store"
	"github.com/chatspeak/chatspeak/pkg/provider/severity"
)

// maxUploadBytes caps the size of one audio upload.
const maxUploadBytes = 10 << 20

// Server translates HTTP requests into engine calls.
type Server struct {
	engine  *engine.Engine
	metrics *observe.Metrics
	health  *health.Handler
}

// Option is a functional option for [New].
type Option func(*Server)

// WithHealth installs a health handler with readiness checks.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics overrides the metrics instance used by the middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a [Server] around eng.
func New(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{engine: eng}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.health == nil {
		s.health = health.New()
	}
	return s
}

// Handler returns the fully routed HTTP handler, wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/turns/text", s.handleTextTurn)
	mux.HandleFunc("POST /v1/turns/audio", s.handleAudioTurn)
	mux.HandleFunc("POST /v1/practice/confirm", s.handleConfirmPractice)
	mux.HandleFunc("GET /v1/users/{user}/profile", s.handleProfile)
	mux.HandleFunc("GET /v1/users/{user}/chats/{chat}/messages", s.handleMessages)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.health.Register(mux)

	return observe.Middleware(s.metrics)(mux)
}

type textTurnRequest struct {
	User   string `json:"user"`
	ChatID string `json:"chatId"`
	Prompt string `json:"prompt"`
}

type textTurnResponse struct {
	Success      bool         `json:"success"`
	Answer       string       `json:"answer"`
	Rejected     bool         `json:"rejected,omitempty"`
	Classifier   gate.Verdict `json:"classifier"`
	PracticeList []string     `json:"practiceList,omitempty"`
}

func (s *Server) handleTextTurn(w http.ResponseWriter, r *http.Request) {
	var req textTurnRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}

	result, err := s.engine.TextTurn(r.Context(), req.User, req.ChatID, req.Prompt)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, textTurnResponse{
		Success:      true,
		Answer:       result.Reply,
		Rejected:     result.Rejected,
		Classifier:   result.Verdict,
		PracticeList: result.PracticeWords,
	})
}

type audioTurnResponse struct {
	Success             bool             `json:"success"`
	Transcript          string           `json:"transcript"`
	Response            string           `json:"response"`
	Rejected            bool             `json:"rejected,omitempty"`
	Classifier          gate.Verdict     `json:"classifier"`
	ClassifierResult    *severity.Result `json:"classifierResult,omitempty"`
	ImprovementDetected bool             `json:"improvementDetected"`
	ImprovementMessage  string           `json:"improvementMessage,omitempty"`
	PracticeList        []string         `json:"practiceList,omitempty"`
}

func (s *Server) handleAudioTurn(w http.ResponseWriter, r *http.Request) {
	audio, form, err := readAudioUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.engine.AudioTurn(r.Context(), form("user"), form("chatId"), form("session"), audio)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	resp := audioTurnResponse{
		Success:          true,
		Transcript:       result.Transcript,
		Response:         result.Reply,
		Rejected:         result.Rejected,
		Classifier:       result.Verdict,
		ClassifierResult: result.Assessment,
		PracticeList:     result.PracticeWords,
	}
	if result.Improvement != nil {
		resp.ImprovementDetected = result.Improvement.Improved
		resp.ImprovementMessage = result.Improvement.Message
	}
	writeJSON(w, http.StatusOK, resp)
}

type confirmResponse struct {
	Success    bool    `json:"success"`
	Matched    bool    `json:"matched"`
	Word       string  `json:"word,omitempty"`
	Score      float64 `json:"score,omitempty"`
	Transcript string  `json:"transcript"`
}

func (s *Server) handleConfirmPractice(w http.ResponseWriter, r *http.Request) {
	audio, form, err := readAudioUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, transcript, err := s.engine.ConfirmPractice(r.Context(), form("user"), audio)
	if errors.Is(err, practice.ErrNoAssignment) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, confirmResponse{
		Success:    true,
		Matched:    result.Matched,
		Word:       result.Word,
		Score:      result.Score,
		Transcript: transcript,
	})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Profile(r.Context(), r.PathValue("user"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Success    bool `json:"success"`
		Memory     any  `json:"memory"`
		Progress   any  `json:"progress"`
		Assessment any  `json:"assessment"`
	}{true, snap.Memory, snap.Progress, snap.Assessment})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}

	msgs, err := s.engine.ChatMessages(r.Context(), r.PathValue("user"), r.PathValue("chat"), limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if msgs == nil {
		msgs = []store.ChatMessage{}
	}

	writeJSON(w, http.StatusOK, struct {
		Success  bool                `json:"success"`
		Messages []store.ChatMessage `json:"messages"`
	}{true, msgs})
}

// readAudioUpload parses a multipart upload, returning the audio payload and
// an accessor for the other form fields.
func readAudioUpload(r *http.Request) ([]byte, func(string) string, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, nil, fmt.Errorf("invalid multipart form: %w", err)
	}
	file, _, err := r.FormFile("audio")
	if err != nil {
		return nil, nil, fmt.Errorf("missing audio file: %w", err)
	}
	defer file.Close()

	audio, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("reading audio upload: %w", err)
	}
	return audio, r.FormValue, nil
}

// writeEngineError maps engine errors to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	var verr *engine.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	slog.Error("turn failed", "error", err)
	writeError(w, http.StatusInternalServerError, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}{false, err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response failed", "error", err)
	}
}
