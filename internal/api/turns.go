package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/transcript"
)

// Line types of the turn stream in addition to agent event types.
const (
	lineError = "error"
	lineEnd   = "end"
)

// TurnRequest is the body of POST /v1/sessions/{id}/turns.
type TurnRequest struct {
	Text     string `json:"text"`
	ImageURL string `json:"image_url,omitempty"`
}

// StreamLine is one NDJSON line of a turn response. Agent events use
// Type and Content; the final "end" line carries State and Iterations.
type StreamLine struct {
	Type       string `json:"type"`
	Content    string `json:"content,omitempty"`
	State      string `json:"state,omitempty"`
	Iterations int    `json:"iterations,omitempty"`
}

// handleCreateSession returns a fresh session id. Sessions need no
// server-side setup; the id is only a convenience for clients.
// POST /v1/sessions
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]string{"session_id": uuid.NewString()}, s.logger)
}

// handleTurn runs one user message and streams its events.
// POST /v1/sessions/{id}/turns[?format=html]
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid session id")
		return
	}

	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.ImageURL != "" {
		if err := llm.ValidateImageURL(req.ImageURL); err != nil {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	html := r.URL.Query().Get("format") == "html"

	turn := s.loop.Run(r.Context(), agent.Request{
		SessionID: sessionID,
		Text:      req.Text,
		ImageURL:  req.ImageURL,
	})

	// A turn is bounded by its iteration cap, not by the server's write
	// timeout, which would otherwise cut the stream mid-turn.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("cannot clear write deadline", "turn_id", turn.ID(), "error", err)
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Turn-Id", turn.ID())
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	send := func(line StreamLine) bool {
		if err := enc.Encode(line); err != nil {
			s.logger.Debug("client went away mid-turn", "turn_id", turn.ID(), "error", err)
			return false
		}
		rc.Flush()
		return true
	}

	for ev, err := range turn.Events() {
		if err != nil {
			s.logger.Error("turn failed", "turn_id", turn.ID(), "error", err)
			send(StreamLine{Type: lineError, Content: err.Error()})
			continue
		}
		content := ev.Content
		if html && ev.Type == agent.EventText {
			content = s.renderHTML(content)
		}
		if !send(StreamLine{Type: ev.Type, Content: content}) {
			break
		}
	}

	send(StreamLine{
		Type:       lineEnd,
		State:      turn.State().String(),
		Iterations: turn.Iterations(),
	})
}

// renderHTML converts a markdown reply to an HTML fragment. Raw HTML in
// the reply is not passed through. On failure the text is returned
// unchanged.
func (s *Server) renderHTML(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		s.logger.Warn("markdown render failed", "error", err)
		return md
	}
	return buf.String()
}

// handleMessages returns the raw transcript of a session.
// GET /v1/sessions/{id}/messages
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid session id")
		return
	}

	msgs, err := s.transcript.Messages(r.Context(), sessionID)
	if err != nil {
		s.logger.Error("load transcript failed", "session_id", sessionID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []transcript.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"session_id": sessionID,
		"messages":   msgs,
		"count":      len(msgs),
	}, s.logger)
}
