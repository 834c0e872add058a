package api

import (
	"errors"
	"net/http"
	"slices"

	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/tools"
)

// ToolInfo describes a registered tool for GET /v1/tools.
type ToolInfo struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Disabled    bool   `json:"disabled"`
}

// handleToolList lists registered tools with their disabled flag.
// GET /v1/tools
func (s *Server) handleToolList(w http.ResponseWriter, r *http.Request) {
	off, err := s.disabled.List(r.Context())
	if err != nil {
		s.logger.Error("load disabled tools failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load disabled tools")
		return
	}

	specs := tools.Registry()
	out := make([]ToolInfo, 0, len(specs))
	for _, spec := range specs {
		out = append(out, ToolInfo{
			Type:        spec.Type,
			Name:        spec.Name,
			Description: spec.Description,
			Disabled:    slices.Contains(off, spec.Type),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tools": out}, s.logger)
}

// handleCatalog returns the catalog text the model sees.
// GET /v1/tools/catalog[?omit_disabled=true]
func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	omit := r.URL.Query().Get("omit_disabled") == "true"
	text, err := s.catalog.Render(r.Context(), omit)
	if err != nil {
		s.logger.Error("render catalog failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to render catalog")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(text + "\n"))
}

// handleDisabledList returns the disabled tool types.
// GET /v1/tools/disabled
func (s *Server) handleDisabledList(w http.ResponseWriter, r *http.Request) {
	off, err := s.disabled.List(r.Context())
	if err != nil {
		s.logger.Error("load disabled tools failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load disabled tools")
		return
	}
	if off == nil {
		off = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"disabled": off}, s.logger)
}

// PUT /v1/tools/disabled/{type}
func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	toolType := r.PathValue("type")
	s.toggle(w, toolType, s.disabled.Disable(r.Context(), toolType), events.KindToolDisabled)
}

// DELETE /v1/tools/disabled/{type}
func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	toolType := r.PathValue("type")
	s.toggle(w, toolType, s.disabled.Enable(r.Context(), toolType), events.KindToolEnabled)
}

func (s *Server) toggle(w http.ResponseWriter, toolType string, err error, kind string) {
	switch {
	case errors.Is(err, tools.ErrUnknownTool):
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, tools.ErrTerminalTool):
		s.errorResponse(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("update disabled tools failed", "tool_type", toolType, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to update disabled tools")
		return
	}

	s.logger.Info("tool availability changed", "tool_type", toolType, "change", kind)
	s.bus.Emit(events.SourceAdmin, kind, map[string]any{"tool_type": toolType})
	w.WriteHeader(http.StatusNoContent)
}
