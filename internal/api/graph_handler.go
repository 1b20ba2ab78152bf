package api

import (
	"encoding/json"
	"net/http"

	"github.com/shaiso/rex/internal/domain"
)

// SubmitGraph устанавливает граф tasks.
// POST /api/v1/graphs
func (h *Handler) SubmitGraph(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateGraphRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if len(req.Tasks) == 0 && len(req.Edges) == 0 {
		BadRequest(w, "graph must contain tasks or edges")
		return
	}

	tasks, err := h.ctrl.Install(r.Context(), req)
	if HandleError(w, h.logger, err) {
		return
	}

	h.logger.Info("graph installed",
		"tasks", len(req.Tasks),
		"edges", len(req.Edges),
	)
	Created(w, SubmitGraphResponse{Tasks: tasks})
}
