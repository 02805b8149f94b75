package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// Engine is the control surface of the running engine.
type Engine interface {
	Status() domain.EngineStatus
	Snapshots() []domain.PriceSnapshot
	// SetMode switches the mode and returns the previous one.
	SetMode(ctx context.Context, m domain.Mode) (domain.Mode, error)
	// ResetCircuit clears a paused circuit. It reports false when the
	// circuit was not paused.
	ResetCircuit(ctx context.Context, source string) bool
}

// EngineHandler serves status and control endpoints.
type EngineHandler struct {
	engine Engine
	logger *slog.Logger
}

// NewEngineHandler creates an EngineHandler.
func NewEngineHandler(engine Engine, logger *slog.Logger) *EngineHandler {
	return &EngineHandler{engine: engine, logger: logger.With(slog.String("handler", "engine"))}
}

// GetStatus returns the engine status.
// GET /api/status
func (h *EngineHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// ListPools returns the current snapshot table ordered by pool id.
// GET /api/pools
func (h *EngineHandler) ListPools(w http.ResponseWriter, r *http.Request) {
	snaps := h.engine.Snapshots()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Pool < snaps[j].Pool })
	writeJSON(w, http.StatusOK, map[string]any{"pools": snaps, "count": len(snaps)})
}

type modeRequest struct {
	Mode string `json:"mode"`
}

// SetMode switches the operating mode.
// POST /api/mode {"mode":"simulate"}
func (h *EngineHandler) SetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, ok := domain.ParseMode(req.Mode)
	if !ok {
		writeError(w, http.StatusBadRequest, "mode must be observe, simulate or live")
		return
	}
	prev, err := h.engine.SetMode(r.Context(), m)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrAdapterNotRegistered) || errors.Is(err, domain.ErrSubmissionDisabled) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	h.logger.InfoContext(r.Context(), "mode changed via api",
		slog.String("from", string(prev)),
		slog.String("to", string(m)),
	)
	writeJSON(w, http.StatusOK, map[string]string{"mode": string(m), "previous": string(prev)})
}

// ResetCircuit clears a tripped circuit breaker.
// POST /api/circuit/reset
func (h *EngineHandler) ResetCircuit(w http.ResponseWriter, r *http.Request) {
	reset := h.engine.ResetCircuit(r.Context(), "api")
	writeJSON(w, http.StatusOK, map[string]bool{"reset": reset})
}
