package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// LedgerReader exposes ledger aggregates and history.
type LedgerReader interface {
	Summary() domain.LedgerSummary
	Recent(ctx context.Context, limit int) ([]domain.LedgerEntry, error)
}

// LedgerHandler serves ledger endpoints.
type LedgerHandler struct {
	ledger LedgerReader
	logger *slog.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(ledger LedgerReader, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, logger: logger.With(slog.String("handler", "ledger"))}
}

// GetSummary returns running P&L.
// GET /api/ledger/summary
func (h *LedgerHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ledger.Summary())
}

// ListRecent returns the newest entries first.
// GET /api/ledger/recent?limit=50
func (h *LedgerHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50, 500)
	entries, err := h.ledger.Recent(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list recent entries",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read ledger")
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}
