package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// SummarySource provides the ledger aggregate.
type SummarySource interface {
	Summary() domain.LedgerSummary
}

// Notifier delivers operator notifications.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Summary logs and sends the periodic human-readable ledger summary.
type Summary struct {
	ledger   SummarySource
	notifier Notifier
	logger   *slog.Logger
}

// NewSummary creates a Summary job. notifier may be nil.
func NewSummary(ledger SummarySource, notifier Notifier, logger *slog.Logger) *Summary {
	return &Summary{ledger: ledger, notifier: notifier, logger: logger.With(slog.String("component", "summary"))}
}

// Name implements Job.
func (s *Summary) Name() string { return "summary" }

// Run emits one summary.
func (s *Summary) Run(ctx context.Context) error {
	sum := s.ledger.Summary()
	s.logger.Info("ledger summary",
		slog.Int64("attempts", sum.Attempts),
		slog.Int64("confirmed", sum.Confirmed),
		slog.Int64("reverted", sum.Reverted),
		slog.Int64("failed", sum.Failed),
		slog.Int64("skipped", sum.Skipped),
		slog.Float64("win_rate", sum.WinRate),
		slog.String("gross", sum.TotalGross.String()),
		slog.String("fees", sum.TotalFees.String()),
		slog.String("net", sum.TotalNet.String()),
		slog.Int64("cycles", sum.Cycles),
	)
	if s.notifier == nil {
		return nil
	}
	if err := s.notifier.Notify(ctx, domain.EventSummary, "Ledger summary", FormatSummary(sum)); err != nil {
		s.logger.Warn("summary notification failed", slog.String("error", err.Error()))
	}
	return nil
}

// FormatSummary renders a summary for chat channels.
func FormatSummary(s domain.LedgerSummary) string {
	msg := fmt.Sprintf(
		"attempts %d (confirmed %d, reverted %d, failed %d, skipped %d)\nwin rate %.1f%%\ngross %s, fees %s, net %s",
		s.Attempts, s.Confirmed, s.Reverted, s.Failed, s.Skipped,
		s.WinRate*100,
		s.TotalGross.StringFixed(4), s.TotalFees.StringFixed(4), s.TotalNet.StringFixed(4),
	)
	if s.Cycles > 0 {
		msg += fmt.Sprintf("\n%d cycles, %.2f attempts/cycle", s.Cycles, s.AttemptsPerCycle)
	}
	if !s.LastEntryAt.IsZero() {
		msg += "\nlast entry " + s.LastEntryAt.UTC().Format("2006-01-02 15:04:05Z")
	}
	return msg
}
