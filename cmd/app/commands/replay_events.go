package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/allisson/txpipeline/internal/transaction/http/dto"
)

// EventReplayer re-delivers stored events. Implemented by the event bus.
type EventReplayer interface {
	ReplayEvents(ctx context.Context, from, to time.Time, eventTypes []string) (int, error)
}

// RunReplayEvents re-delivers the events created between fromDate and toDate, optionally
// limited to eventTypes.
func RunReplayEvents(
	ctx context.Context,
	events EventReplayer,
	logger *slog.Logger,
	writer io.Writer,
	fromDate, toDate string,
	eventTypes []string,
	format string,
) error {
	from, err := parseDate(fromDate)
	if err != nil {
		return fmt.Errorf("invalid from date: %w", err)
	}
	to, err := parseDate(toDate)
	if err != nil {
		return fmt.Errorf("invalid to date: %w", err)
	}

	request := dto.ReplayEventsRequest{From: from, To: to, EventTypes: eventTypes}
	if err := request.Validate(); err != nil {
		return fmt.Errorf("invalid replay request: %w", err)
	}

	replayed, err := events.ReplayEvents(ctx, from, to, eventTypes)
	if err != nil {
		return fmt.Errorf("failed to replay events: %w", err)
	}

	logger.Info("events replayed",
		slog.Time("from", from),
		slog.Time("to", to),
		slog.Int("replayed", replayed),
	)

	if format == "json" {
		return writeJSON(writer, map[string]any{
			"from":        from,
			"to":          to,
			"event_types": eventTypes,
			"replayed":    replayed,
		})
	}

	_, _ = fmt.Fprintf(writer, "Replayed %d event(s) created between %s and %s\n",
		replayed, from.Format("2006-01-02 15:04:05"), to.Format("2006-01-02 15:04:05"))
	return nil
}
