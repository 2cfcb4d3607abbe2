// Package commands contains CLI command implementations for the application.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"

	"github.com/allisson/txpipeline/internal/app"
)

// IOTuple is the input and output a command talks to; tests swap in buffers.
type IOTuple struct {
	Reader io.Reader
	Writer io.Writer
}

func DefaultIO() IOTuple {
	return IOTuple{Reader: os.Stdin, Writer: os.Stdout}
}

func closeContainer(container *app.Container, logger *slog.Logger) {
	if err := container.Shutdown(context.Background()); err != nil {
		logger.Error("failed to shutdown container", slog.Any("error", err))
	}
}

func closeMigrate(m *migrate.Migrate, logger *slog.Logger) {
	if err := errors.Join(m.Close()); err != nil {
		logger.Error("failed to close migrate", slog.Any("error", err))
	}
}

// dateLayouts are tried in order; a bare date means midnight UTC.
var dateLayouts = []string{time.RFC3339, time.DateTime, time.DateOnly}

func parseDate(value string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD, YYYY-MM-DD HH:MM:SS or RFC 3339", value)
}

// parseOptionalDate is parseDate for flags that may be left empty.
func parseOptionalDate(dateStr string) (*time.Time, error) {
	if dateStr == "" {
		return nil, nil
	}
	t, err := parseDate(dateStr)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// writeJSON writes v indented, for machine consumption.
func writeJSON(writer io.Writer, v any) error {
	enc := json.NewEncoder(writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ignoreCanceled treats a cancelled context as a clean stop.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
