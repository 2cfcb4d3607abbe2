package http

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const corsPreflightMaxAge = 12 * time.Hour

// createCORSMiddleware returns nil unless CORS is enabled with at least one usable origin.
// The transaction API is called server-to-server, so CORS stays off by default.
func createCORSMiddleware(enabled bool, allowOrigins string, logger *slog.Logger) gin.HandlerFunc {
	if !enabled {
		return nil
	}

	origins := parseOrigins(allowOrigins)
	if len(origins) == 0 {
		logger.Warn("cors enabled without usable origins, middleware not installed",
			slog.String("cors_allow_origins", allowOrigins))
		return nil
	}
	logger.Info("cors enabled", slog.Any("origins", origins))

	return cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		// Idempotency-Key lets browser clients retry transaction creation safely.
		AllowHeaders:  []string{"Content-Type", "Idempotency-Key"},
		ExposeHeaders: []string{"X-Request-Id"},
		MaxAge:        corsPreflightMaxAge,
	})
}

// parseOrigins splits a comma-separated list, keeping only http(s) origins; cors.New panics
// on anything else.
func parseOrigins(list string) []string {
	var origins []string
	for _, origin := range strings.Split(list, ",") {
		origin = strings.TrimSpace(origin)
		if strings.HasPrefix(origin, "http://") || strings.HasPrefix(origin, "https://") {
			origins = append(origins, origin)
		}
	}
	return origins
}
