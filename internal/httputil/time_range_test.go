package httputil_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allisson/txpipeline/internal/httputil"
)

func TestParseTimeRange(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newContext := func(url string) *gin.Context {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request, _ = http.NewRequest(http.MethodGet, url, nil)
		return c
	}

	t.Run("both bounds", func(t *testing.T) {
		from, to, err := httputil.ParseTimeRange(newContext("/?from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z"))

		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), *from)
		assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), *to)
	})

	t.Run("no bounds", func(t *testing.T) {
		from, to, err := httputil.ParseTimeRange(newContext("/"))

		require.NoError(t, err)
		assert.Nil(t, from)
		assert.Nil(t, to)
	})

	t.Run("invalid timestamp", func(t *testing.T) {
		_, _, err := httputil.ParseTimeRange(newContext("/?from=yesterday"))

		assert.EqualError(t, err, "invalid from parameter: must be an RFC 3339 timestamp")
	})

	t.Run("reversed range", func(t *testing.T) {
		_, _, err := httputil.ParseTimeRange(newContext("/?from=2026-01-02T00:00:00Z&to=2026-01-01T00:00:00Z"))

		assert.Error(t, err)
	})
}
