package httputil

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
)

// ParseTimeRange parses the optional RFC 3339 "from" and "to" query parameters.
func ParseTimeRange(c *gin.Context) (from, to *time.Time, err error) {
	from, err = parseTimeQuery(c, "from")
	if err != nil {
		return nil, nil, err
	}
	to, err = parseTimeQuery(c, "to")
	if err != nil {
		return nil, nil, err
	}
	if from != nil && to != nil && to.Before(*from) {
		return nil, nil, fmt.Errorf("invalid time range: to must not be before from")
	}
	return from, to, nil
}

func parseTimeQuery(c *gin.Context, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s parameter: must be an RFC 3339 timestamp", name)
	}
	return &t, nil
}
