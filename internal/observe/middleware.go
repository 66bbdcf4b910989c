package observe

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Middleware returns a gin middleware that records request duration to
// [Metrics.HTTPRequestDuration] and logs request completion with status code
// and duration. The route template (e.g. "/calls/:id") is used as the path
// attribute to keep metric cardinality bounded; requests that match no route
// fall back to the raw URL path.
func Middleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		duration := time.Since(start)

		m.HTTPRequestDuration.Record(c.Request.Context(), duration.Seconds(),
			metric.WithAttributes(
				attribute.String("method", c.Request.Method),
				attribute.String("path", path),
			),
		)

		slog.LogAttrs(c.Request.Context(), slog.LevelInfo, "request completed",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", duration),
		)
	}
}
