package observability

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// SessionRef reports the role and id of the session an admin request acts on.
// Both are empty while no session is tracked.
type SessionRef func() (role, session string)

// AdminRequestLogger logs admin requests tagged with the tracked session.
// Scrapes of /health and /metrics log at debug so they do not drown out
// operator actions such as /session/shutdown.
func AdminRequestLogger(logger zerolog.Logger, ref SessionRef) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := RouteFamily(c.FullPath())
		role, session := lookup(ref)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case route == "health" || route == "metrics":
			event = logger.Debug()
		default:
			event = logger.Info()
		}
		event.
			Str("route", route).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("role", role).
			Str("session", session).
			Msg("admin request")
	}
}

// AdminRequestMetrics records admin requests by session role and route family.
func AdminRequestMetrics(ref SessionRef) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		role, _ := lookup(ref)
		RecordHTTPRequest(role, RouteFamily(c.FullPath()), c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}

// RouteFamily collapses an admin route pattern to its first segment, so
// /session/shutdown and later /session/* routes share a label. Unmatched
// paths report "unmatched" to keep label cardinality bounded.
func RouteFamily(pattern string) string {
	trimmed := strings.Trim(pattern, "/")
	if trimmed == "" {
		if pattern == "/" {
			return "root"
		}
		return "unmatched"
	}
	family, _, _ := strings.Cut(trimmed, "/")
	return family
}

func lookup(ref SessionRef) (string, string) {
	if ref == nil {
		return "none", ""
	}
	role, session := ref()
	if role == "" {
		role = "none"
	}
	return role, session
}
