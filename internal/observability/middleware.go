package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RequestIDHeader carries the id tying an admin response to its log line.
const RequestIDHeader = "X-Request-Id"

// AdminRequests counts every admin API request by route and logs it against
// the inspector session it reports on. Callers may supply a request id; one
// is minted otherwise and always echoed back.
func AdminRequests(logger zerolog.Logger, sessionID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		RecordHTTPRequest(c.Request.Method, route, status, elapsed)

		level := zerolog.DebugLevel
		switch {
		case status >= 500:
			level = zerolog.ErrorLevel
		case status >= 400:
			level = zerolog.WarnLevel
		}
		event := logger.WithLevel(level).
			Str("session", sessionID).
			Str("request_id", requestID).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", elapsed)
		if len(c.Errors) > 0 {
			event = event.Str("error", c.Errors.String())
		}
		event.Msg("inspectctl admin request")
	}
}
