package middlewares

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

// RequestID accepts a caller-supplied id or mints one, echoes it in
// the response header, and stashes it for handlers and the logger.
func RequestID() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		id := ctx.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}

		ctx.Writer.Header().Set(requestIDHeader, id)
		ctx.Set(CtxRequestID, id)

		ctx.Next()
	}
}

// RequestLogger emits one line per request after the handler chain
// finishes. Handlers that touch a job set CtxJobID so the line can be
// joined against the worker logs for the same job.
func RequestLogger(log *slog.Logger) gin.HandlerFunc {
	if log == nil {
		log = slog.Default()
	}

	return func(ctx *gin.Context) {
		start := time.Now()

		route := ctx.FullPath()
		if route == "" {
			route = ctx.Request.URL.Path // fallback (e.g. 404)
		}
		method := ctx.Request.Method

		ctx.Next()

		attrs := []any{
			"method", method,
			"route", route,
			"status", ctx.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"request_id", ctx.GetString(CtxRequestID),
		}
		if jobID := ctx.GetString(CtxJobID); jobID != "" {
			attrs = append(attrs, "job_id", jobID)
		}

		log.InfoContext(ctx.Request.Context(), "http_request", attrs...)
	}
}
