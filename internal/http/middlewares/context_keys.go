package middlewares

// Keys for values middleware and handlers stash on the gin context.
// Plain strings because gin.Context.Set keys are strings.
const (
	CtxRequestID = "request_id"
	CtxJobID     = "job_id"
)
