package middlewares

type ctxKey string

const (
	CtxClientID  ctxKey = "clientID"
	CtxRole      ctxKey = "role"
	CtxRequestID ctxKey = "request_id"
	CtxJobID     ctxKey = "job_id"
)
