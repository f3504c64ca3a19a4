package actorctx

import "context"

type ctxKey string

const keyClientID ctxKey = "client_id"

// WithClientID stamps the submitting client on a context so scheduler logs
// and spans can carry it without re-reading the job row.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, keyClientID, clientID)
}

func ClientIDFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyClientID).(string)
	return v, ok && v != ""
}
