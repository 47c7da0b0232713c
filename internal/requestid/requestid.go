// Package requestid carries the correlation id of an API call or inbound webhook.
package requestid

import (
	"context"

	"github.com/google/uuid"
)

const maxLen = 128

type ctxKey struct{}

// New generates a random UUID v4 request ID.
func New() string {
	return uuid.NewString()
}

// FromHeader keeps a caller-supplied id when it is short printable ASCII and
// otherwise generates a fresh one, so ids never smuggle control characters into logs.
func FromHeader(h string) string {
	if h == "" || len(h) > maxLen {
		return New()
	}
	for i := 0; i < len(h); i++ {
		if h[i] < 0x21 || h[i] > 0x7e {
			return New()
		}
	}
	return h
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns "" if ctx carries no request ID.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
