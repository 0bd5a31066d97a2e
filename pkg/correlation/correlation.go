// Package correlation threads a per-operation correlation id through the
// pipeline as an explicit scoped context value, never a process-wide global.
package correlation

import "context"

type idKey struct{}

// WithID returns a context carrying the correlation id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, idKey{}, id)
}

// FromContext returns the correlation id, or "" when none is set.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(idKey{}).(string)
	return id
}
