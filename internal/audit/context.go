package audit

import "context"

// RequestMeta carries the transport attributes of the request that triggered
// a mutation. The HTTP layer stamps it into the context; the operation layer
// copies it onto the audit entry it emits.
type RequestMeta struct {
	IP        string
	UserAgent string
}

type metaKey struct{}

// WithRequestMeta attaches request metadata to the context.
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, metaKey{}, meta)
}

// MetaFromContext returns the request metadata attached to the context, if any.
func MetaFromContext(ctx context.Context) (RequestMeta, bool) {
	meta, ok := ctx.Value(metaKey{}).(RequestMeta)
	return meta, ok
}
