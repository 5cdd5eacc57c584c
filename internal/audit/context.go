package audit

import "context"

type requestMetaKey struct{}

// RequestMeta carries client forensics captured at the transport boundary.
// Absence is non-fatal: entries recorded outside a request simply have no
// IP or user agent.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// WithRequestMeta attaches client metadata to the context.
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	if meta.IP == "" && meta.UserAgent == "" {
		return ctx
	}
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

// RequestMetaFromContext returns the attached metadata, zero if absent.
func RequestMetaFromContext(ctx context.Context) RequestMeta {
	if ctx == nil {
		return RequestMeta{}
	}
	meta, _ := ctx.Value(requestMetaKey{}).(RequestMeta)
	return meta
}
