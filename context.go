package kestrel

import "context"

type clientIPContextKey struct{}
type userAgentContextKey struct{}
type geoContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx. The Engine uses it
// for per-IP rate limiting, audit records, and session metadata.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithUserAgent attaches the HTTP User-Agent string to ctx for session
// metadata.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentContextKey{}, userAgent)
}

// WithGeo attaches a coarse geography label to ctx. Hosts that resolve
// geography upstream can pass it through; otherwise the enricher fills it
// in after the fact.
func WithGeo(ctx context.Context, geo string) context.Context {
	return context.WithValue(ctx, geoContextKey{}, geo)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func userAgentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ua, _ := ctx.Value(userAgentContextKey{}).(string)
	return ua
}

func geoFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	geo, _ := ctx.Value(geoContextKey{}).(string)
	return geo
}
