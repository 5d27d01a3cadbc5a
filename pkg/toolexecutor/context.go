package toolexecutor

import "context"

type invocationKey struct{}

// ContextWithInvocation attaches the invocation being served to ctx so
// local tool handlers can read the call id.
func ContextWithInvocation(ctx context.Context, inv *ToolInvocation) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if inv == nil {
		return ctx
	}
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFromContext extracts the invocation from ctx, or nil.
func InvocationFromContext(ctx context.Context) *ToolInvocation {
	if ctx == nil {
		return nil
	}
	if inv, ok := ctx.Value(invocationKey{}).(*ToolInvocation); ok {
		return inv
	}
	return nil
}
