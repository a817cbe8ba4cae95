package pagination

import "context"

type contextKey int

const paramsKey contextKey = iota

// WithParams stores parsed page parameters on the context.
func WithParams(ctx context.Context, params Params) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, paramsKey, params)
}

// FromContext returns parameters previously attached with WithParams.
func FromContext(ctx context.Context) (Params, bool) {
	if ctx == nil {
		return Params{}, false
	}
	params, ok := ctx.Value(paramsKey).(Params)
	return params, ok
}

// FromContextOrDefault returns the context parameters, normalised to
// the first page and default limit when absent or zero-valued.
func FromContextOrDefault(ctx context.Context) Params {
	params, ok := FromContext(ctx)
	if !ok {
		return Params{Page: 1, Limit: DefaultLimit}
	}
	if params.Page <= 0 {
		params.Page = 1
	}
	if params.Limit <= 0 {
		params.Limit = DefaultLimit
	}
	return params
}
