package paas

import "context"

type ctxKey int

const (
	clientCtxKey ctxKey = iota + 1
	sourceCtxKey
)

func WithClient(ctx context.Context, c *Client) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, clientCtxKey, c)
}

func ClientFromContext(ctx context.Context) *Client {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(clientCtxKey).(*Client)
	return c
}

// WithSource names the cron job or route running under ctx. Lines mirrored
// through LogBestEffortCtx carry it as "source".
func WithSource(ctx context.Context, source string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, sourceCtxKey, source)
}

func SourceFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(sourceCtxKey).(string)
	return s
}

// LogBestEffortCtx mirrors to the client attached to ctx, if any.
func LogBestEffortCtx(ctx context.Context, action, level string, details map[string]any) {
	c := ClientFromContext(ctx)
	if c == nil {
		return
	}
	if src := SourceFromContext(ctx); src != "" {
		tagged := make(map[string]any, len(details)+1)
		for k, v := range details {
			tagged[k] = v
		}
		tagged["source"] = src
		details = tagged
	}
	c.LogBestEffort(action, level, details)
}
