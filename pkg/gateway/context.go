package gateway

import "context"

type ctxKey string

const clientKey ctxKey = "client"

func withClient(ctx context.Context, client *Client) context.Context {
	return context.WithValue(ctx, clientKey, client)
}

func clientFromContext(ctx context.Context) *Client {
	if ctx == nil {
		return nil
	}
	if c, ok := ctx.Value(clientKey).(*Client); ok {
		return c
	}
	return nil
}
