package delivery

import "context"

// Client is the outbound webhook delivery port.
type Client interface {
	Send(ctx context.Context, webhookURL string, payload Payload) (*Response, error)
}

// Response is a successful (2xx) webhook response.
type Response struct {
	StatusCode int
	Body       string
}
