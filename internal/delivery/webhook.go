package delivery

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/trip-gateway/internal/domain"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "TripGateway-Webhook/1.0"
	maxBodyLength    = 2048
)

// WebhookClient posts timer payloads to caller supplied webhook URLs.
type WebhookClient struct {
	client    *resty.Client
	userAgent string
}

func NewWebhookClient(timeout time.Duration, userAgent string) *WebhookClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)

	c, _ := NewWebhookClientWithResty(client, userAgent)
	return c
}

func NewWebhookClientWithResty(client *resty.Client, userAgent string) (*WebhookClient, error) {
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(DefaultTimeout)
	}
	client.SetRetryCount(0)

	userAgent = strings.TrimSpace(userAgent)
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	return &WebhookClient{
		client:    client,
		userAgent: userAgent,
	}, nil
}

func (c *WebhookClient) Send(ctx context.Context, webhookURL string, payload Payload) (*Response, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("webhook client is not initialized")
	}
	if err := domain.ValidateWebhookURL(webhookURL); err != nil {
		return nil, &DeliveryError{
			Kind:      KindInvalidRequest,
			Retryable: false,
			Message:   "invalid webhook url",
			Cause:     err,
		}
	}

	response, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", c.userAgent).
		SetBody(payload).
		Post(strings.TrimSpace(webhookURL))
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if response == nil {
		return nil, &DeliveryError{
			Kind:      KindUnknown,
			Retryable: true,
			Message:   "webhook returned empty response",
		}
	}

	statusCode := response.StatusCode()
	body := truncate(strings.TrimSpace(response.String()), maxBodyLength)

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &Response{
			StatusCode: statusCode,
			Body:       body,
		}, nil
	}

	retryAfter := parseRetryAfter(response.Header().Get("Retry-After"), time.Now())
	return nil, classifyStatus(statusCode, body, retryAfter)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
