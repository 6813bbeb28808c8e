// Package httpapi implements transport.Transport against an HTTP queue
// ingestion API.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/harborapp/synccore/pkg/offline/queue"
	"github.com/harborapp/synccore/pkg/offline/transport"
)

const defaultTimeout = 15 * time.Second

// Config controls client construction.
type Config struct {
	// BaseURL of the remote service, e.g. https://api.example.com.
	BaseURL string
	// Timeout for one upload request. Zero picks a default.
	Timeout time.Duration
	// AuthToken, when set, is sent as a bearer token.
	AuthToken string
}

// Client posts pending items to {base}/v1/queue/{entityType}.
type Client struct {
	client *resty.Client
}

type uploadRequest struct {
	EntityType string    `json:"entity_type"`
	Payload    []byte    `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("httpapi: base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout)
	if cfg.AuthToken != "" {
		client.SetAuthToken(cfg.AuthToken)
	}

	return &Client{client: client}, nil
}

// Upload implements transport.Transport. The item's idempotency key rides
// along so the remote can deduplicate retried uploads.
func (c *Client) Upload(ctx context.Context, item queue.PendingItem) error {
	body := uploadRequest{
		EntityType: item.EntityType,
		Payload:    item.Payload,
		CreatedAt:  item.CreatedAt,
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", item.IdempotencyKey).
		SetBody(body).
		Post(fmt.Sprintf("/v1/queue/%s", item.EntityType))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		// Connection-level failures affect the whole transport, not the item.
		return &transport.TransientError{Err: err}
	}

	return classifyStatus(resp)
}

func classifyStatus(resp *resty.Response) error {
	code := resp.StatusCode()
	switch {
	case code < 300:
		return nil
	case code == http.StatusBadRequest,
		code == http.StatusRequestEntityTooLarge,
		code == http.StatusUnsupportedMediaType,
		code == http.StatusUnprocessableEntity:
		return &transport.ValidationError{StatusCode: code, Reason: reason(resp)}
	default:
		return &transport.ItemError{StatusCode: code, Reason: reason(resp)}
	}
}

func reason(resp *resty.Response) string {
	body := strings.TrimSpace(resp.String())
	if body == "" {
		return resp.Status()
	}
	if len(body) > 256 {
		body = body[:256]
	}
	return body
}
