// Package notify delivers login-related emails through a GC Notify
// compatible API. Delivery is fire-and-forget: failures are logged and
// surfaced as a generic error, never retried automatically.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/cds-snc/forms-idp-login/internal/metrics"
)

// Sender delivers a templated email to a single recipient.
type Sender interface {
	Send(ctx context.Context, toAddress, templateID string, personalisation map[string]string) error
}

// Client sends emails through the GC Notify REST API.
type Client struct {
	baseURL    string
	apiKey     string
	templateID string
	httpClient *http.Client
}

var _ Sender = (*Client)(nil)

// NewClient creates a Notify client. templateID is the default template
// used when a call passes an empty one.
func NewClient(baseURL, apiKey, templateID string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("[notify.NewClient] baseURL is required")
	}
	if apiKey == "" {
		return nil, errors.New("[notify.NewClient] apiKey is required")
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		templateID: templateID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *Client) Send(ctx context.Context, toAddress, templateID string, personalisation map[string]string) error {
	if templateID == "" {
		templateID = c.templateID
	}

	payload, err := json.Marshal(map[string]any{
		"email_address":   toAddress,
		"template_id":     templateID,
		"personalisation": personalisation,
	})
	if err != nil {
		return errors.Wrap(err, "[Client.Send] marshal payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/notifications/email", bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "[Client.Send] build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "ApiKey-v1 "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordEmail(templateID, metrics.OutcomeError)
		log.Error().Err(err).Str("templateID", templateID).Msg("email delivery failed")
		return errors.Wrap(err, "[Client.Send] deliver")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		metrics.RecordEmail(templateID, metrics.OutcomeError)
		log.Error().Int("status", resp.StatusCode).Str("templateID", templateID).Msg("email delivery rejected")
		return errors.Errorf("[Client.Send] delivery rejected with status %d", resp.StatusCode)
	}

	metrics.RecordEmail(templateID, metrics.OutcomeOK)
	return nil
}

// SendAsync delivers in the background with its own timeout, detached from
// the request context. Errors are logged only.
func SendAsync(sender Sender, toAddress, templateID string, personalisation map[string]string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := sender.Send(ctx, toAddress, templateID, personalisation); err != nil {
			log.Error().Err(err).Msg(fmt.Sprintf("async email to template %s failed", templateID))
		}
	}()
}
