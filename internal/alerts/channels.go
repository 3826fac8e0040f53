package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"sentinel/internal/config"
	"sentinel/internal/model"
)

// Sender delivers one rendered alert message to one recipient. The wire
// format behind each channel belongs to the external collaborator; senders
// only move (recipient, message) pairs.
type Sender interface {
	Channel() model.AlertChannel
	Send(ctx context.Context, recipient, message string) error
}

// newHTTPClient builds the shared outbound client. Transport-level retries
// stay off (RetryMax 0): delivery retry policy is owned by the dispatcher
// and the sweep, and doubling it up would break the retry accounting.
func newHTTPClient() *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 0
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil
	return rc.StandardClient()
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert endpoint returned %s", resp.Status)
	}
	return nil
}

// WebhookSender POSTs the alert as JSON to the recipient URL.
type WebhookSender struct {
	client *http.Client
}

func NewWebhookSender() *WebhookSender {
	return &WebhookSender{client: newHTTPClient()}
}

func (s *WebhookSender) Channel() model.AlertChannel { return model.ChannelWebhook }

func (s *WebhookSender) Send(ctx context.Context, recipient, message string) error {
	if recipient == "" {
		return errors.New("webhook url not configured")
	}
	return postJSON(ctx, s.client, recipient, map[string]string{
		"source":  "sentinel",
		"message": message,
	})
}

// gatewaySender covers email and SMS: both hand the message to a provider
// gateway over HTTP, addressed to the configured recipient.
type gatewaySender struct {
	channel model.AlertChannel
	cfg     *config.Manager
	client  *http.Client
}

func NewEmailSender(cfg *config.Manager) Sender {
	return &gatewaySender{channel: model.ChannelEmail, cfg: cfg, client: newHTTPClient()}
}

func NewSMSSender(cfg *config.Manager) Sender {
	return &gatewaySender{channel: model.ChannelSMS, cfg: cfg, client: newHTTPClient()}
}

func (s *gatewaySender) Channel() model.AlertChannel { return s.channel }

func (s *gatewaySender) Send(ctx context.Context, recipient, message string) error {
	channels := s.cfg.Get().Monitoring.AlertChannels
	var url string
	switch s.channel {
	case model.ChannelEmail:
		url = channels.Email.URL
	case model.ChannelSMS:
		url = channels.SMS.URL
	}
	if url == "" {
		return fmt.Errorf("%s gateway url not configured", s.channel)
	}
	return postJSON(ctx, s.client, url, map[string]string{
		"to":      recipient,
		"message": message,
	})
}

// DashboardSender pushes into the in-process feed; it cannot fail.
type DashboardSender struct {
	feed *Feed
}

func NewDashboardSender(feed *Feed) *DashboardSender {
	return &DashboardSender{feed: feed}
}

func (s *DashboardSender) Channel() model.AlertChannel { return model.ChannelDashboard }

func (s *DashboardSender) Send(ctx context.Context, recipient, message string) error {
	return nil
}

// Push records the full alert on the feed after the dispatcher marks it sent.
func (s *DashboardSender) Push(a model.SecurityAlert) {
	if s.feed != nil {
		s.feed.Add(a)
	}
}
