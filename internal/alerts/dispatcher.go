package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sentinel/internal/config"
	"sentinel/internal/model"
	"sentinel/internal/storage"
)

// RecentCounter answers the same 1-hour recent-window query the threat
// detector uses; the medium-severity policy deliberately shares it.
type RecentCounter interface {
	RecentCount(eventType model.EventType, ip string, lookback time.Duration) int
}

const mediumRepeatThreshold = 3

// Dispatcher decides when an event warrants notification, renders the
// channel-agnostic message, and drives delivery with bounded retry. Channel
// sends run off the recording caller's goroutine; their outcome is recorded
// on the persisted alert.
type Dispatcher struct {
	store   storage.Store
	recent  RecentCounter
	cfg     *config.Manager
	logger  *slog.Logger
	senders map[model.AlertChannel]Sender
	feed    *Feed
	now     func() time.Time

	mu     sync.Mutex
	sent   int
	failed int
	wg     sync.WaitGroup
}

func NewDispatcher(store storage.Store, recent RecentCounter, cfg *config.Manager, feed *Feed, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		recent:  recent,
		cfg:     cfg,
		logger:  logger,
		feed:    feed,
		senders: make(map[model.AlertChannel]Sender),
		now:     time.Now,
	}
	d.RegisterSender(NewWebhookSender())
	d.RegisterSender(NewEmailSender(cfg))
	d.RegisterSender(NewSMSSender(cfg))
	d.RegisterSender(NewDashboardSender(feed))
	return d
}

func (d *Dispatcher) RegisterSender(s Sender) {
	d.senders[s.Channel()] = s
}

// ShouldAlert: critical and high always alert; medium only with three or
// more same-type-and-IP events in the last hour; low never.
func (d *Dispatcher) ShouldAlert(ev model.SecurityEvent) bool {
	switch ev.Severity {
	case model.SeverityCritical, model.SeverityHigh:
		return true
	case model.SeverityMedium:
		if d.recent == nil {
			return false
		}
		return d.recent.RecentCount(ev.EventType, ev.IPAddress, time.Hour) >= mediumRepeatThreshold
	default:
		return false
	}
}

// Render builds the channel-agnostic message body.
func (d *Dispatcher) Render(ev model.SecurityEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", strings.ToUpper(string(ev.Severity)), ev.EventType, ev.Description)
	fmt.Fprintf(&b, " | ip=%s", ev.IPAddress)
	fmt.Fprintf(&b, " | at=%s", ev.Timestamp.UTC().Format(time.RFC3339))
	if ev.UserID != "" {
		fmt.Fprintf(&b, " | user=%s", ev.UserID)
	}
	if len(ev.Metadata) > 0 {
		fmt.Fprintf(&b, " | metadata=%v", ev.Metadata)
	}
	return b.String()
}

// Dispatch evaluates the alert policy for a freshly recorded event and
// creates one alert per enabled channel, delivering each asynchronously.
func (d *Dispatcher) Dispatch(ctx context.Context, ev model.SecurityEvent) {
	if !d.ShouldAlert(ev) {
		return
	}
	mon := d.cfg.Get().Monitoring
	message := d.Render(ev)
	for channel, recipient := range enabledChannels(mon.AlertChannels) {
		alert := model.SecurityAlert{
			ID:         uuid.NewString(),
			EventID:    ev.ID,
			AlertType:  channel,
			Recipient:  recipient,
			Message:    message,
			MaxRetries: mon.MaxAlertRetries,
		}
		if err := d.store.InsertAlert(ctx, alert); err != nil {
			if d.logger != nil {
				d.logger.Error("persist alert failed", "event_id", ev.ID, "channel", channel, "err", err)
			}
			continue
		}
		d.wg.Add(1)
		go func(a model.SecurityAlert) {
			defer d.wg.Done()
			d.attempt(context.Background(), a)
		}(alert)
	}
}

func enabledChannels(ac config.AlertChannels) map[model.AlertChannel]string {
	out := make(map[model.AlertChannel]string, 4)
	if ac.Email.Enabled {
		out[model.ChannelEmail] = ac.Email.Recipient
	}
	if ac.SMS.Enabled {
		out[model.ChannelSMS] = ac.SMS.Recipient
	}
	if ac.Webhook.Enabled {
		out[model.ChannelWebhook] = ac.Webhook.URL
	}
	if ac.Dashboard.Enabled {
		out[model.ChannelDashboard] = "dashboard"
	}
	return out
}

// attempt performs one delivery try and records the outcome. A disabled
// channel is a silent no-op; the alert stays pending until re-enabled or
// retries run out.
func (d *Dispatcher) attempt(ctx context.Context, a model.SecurityAlert) {
	if a.Sent || a.RetryCount >= a.MaxRetries {
		return
	}
	if _, ok := enabledChannels(d.cfg.Get().Monitoring.AlertChannels)[a.AlertType]; !ok {
		return
	}
	sender, ok := d.senders[a.AlertType]
	if !ok {
		return
	}
	now := d.now().UTC()
	a.LastAttempt = &now
	err := sender.Send(ctx, a.Recipient, a.Message)
	if err == nil {
		a.Sent = true
		a.SentAt = &now
		a.ErrorMessage = ""
		if a.AlertType == model.ChannelDashboard {
			if ds, ok := sender.(*DashboardSender); ok {
				ds.Push(a)
			}
		}
		d.mu.Lock()
		d.sent++
		d.mu.Unlock()
	} else {
		a.RetryCount++
		a.ErrorMessage = err.Error()
		if a.RetryCount >= a.MaxRetries {
			d.mu.Lock()
			d.failed++
			d.mu.Unlock()
			if d.logger != nil {
				d.logger.Error("alert delivery failed permanently",
					"alert_id", a.ID, "channel", a.AlertType, "retries", a.RetryCount, "err", err)
			}
		} else if d.logger != nil {
			d.logger.Warn("alert delivery failed, will retry",
				"alert_id", a.ID, "channel", a.AlertType, "retry_count", a.RetryCount, "err", err)
		}
	}
	if uerr := d.store.UpdateAlert(ctx, a); uerr != nil && d.logger != nil {
		d.logger.Error("record alert outcome failed", "alert_id", a.ID, "err", uerr)
	}
}

// RetrySweep re-attempts pending alerts whose backoff has elapsed. Each
// retry waits spacing*retry_count since the previous attempt, so delays grow
// monotonically and a burst of failures cannot thundering-herd a channel.
func (d *Dispatcher) RetrySweep(ctx context.Context) (int, error) {
	spacing := d.cfg.Get().Sweep.RetrySpacing
	pending, err := d.store.ListPendingAlerts(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("list pending alerts: %w", err)
	}
	now := d.now()
	attempted := 0
	for _, a := range pending {
		if a.LastAttempt != nil {
			wait := spacing * time.Duration(a.RetryCount)
			if wait < spacing {
				wait = spacing
			}
			if now.Sub(*a.LastAttempt) < wait {
				continue
			}
		}
		d.attempt(ctx, a)
		attempted++
	}
	return attempted, nil
}

// Totals reports delivered and permanently failed counts.
func (d *Dispatcher) Totals() (sent, failed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent, d.failed
}

// Wait blocks until in-flight deliveries finish. Test and shutdown hook.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
