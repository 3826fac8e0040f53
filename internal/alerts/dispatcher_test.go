package alerts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"sentinel/internal/config"
	"sentinel/internal/model"
	"sentinel/internal/storage"
)

type fakeRecent struct {
	count int
}

func (f fakeRecent) RecentCount(model.EventType, string, time.Duration) int {
	return f.count
}

type stubSender struct {
	mu      sync.Mutex
	channel model.AlertChannel
	err     error
	calls   int
}

func (s *stubSender) Channel() model.AlertChannel { return s.channel }

func (s *stubSender) Send(context.Context, string, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *stubSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func webhookOnlyConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Monitoring.AlertChannels = config.AlertChannels{
		Webhook: config.ChannelConfig{Enabled: true, URL: "http://collector.internal/hook"},
	}
	return cfg
}

func criticalEvent(ip string) model.SecurityEvent {
	return model.SecurityEvent{
		ID:          uuid.NewString(),
		EventType:   model.EventEncryptionError,
		Severity:    model.SeverityCritical,
		IPAddress:   ip,
		Description: "key unwrap failed",
		Timestamp:   time.Now().UTC(),
	}
}

func TestShouldAlertPolicy(t *testing.T) {
	mgr := config.NewStaticManager(nil)
	cases := []struct {
		name     string
		severity model.Severity
		recent   int
		want     bool
	}{
		{"critical always", model.SeverityCritical, 0, true},
		{"high always", model.SeverityHigh, 0, true},
		{"medium isolated", model.SeverityMedium, 1, false},
		{"medium at repeat threshold", model.SeverityMedium, 3, true},
		{"low never", model.SeverityLow, 100, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDispatcher(storage.NewMemory(), fakeRecent{count: tc.recent}, mgr, NewFeed(10), nil)
			ev := criticalEvent("10.0.0.1")
			ev.Severity = tc.severity
			if got := d.ShouldAlert(ev); got != tc.want {
				t.Fatalf("ShouldAlert(%s, recent=%d) = %v, want %v", tc.severity, tc.recent, got, tc.want)
			}
		})
	}
}

func TestRenderIncludesContext(t *testing.T) {
	d := NewDispatcher(storage.NewMemory(), fakeRecent{}, config.NewStaticManager(nil), NewFeed(10), nil)
	ev := criticalEvent("10.0.0.1")
	ev.UserID = "u1"
	ev.Metadata = map[string]any{"key_id": "k-7"}

	msg := d.Render(ev)
	for _, want := range []string{"[CRITICAL]", "encryption_error", "key unwrap failed", "ip=10.0.0.1", "user=u1", "key_id"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
}

func TestDeliveryStopsAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	cfg := webhookOnlyConfig()
	cfg.Monitoring.MaxAlertRetries = 3
	mgr := config.NewStaticManager(cfg)
	store := storage.NewMemory()

	base := time.Now()
	var offset time.Duration
	d := NewDispatcher(store, fakeRecent{}, mgr, NewFeed(10), nil)
	d.now = func() time.Time { return base.Add(offset) }
	sender := &stubSender{channel: model.ChannelWebhook, err: errors.New("gateway down")}
	d.RegisterSender(sender)

	ev := criticalEvent("10.0.0.1")
	d.Dispatch(ctx, ev)
	d.Wait()
	if got := sender.Calls(); got != 1 {
		t.Fatalf("initial attempts = %d, want 1", got)
	}

	// drive sweeps until the alert is exhausted
	for i := 0; i < 10; i++ {
		offset += time.Hour
		if _, err := d.RetrySweep(ctx); err != nil {
			t.Fatalf("retry sweep: %v", err)
		}
	}
	if got := sender.Calls(); got != 3 {
		t.Fatalf("total attempts = %d, want exactly max retries (3)", got)
	}

	pending, err := store.ListPendingAlerts(ctx, 0)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("exhausted alert still pending: %+v", pending)
	}
	list, _ := store.ListAlertsByEvent(ctx, ev.ID)
	if len(list) != 1 {
		t.Fatalf("alerts = %d, want 1", len(list))
	}
	a := list[0]
	if a.Sent || a.RetryCount != 3 || a.ErrorMessage == "" {
		t.Fatalf("unexpected terminal state: %+v", a)
	}
	if sent, failed := d.Totals(); sent != 0 || failed != 1 {
		t.Fatalf("totals = (%d, %d), want (0, 1)", sent, failed)
	}
}

func TestRetryWaitsForBackoff(t *testing.T) {
	ctx := context.Background()
	cfg := webhookOnlyConfig()
	cfg.Sweep.RetrySpacing = 30 * time.Second
	mgr := config.NewStaticManager(cfg)
	store := storage.NewMemory()

	base := time.Now()
	var offset time.Duration
	d := NewDispatcher(store, fakeRecent{}, mgr, NewFeed(10), nil)
	d.now = func() time.Time { return base.Add(offset) }
	sender := &stubSender{channel: model.ChannelWebhook, err: errors.New("gateway down")}
	d.RegisterSender(sender)

	d.Dispatch(ctx, criticalEvent("10.0.0.1"))
	d.Wait()

	// first retry needs 30s since the attempt; 10s is too soon
	offset = 10 * time.Second
	if _, err := d.RetrySweep(ctx); err != nil {
		t.Fatalf("retry sweep: %v", err)
	}
	if got := sender.Calls(); got != 1 {
		t.Fatalf("retried before backoff elapsed: %d calls", got)
	}

	offset = 31 * time.Second
	if _, err := d.RetrySweep(ctx); err != nil {
		t.Fatalf("retry sweep: %v", err)
	}
	if got := sender.Calls(); got != 2 {
		t.Fatalf("calls = %d, want 2 after backoff", got)
	}

	// second retry waits spacing*2 from the last attempt
	offset = 31*time.Second + 45*time.Second
	if _, err := d.RetrySweep(ctx); err != nil {
		t.Fatalf("retry sweep: %v", err)
	}
	if got := sender.Calls(); got != 2 {
		t.Fatalf("retried before doubled backoff: %d calls", got)
	}
}

func TestDisabledChannelAttemptIsSilentNoOp(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()
	cfg.Monitoring.AlertChannels = config.AlertChannels{}
	mgr := config.NewStaticManager(cfg)
	store := storage.NewMemory()

	d := NewDispatcher(store, fakeRecent{}, mgr, NewFeed(10), nil)
	sender := &stubSender{channel: model.ChannelWebhook, err: errors.New("gateway down")}
	d.RegisterSender(sender)

	// alert created while the channel was enabled, channel since disabled
	alert := model.SecurityAlert{
		ID:         uuid.NewString(),
		EventID:    uuid.NewString(),
		AlertType:  model.ChannelWebhook,
		Recipient:  "http://collector.internal/hook",
		Message:    "[CRITICAL] encryption_error: key unwrap failed",
		MaxRetries: 3,
	}
	if err := store.InsertAlert(ctx, alert); err != nil {
		t.Fatalf("insert alert: %v", err)
	}

	if _, err := d.RetrySweep(ctx); err != nil {
		t.Fatalf("retry sweep: %v", err)
	}
	if got := sender.Calls(); got != 0 {
		t.Fatalf("disabled channel was attempted %d times", got)
	}
	pending, _ := store.ListPendingAlerts(ctx, 0)
	if len(pending) != 1 || pending[0].RetryCount != 0 {
		t.Fatalf("disabled attempt consumed a retry: %+v", pending)
	}
}

func TestDispatchCreatesOneAlertPerEnabledChannel(t *testing.T) {
	ctx := context.Background()
	cfg := webhookOnlyConfig()
	cfg.Monitoring.AlertChannels.Dashboard = config.ChannelConfig{Enabled: true}
	mgr := config.NewStaticManager(cfg)
	store := storage.NewMemory()
	feed := NewFeed(10)

	d := NewDispatcher(store, fakeRecent{}, mgr, feed, nil)
	d.RegisterSender(&stubSender{channel: model.ChannelWebhook})

	ev := criticalEvent("10.0.0.1")
	d.Dispatch(ctx, ev)
	d.Wait()

	list, err := store.ListAlertsByEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("alerts = %d, want one per enabled channel (2)", len(list))
	}
	for _, a := range list {
		if !a.Sent {
			t.Fatalf("alert not delivered: %+v", a)
		}
	}
	if got := feed.List(0); len(got) != 1 {
		t.Fatalf("dashboard feed has %d entries, want 1", len(got))
	}
}
