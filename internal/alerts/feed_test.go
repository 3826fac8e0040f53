package alerts

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"sentinel/internal/model"
)

func feedAlert(sentAt time.Time) model.SecurityAlert {
	t := sentAt
	return model.SecurityAlert{
		ID:        uuid.NewString(),
		AlertType: model.ChannelDashboard,
		Sent:      true,
		SentAt:    &t,
	}
}

func TestFeedDropsOldestAtLimit(t *testing.T) {
	f := NewFeed(3)
	now := time.Now()
	var ids []string
	for i := 0; i < 5; i++ {
		a := feedAlert(now.Add(time.Duration(i) * time.Minute))
		ids = append(ids, a.ID)
		f.Add(a)
	}

	got := f.List(0)
	if len(got) != 3 {
		t.Fatalf("feed = %d entries, want 3", len(got))
	}
	if got[0].ID != ids[2] || got[2].ID != ids[4] {
		t.Fatalf("oldest entries not dropped: %+v", got)
	}

	if got := f.List(1); len(got) != 1 || got[0].ID != ids[4] {
		t.Fatalf("limited list should return newest: %+v", got)
	}
}

func TestFeedSince(t *testing.T) {
	f := NewFeed(10)
	now := time.Now()
	f.Add(feedAlert(now.Add(-2 * time.Hour)))
	f.Add(feedAlert(now.Add(-time.Minute)))
	f.Add(feedAlert(now))

	got := f.Since(now.Add(-time.Hour))
	if len(got) != 2 {
		t.Fatalf("since = %d entries, want 2", len(got))
	}
}
