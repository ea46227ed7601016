package watch

import (
	"testing"
	"time"

	"ltabot/internal/fantasy"
	"ltabot/internal/state"
)

func TestBackoffGrowsAfterThreshold(t *testing.T) {
	t.Parallel()

	b := NewBackoff(30*time.Second, 15*time.Minute, 5, 2.0)

	for i := 0; i < 5; i++ {
		if b.Factor() != 1.0 {
			t.Fatalf("factor grew before threshold: %v after %d polls", b.Factor(), i)
		}
		b.Observe(false)
	}
	if b.Factor() != 2.0 {
		t.Errorf("factor after 5 stale polls = %v, want 2.0", b.Factor())
	}
	if b.StaleCount() != 0 {
		t.Errorf("stale count not reset after multiply: %d", b.StaleCount())
	}

	for i := 0; i < 5; i++ {
		b.Observe(false)
	}
	if b.Factor() != 4.0 {
		t.Errorf("factor after 10 stale polls = %v, want 4.0", b.Factor())
	}
	if b.Interval() != 2*time.Minute {
		t.Errorf("interval = %v, want 2m", b.Interval())
	}
}

func TestBackoffMonotonicUntilChange(t *testing.T) {
	t.Parallel()

	b := NewBackoff(30*time.Second, 15*time.Minute, 3, 2.0)

	last := b.Factor()
	for i := 0; i < 20; i++ {
		b.Observe(false)
		if b.Factor() < last {
			t.Fatalf("factor decreased without a change: %v -> %v", last, b.Factor())
		}
		last = b.Factor()
	}

	b.Observe(true)
	if b.Factor() != 1.0 || b.StaleCount() != 0 {
		t.Errorf("change did not reset backoff: factor=%v stale=%d", b.Factor(), b.StaleCount())
	}
}

func TestBackoffClampedToMax(t *testing.T) {
	t.Parallel()

	b := NewBackoff(30*time.Second, time.Minute, 2, 2.0)
	for i := 0; i < 50; i++ {
		b.Observe(false)
	}
	if b.Factor() != 2.0 {
		t.Errorf("factor = %v, want clamp at max/base = 2.0", b.Factor())
	}
	if b.Interval() != time.Minute {
		t.Errorf("interval = %v, want 1m", b.Interval())
	}
}

func TestBackoffRestoreClamps(t *testing.T) {
	t.Parallel()

	b := NewBackoff(30*time.Second, time.Minute, 5, 2.0)
	b.Restore(-3, 64.0)
	if b.StaleCount() != 0 || b.Factor() != 2.0 {
		t.Errorf("Restore did not clamp: stale=%d factor=%v", b.StaleCount(), b.Factor())
	}
	b.Restore(2, 0.5)
	if b.Factor() != 1.0 {
		t.Errorf("Restore accepted factor < 1: %v", b.Factor())
	}
}

func TestScoreArrows(t *testing.T) {
	t.Parallel()

	prev := map[string]float64{"Alpha": 10, "Beta": 8}
	cur := []fantasy.TeamScore{
		{Team: "Alpha", Points: 10},
		{Team: "Beta", Points: 12},
		{Team: "Gamma", Points: 5},
	}
	arrows := ScoreArrows(prev, cur)
	if arrows["Alpha"] != "" || arrows["Beta"] != "⬆️" || arrows["Gamma"] != "" {
		t.Errorf("arrows = %v", arrows)
	}
	if !anyArrow(arrows) {
		t.Error("anyArrow = false with a moved team")
	}

	prev["Beta"] = 20
	arrows = ScoreArrows(prev, cur)
	if arrows["Beta"] != "⬇️" {
		t.Errorf("Beta arrow = %q, want down", arrows["Beta"])
	}
}

func TestRankingChanged(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		prev     []string
		cur      []string
		suppress bool
		want     bool
	}{
		{"no previous", nil, []string{"A", "B"}, false, false},
		{"identical", []string{"A", "B"}, []string{"A", "B"}, false, false},
		{"reordered", []string{"A", "B"}, []string{"B", "A"}, false, true},
		{"team added", []string{"A"}, []string{"A", "B"}, false, true},
		{"reordered but suppressed", []string{"A", "B"}, []string{"B", "A"}, true, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := RankingChanged(tc.prev, tc.cur, tc.suppress); got != tc.want {
				t.Errorf("RankingChanged(%v, %v, %v) = %v, want %v",
					tc.prev, tc.cur, tc.suppress, got, tc.want)
			}
		})
	}
}

func TestScheduleFlagsMonotonic(t *testing.T) {
	t.Parallel()

	closes := time.Now().Add(30 * time.Hour)
	s := NewSchedule("lta-sul", "r1", "Rodada 1", closes)

	// nothing due yet
	if due := PendingReminders(s, time.Now()); len(due) != 0 {
		t.Errorf("pending before anchors: %v", due)
	}

	// 23h before close: 24h reminder due
	now := closes.Add(-23 * time.Hour)
	due := PendingReminders(s, now)
	if len(due) != 1 || due[0] != Reminder24h {
		t.Fatalf("pending at -23h = %v, want [reminder_24h]", due)
	}

	MarkSent(s, Reminder24h)
	if due := PendingReminders(s, now); len(due) != 0 {
		t.Errorf("24h reminder still pending after MarkSent: %v", due)
	}

	// after close with nothing else sent: 1h and close are both overdue
	now = closes.Add(time.Minute)
	due = PendingReminders(s, now)
	if len(due) != 2 || due[0] != Reminder1h || due[1] != ReminderClose {
		t.Fatalf("pending after close = %v, want [reminder_1h close_transition]", due)
	}

	MarkSent(s, Reminder1h)
	MarkSent(s, ReminderClose)
	if due := PendingReminders(s, now); len(due) != 0 {
		t.Errorf("reminders re-sent after flags set: %v", due)
	}
}

func TestScheduleSurvivesReload(t *testing.T) {
	t.Parallel()

	closes := time.Now().UTC().Add(time.Hour)
	s := NewSchedule("lta-sul", "r1", "Rodada 1", closes)
	MarkSent(s, Reminder24h)
	MarkSent(s, Reminder1h)

	// a reload hands back a copy of the persisted struct
	reloaded := s.Clone()
	due := PendingReminders(reloaded, closes.Add(-30*time.Minute))
	if len(due) != 0 {
		t.Errorf("sent reminders pending again after reload: %v", due)
	}
}

func TestUpcomingReminders(t *testing.T) {
	t.Parallel()

	closes := time.Now().Add(30 * time.Hour)
	s := NewSchedule("lta-sul", "r1", "Rodada 1", closes)

	up := UpcomingReminders(s, time.Now())
	if len(up) != 3 {
		t.Fatalf("want 3 upcoming, got %v", up)
	}
	if d := up[Reminder24h]; d <= 0 || d > 6*time.Hour {
		t.Errorf("24h delay = %v, want ~6h", d)
	}
	if d := up[ReminderClose]; d <= 0 || d > 30*time.Hour {
		t.Errorf("close delay = %v", d)
	}

	MarkSent(s, Reminder24h)
	if up := UpcomingReminders(s, time.Now()); len(up) != 2 {
		t.Errorf("sent reminder still upcoming: %v", up)
	}
}

func TestScheduleDone(t *testing.T) {
	t.Parallel()

	closes := time.Now().Add(-time.Hour)
	s := &state.Schedule{
		League: "lta-sul", RoundID: "r1", MarketClosesAt: closes,
		MarketOpenSent: true, Reminder24hSent: true, Reminder1hSent: true,
	}
	if ScheduleDone(s, time.Now()) {
		t.Error("done with close transition still pending")
	}
	s.CloseHandled = true
	if !ScheduleDone(s, time.Now()) {
		t.Error("not done with all flags set past close")
	}
	if ScheduleDone(s, closes.Add(-2*time.Hour)) {
		t.Error("done before market close")
	}
}
