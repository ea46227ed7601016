package watch

import (
	"time"

	"ltabot/internal/state"
)

// ReminderKind names the time-anchored events of a schedule.
type ReminderKind string

const (
	Reminder24h   ReminderKind = "reminder_24h"
	Reminder1h    ReminderKind = "reminder_1h"
	ReminderClose ReminderKind = "close_transition"
)

// NewSchedule builds a fresh reminder plan anchored on the market close.
func NewSchedule(league, roundID, roundName string, closesAt time.Time) *state.Schedule {
	return &state.Schedule{
		League:         league,
		RoundID:        roundID,
		RoundName:      roundName,
		MarketClosesAt: closesAt.UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
}

// ReminderAt returns the wall-clock time the given reminder is anchored to.
func ReminderAt(s *state.Schedule, kind ReminderKind) time.Time {
	switch kind {
	case Reminder24h:
		return s.MarketClosesAt.Add(-24 * time.Hour)
	case Reminder1h:
		return s.MarketClosesAt.Add(-time.Hour)
	default:
		return s.MarketClosesAt
	}
}

func reminderSent(s *state.Schedule, kind ReminderKind) bool {
	switch kind {
	case Reminder24h:
		return s.Reminder24hSent
	case Reminder1h:
		return s.Reminder1hSent
	default:
		return s.CloseHandled
	}
}

// MarkSent flips a reminder flag. Flags are monotonic: they never reset,
// so a reminder fires at most once per round even across restarts.
func MarkSent(s *state.Schedule, kind ReminderKind) {
	switch kind {
	case Reminder24h:
		s.Reminder24hSent = true
	case Reminder1h:
		s.Reminder1hSent = true
	default:
		s.CloseHandled = true
	}
	s.UpdatedAt = time.Now().UTC()
}

// PendingReminders lists the reminders whose anchor time has passed and
// whose flag is still unset. After downtime this is the catch-up set:
// every overdue reminder fires immediately on resume.
func PendingReminders(s *state.Schedule, now time.Time) []ReminderKind {
	var due []ReminderKind
	for _, kind := range []ReminderKind{Reminder24h, Reminder1h, ReminderClose} {
		if !reminderSent(s, kind) && !now.Before(ReminderAt(s, kind)) {
			due = append(due, kind)
		}
	}
	return due
}

// UpcomingReminders lists reminders still in the future and unsent,
// paired with their remaining delay.
func UpcomingReminders(s *state.Schedule, now time.Time) map[ReminderKind]time.Duration {
	out := map[ReminderKind]time.Duration{}
	for _, kind := range []ReminderKind{Reminder24h, Reminder1h, ReminderClose} {
		if reminderSent(s, kind) {
			continue
		}
		if at := ReminderAt(s, kind); at.After(now) {
			out[kind] = at.Sub(now)
		}
	}
	return out
}

// ScheduleDone reports whether the schedule can be garbage collected:
// the market has closed and every event has fired.
func ScheduleDone(s *state.Schedule, now time.Time) bool {
	return now.After(s.MarketClosesAt) &&
		s.MarketOpenSent && s.Reminder24hSent && s.Reminder1hSent && s.CloseHandled
}
