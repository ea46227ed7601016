package state

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"ltabot/internal/transport"
)

var ErrDisabled = errors.New("state storage disabled")

// PersistenceError wraps a failed load or save so callers can tell
// storage trouble apart from domain errors.
type PersistenceError struct {
	Op  string // "load" or "save"
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("state %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Config configures state persistence.
//
// Driver values:
//   - "file": single JSON snapshot, written atomically
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", persistence is disabled and state lives
// in memory only.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Phase of a chat's competition watch.
type Phase string

const (
	PhasePreMarket  Phase = "PRE_MARKET"
	PhaseMarketOpen Phase = "MARKET_OPEN"
	PhaseLive       Phase = "LIVE"
)

// ChatState is one chat's subscription, persisted across restarts.
type ChatState struct {
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	League   string `json:"league"`

	Phase     Phase  `json:"phase"`
	RoundID   string `json:"round_id,omitempty"`
	RoundName string `json:"round_name,omitempty"`

	// LastOrder is the team-name sequence of the last announced round
	// standing, best first. LastSplitOrder is the same for the cumulative
	// split ranking. LastScores maps team name to last announced points.
	LastOrder      []string           `json:"last_order,omitempty"`
	LastSplitOrder []string           `json:"last_split_order,omitempty"`
	LastScores     map[string]float64 `json:"last_scores,omitempty"`

	StaleCount    int     `json:"stale_count"`
	BackoffFactor float64 `json:"backoff_factor"`

	// SuppressFirstDelta mutes the first post-resume change announcement,
	// since changes accrued while the bot was down are not news.
	SuppressFirstDelta bool `json:"suppress_first_delta,omitempty"`

	LiveMessage transport.MessageRef `json:"live_message,omitempty"`

	// Schedules holds this chat's reminder plans, keyed by ScheduleKey.
	Schedules map[string]*Schedule `json:"schedules,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Key identifies the chat (and topic thread) this state belongs to.
func (c *ChatState) Key() string {
	return ChatKey(c.ChatID, c.ThreadID)
}

func ChatKey(chatID int64, threadID int) string {
	if threadID != 0 {
		return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(threadID)
	}
	return strconv.FormatInt(chatID, 10)
}

func (c *ChatState) Clone() *ChatState {
	if c == nil {
		return nil
	}
	cp := *c
	if c.LastOrder != nil {
		cp.LastOrder = append([]string(nil), c.LastOrder...)
	}
	if c.LastSplitOrder != nil {
		cp.LastSplitOrder = append([]string(nil), c.LastSplitOrder...)
	}
	if c.LastScores != nil {
		cp.LastScores = make(map[string]float64, len(c.LastScores))
		for k, v := range c.LastScores {
			cp.LastScores[k] = v
		}
	}
	if c.Schedules != nil {
		cp.Schedules = make(map[string]*Schedule, len(c.Schedules))
		for k, v := range c.Schedules {
			cp.Schedules[k] = v.Clone()
		}
	}
	return &cp
}

// Schedule is the shared reminder plan for one round's market close.
// The *Sent flags are monotonic: once true they never reset, so a
// reminder fires at most once per round across restarts.
type Schedule struct {
	League         string    `json:"league"`
	RoundID        string    `json:"round_id"`
	RoundName      string    `json:"round_name,omitempty"`
	MarketClosesAt time.Time `json:"market_closes_at"`

	MarketOpenSent  bool `json:"market_open_sent,omitempty"`
	Reminder24hSent bool `json:"reminder_24h_sent,omitempty"`
	Reminder1hSent  bool `json:"reminder_1h_sent,omitempty"`
	CloseHandled    bool `json:"close_handled,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Schedule) Key() string { return ScheduleKey(s.League, s.RoundID) }

func ScheduleKey(league, roundID string) string { return league + "_" + roundID }

func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// Snapshot is the full persisted state of the watcher fleet.
// Groups maps a group chat key to its attached league slug.
type Snapshot struct {
	Chats   map[string]*ChatState `json:"chats"`
	Groups  map[string]string     `json:"groups,omitempty"`
	SavedAt time.Time             `json:"saved_at"`
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		Chats:  map[string]*ChatState{},
		Groups: map[string]string{},
	}
}

func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return NewSnapshot()
	}
	cp := NewSnapshot()
	cp.SavedAt = s.SavedAt
	for k, v := range s.Chats {
		cp.Chats[k] = v.Clone()
	}
	for k, v := range s.Groups {
		cp.Groups[k] = v
	}
	return cp
}
