package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ltabot/internal/transport"
	logx "ltabot/pkg/logx"
)

func sampleSnapshot() *Snapshot {
	snap := NewSnapshot()
	cs := &ChatState{
		ChatID:        -100123,
		ThreadID:      7,
		League:        "lta-sul",
		Phase:         PhaseLive,
		RoundID:       "r3",
		RoundName:     "Rodada 3",
		LastOrder:     []string{"Alpha", "Beta"},
		LastScores:    map[string]float64{"Alpha": 42.5, "Beta": 40},
		StaleCount:    4,
		BackoffFactor: 2.0,
		LiveMessage:   transport.MessageRef{ChatID: -100123, MessageID: 991},
		UpdatedAt:     time.Now().UTC().Truncate(time.Second),
	}
	sc := &Schedule{
		League:          "lta-sul",
		RoundID:         "r4",
		RoundName:       "Rodada 4",
		MarketClosesAt:  time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second),
		Reminder24hSent: true,
		UpdatedAt:       time.Now().UTC().Truncate(time.Second),
	}
	cs.Schedules = map[string]*Schedule{sc.Key(): sc}
	snap.Chats[cs.Key()] = cs
	snap.Groups[ChatKey(-100123, 0)] = "lta-sul"
	return snap
}

func assertSnapshotEqual(t *testing.T, got, want *Snapshot) {
	t.Helper()
	if len(got.Chats) != len(want.Chats) {
		t.Fatalf("size mismatch: %d/%d chats", len(got.Chats), len(want.Chats))
	}
	for k, w := range want.Groups {
		if got.Groups[k] != w {
			t.Errorf("group %q league = %q, want %q", k, got.Groups[k], w)
		}
	}
	for k, w := range want.Chats {
		g, ok := got.Chats[k]
		if !ok {
			t.Fatalf("missing chat %q", k)
		}
		if g.Phase != w.Phase || g.RoundID != w.RoundID || g.StaleCount != w.StaleCount ||
			g.BackoffFactor != w.BackoffFactor || g.LiveMessage != w.LiveMessage {
			t.Errorf("chat %q mismatch: got %+v want %+v", k, g, w)
		}
		if len(g.LastOrder) != len(w.LastOrder) {
			t.Errorf("chat %q last order mismatch: %v vs %v", k, g.LastOrder, w.LastOrder)
		}
		if g.LastScores["Alpha"] != w.LastScores["Alpha"] {
			t.Errorf("chat %q scores mismatch", k)
		}
		for sk, ws := range w.Schedules {
			gs, ok := g.Schedules[sk]
			if !ok {
				t.Fatalf("chat %q missing schedule %q", k, sk)
			}
			if !gs.MarketClosesAt.Equal(ws.MarketClosesAt) ||
				gs.Reminder24hSent != ws.Reminder24hSent ||
				gs.Reminder1hSent != ws.Reminder1hSent ||
				gs.MarketOpenSent != ws.MarketOpenSent ||
				gs.CloseHandled != ws.CloseHandled {
				t.Errorf("schedule %q mismatch: got %+v want %+v", sk, gs, ws)
			}
		}
	}
}

func TestFileRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	want := sampleSnapshot()
	if err := st.Save(context.Background(), want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	assertSnapshotEqual(t, got, want)
	if got.SavedAt.IsZero() {
		t.Error("SavedAt not set")
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.db")
	st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	want := sampleSnapshot()
	if err := st.Save(context.Background(), want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// save twice to exercise replace-all
	if err := st.Save(context.Background(), want); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	got, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	assertSnapshotEqual(t, got, want)
}

func TestFileLoadMissingReturnsEmpty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nope.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	snap, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Chats) != 0 {
		t.Errorf("expected empty snapshot, got %+v", snap)
	}
}

func TestFileLoadCorruptIsPersistenceError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err = st.Load(context.Background())
	var pe *PersistenceError
	if !errors.As(err, &pe) || pe.Op != "load" {
		t.Fatalf("want PersistenceError{load}, got %v", err)
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil || st != nil {
		t.Errorf("disabled driver: got %v, %v", st, err)
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Error("unknown driver accepted")
	}
}

func TestChatKey(t *testing.T) {
	t.Parallel()

	if k := ChatKey(-100123, 0); k != "-100123" {
		t.Errorf("ChatKey = %q", k)
	}
	if k := ChatKey(-100123, 7); k != "-100123:7" {
		t.Errorf("ChatKey with thread = %q", k)
	}
}

func TestSnapshotCloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := sampleSnapshot()
	cp := orig.Clone()

	key := ChatKey(-100123, 7)
	skey := ScheduleKey("lta-sul", "r4")
	cp.Chats[key].LastOrder[0] = "Gamma"
	cp.Chats[key].LastScores["Alpha"] = 0
	cp.Chats[key].Schedules[skey].Reminder1hSent = true

	if orig.Chats[key].LastOrder[0] != "Alpha" {
		t.Error("clone shares LastOrder backing array")
	}
	if orig.Chats[key].LastScores["Alpha"] != 42.5 {
		t.Error("clone shares LastScores map")
	}
	if orig.Chats[key].Schedules[skey].Reminder1hSent {
		t.Error("clone shares schedule pointer")
	}
}
