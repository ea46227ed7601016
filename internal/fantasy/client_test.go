package fantasy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, "tok-1", WithRetry(2, time.Millisecond))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, srv
}

func TestRoundsDecodesDataEnvelope(t *testing.T) {
	t.Parallel()

	var gotToken atomic.Value
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken.Store(r.Header.Get("x-session-token"))
		if r.URL.Path != "/leagues/lta-sul/rounds" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Write([]byte(`{"data":[
			{"id":"r1","name":"Rodada 1","status":"completed","indexInSplit":1,"marketClosesAt":"2026-08-01T18:00:00Z"},
			{"id":"r2","name":"Rodada 2","status":"market_open","indexInSplit":2,"marketClosesAt":"2026-08-08T18:00:00Z"}
		]}`))
	}))

	rounds, err := c.Rounds(context.Background(), "lta-sul")
	if err != nil {
		t.Fatalf("Rounds: %v", err)
	}
	if len(rounds) != 2 {
		t.Fatalf("got %d rounds, want 2", len(rounds))
	}
	if rounds[1].Status != RoundMarketOpen || rounds[1].IndexInSplit != 2 {
		t.Errorf("round 2 decoded wrong: %+v", rounds[1])
	}
	if tok, _ := gotToken.Load().(string); tok != "tok-1" {
		t.Errorf("session token header = %q, want tok-1", tok)
	}
	if ct, ok := rounds[0].MarketCloseTime(); !ok || ct.IsZero() {
		t.Errorf("market close time not parsed: %v %v", ct, ok)
	}
}

func TestAuthErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"invalid session"}`, http.StatusUnauthorized)
	}))

	_, err := c.Rounds(context.Background(), "lta-sul")
	if !IsAuthError(err) {
		t.Fatalf("want AuthError, got %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("auth failure retried: %d calls", n)
	}
}

func TestTransientErrorRetriedUntilSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "upstream blew up", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"data":[]}`))
	}))

	if _, err := c.Rounds(context.Background(), "lta-sul"); err != nil {
		t.Fatalf("want success after retries, got %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("got %d calls, want 3", n)
	}
}

func TestTransientErrorSurfacesAfterBudget(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))

	_, err := c.Rounds(context.Background(), "lta-sul")
	if !IsTransient(err) {
		t.Fatalf("want TransientError, got %v", err)
	}
}

func TestSetSessionToken(t *testing.T) {
	t.Parallel()

	var gotToken atomic.Value
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken.Store(r.Header.Get("x-session-token"))
		w.Write([]byte(`{"data":[]}`))
	}))

	c.SetSessionToken("tok-2")
	if _, err := c.Rounds(context.Background(), "lta-sul"); err != nil {
		t.Fatalf("Rounds: %v", err)
	}
	if tok, _ := gotToken.Load().(string); tok != "tok-2" {
		t.Errorf("token = %q, want tok-2", tok)
	}
}

func TestRoundScoresUsesPartialPoints(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/leagues/lta-sul/ranking":
			w.Write([]byte(`{"data":[
				{"rank":1,"score":10,"userTeam":{"id":"t1","name":"Alpha","ownerName":"Ana"}},
				{"rank":2,"score":8,"userTeam":{"id":"t2","name":"Beta","ownerName":"Bia"}}
			]}`))
		case "/rosters/per-round/r9/t1":
			w.Write([]byte(`{"data":{"roundRoster":{"pointsPartial":11.5},"rosterPlayers":[]}}`))
		case "/rosters/per-round/r9/t2":
			w.Write([]byte(`{"data":{"roundRoster":{"pointsPartial":40.0},"rosterPlayers":[]}}`))
		default:
			http.NotFound(w, r)
		}
	}))

	rows, err := c.RoundScores(context.Background(), "lta-sul", "r9")
	if err != nil {
		t.Fatalf("RoundScores: %v", err)
	}
	if rows[0].Team != "Beta" || rows[0].Points != 40.0 || rows[0].Rank != 1 {
		t.Errorf("partial points did not reorder: %+v", rows)
	}
}

func TestCurrentRoundPreference(t *testing.T) {
	t.Parallel()

	rounds := []Round{
		{ID: "r1", Status: RoundCompleted, IndexInSplit: 1},
		{ID: "r2", Status: RoundCompleted, IndexInSplit: 2},
		{ID: "r3", Status: RoundMarketOpen, IndexInSplit: 3},
		{ID: "r4", Status: RoundUpcoming, IndexInSplit: 4},
	}

	if got := CurrentRound(rounds); got == nil || got.ID != "r3" {
		t.Errorf("CurrentRound = %+v, want r3", got)
	}

	rounds[2].Status = RoundInProgress
	if got := CurrentRound(rounds); got == nil || got.ID != "r3" {
		t.Errorf("in_progress should win: %+v", got)
	}

	rounds[2].Status = RoundCompleted
	if got := CurrentRound(rounds); got == nil || got.ID != "r4" {
		t.Errorf("upcoming should win over completed: %+v", got)
	}

	rounds[3].Status = RoundCompleted
	if got := CurrentRound(rounds); got == nil || got.ID != "r4" {
		t.Errorf("latest completed should be picked: %+v", got)
	}

	if got := CurrentRound(nil); got != nil {
		t.Errorf("empty rounds: got %+v", got)
	}
}

func TestPreviousRound(t *testing.T) {
	t.Parallel()

	rounds := []Round{
		{ID: "r1", Status: RoundCompleted, IndexInSplit: 1},
		{ID: "r2", Status: RoundCompleted, IndexInSplit: 2},
		{ID: "r3", Status: RoundMarketOpen, IndexInSplit: 3},
	}
	if got := PreviousRound(rounds, rounds[2]); got == nil || got.ID != "r2" {
		t.Errorf("PreviousRound = %+v, want r2", got)
	}
	if got := PreviousRound(rounds, rounds[0]); got != nil {
		t.Errorf("first round has no previous, got %+v", got)
	}
}
