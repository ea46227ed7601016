package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"ltabot/internal/fantasy"
	"ltabot/internal/transport"
	"ltabot/internal/watch"
	logx "ltabot/pkg/logx"
)

type fakeSource struct {
	mu     sync.Mutex
	rounds map[string][]fantasy.Round
	scores []fantasy.TeamScore
	split  []fantasy.TeamScore
	err    error
}

func (f *fakeSource) Rounds(ctx context.Context, league string) ([]fantasy.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]fantasy.Round(nil), f.rounds[league]...), nil
}

func (f *fakeSource) RoundScores(ctx context.Context, league, roundID string) ([]fantasy.TeamScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fantasy.TeamScore(nil), f.scores...), nil
}

func (f *fakeSource) SplitRanking(ctx context.Context, league, roundID string) ([]fantasy.TeamScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fantasy.TeamScore(nil), f.split...), nil
}

func (f *fakeSource) SplitStandings(ctx context.Context, league string, rounds []fantasy.Round, maxIndex int) ([]fantasy.TeamScore, error) {
	return f.SplitRanking(ctx, league, "")
}

func (f *fakeSource) BudgetReport(ctx context.Context, league, roundID string) ([]fantasy.TeamBudget, error) {
	return nil, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeNotifier) Send(ctx context.Context, to transport.ChatTarget, text string) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.msgs)}, nil
}

func (f *fakeNotifier) EditOrSend(ctx context.Context, ref transport.MessageRef, to transport.ChatTarget, text string) (transport.MessageRef, error) {
	return f.Send(ctx, to, text)
}

func (f *fakeNotifier) Delete(ctx context.Context, ref transport.MessageRef) {}

func (f *fakeNotifier) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		return ""
	}
	return f.msgs[len(f.msgs)-1]
}

func (f *fakeNotifier) seen(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.msgs {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

type fakeTokens struct {
	mu    sync.Mutex
	token string
}

func (f *fakeTokens) SetSessionToken(token string) {
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
}

func (f *fakeTokens) get() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func newTestRouter(t *testing.T, owners []int64) (*Router, *fakeSource, *fakeNotifier, *fakeTokens) {
	t.Helper()
	src := &fakeSource{
		rounds: map[string][]fantasy.Round{
			"lta-sul": {
				{ID: "r1", Name: "Rodada 1", Status: fantasy.RoundInProgress, IndexInSplit: 1},
			},
			// a league that keeps the watcher quiet in PRE_MARKET
			"cd-2026": {
				{ID: "u1", Name: "Rodada 1", Status: fantasy.RoundUpcoming, IndexInSplit: 1},
			},
		},
		scores: []fantasy.TeamScore{
			{Rank: 1, Team: "Alpha", Owner: "Ana", Points: 10},
		},
		split: []fantasy.TeamScore{
			{Rank: 1, Team: "Alpha", Owner: "Ana", Points: 30},
		},
	}
	out := &fakeNotifier{}
	tokens := &fakeTokens{}
	mgr := watch.NewManager(src, out, nil, watch.Options{}, logx.Nop())
	return New(mgr, src, tokens, out, owners, logx.Nop()), src, out, tokens
}

func privateMsg(text string) *transport.Message {
	return &transport.Message{ChatID: 10, FromID: 10, Text: text}
}

func groupMsg(fromID int64, text string) *transport.Message {
	return &transport.Message{ChatID: -100123, FromID: fromID, Text: text, IsGroup: true}
}

func TestHelpPrivateAndGroup(t *testing.T) {
	t.Parallel()
	r, _, out, _ := newTestRouter(t, nil)
	ctx := context.Background()

	r.helpCmd(ctx, privateMsg("/start"), nil)
	if !strings.Contains(out.last(), "Private Chat Commands") {
		t.Errorf("private help = %q", out.last())
	}

	r.helpCmd(ctx, groupMsg(1, "/start"), nil)
	if !strings.Contains(out.last(), "Group Mode") || !strings.Contains(out.last(), "No league attached") {
		t.Errorf("group help = %q", out.last())
	}

	r.mgr.SetGroupLeague(-100123, "lta-sul")
	r.helpCmd(ctx, groupMsg(1, "/start"), nil)
	if !strings.Contains(out.last(), "<code>lta-sul</code>") {
		t.Errorf("group help after setleague = %q", out.last())
	}
}

func TestScoresPrivateRequiresSlug(t *testing.T) {
	t.Parallel()
	r, _, out, _ := newTestRouter(t, nil)
	ctx := context.Background()

	r.scoresCmd(ctx, privateMsg("/scores"), nil)
	if !strings.Contains(out.last(), "Usage: /scores") {
		t.Errorf("usage reply = %q", out.last())
	}

	r.scoresCmd(ctx, privateMsg("/scores lta-sul"), []string{"lta-sul"})
	if !out.seen("Alpha") {
		t.Errorf("standings missing team: %q", out.last())
	}
	if !out.seen("Live tournament") {
		t.Error("no live warning for in-progress round")
	}
}

func TestScoresGroupNeedsAttachedLeague(t *testing.T) {
	t.Parallel()
	r, _, out, _ := newTestRouter(t, nil)
	ctx := context.Background()

	r.scoresCmd(ctx, groupMsg(1, "/scores"), nil)
	if !strings.Contains(out.last(), "No league attached") {
		t.Errorf("reply = %q", out.last())
	}

	r.mgr.SetGroupLeague(-100123, "lta-sul")
	r.scoresCmd(ctx, groupMsg(1, "/scores"), nil)
	if !strings.Contains(out.last(), "Alpha") {
		t.Errorf("standings = %q", out.last())
	}
}

func TestSetLeagueValidatesAndGates(t *testing.T) {
	t.Parallel()
	r, _, out, _ := newTestRouter(t, []int64{99})
	ctx := context.Background()

	r.setleagueCmd(ctx, groupMsg(1, "/setleague lta-sul"), []string{"lta-sul"})
	if out.last() != "unauthorized" {
		t.Errorf("non-owner reply = %q", out.last())
	}

	r.setleagueCmd(ctx, groupMsg(99, "/setleague nope"), []string{"nope"})
	if !strings.Contains(out.last(), "not found or empty") {
		t.Errorf("unknown league reply = %q", out.last())
	}

	r.setleagueCmd(ctx, groupMsg(99, "/setleague lta-sul"), []string{"lta-sul"})
	if !strings.Contains(out.last(), "League set to <code>lta-sul</code>") {
		t.Errorf("reply = %q", out.last())
	}
	if league, ok := r.mgr.GroupLeague(-100123); !ok || league != "lta-sul" {
		t.Errorf("group league = %q, %v", league, ok)
	}

	r.setleagueCmd(ctx, privateMsg("/setleague lta-sul"), []string{"lta-sul"})
	if !strings.Contains(out.last(), "only works in groups") {
		t.Errorf("private reply = %q", out.last())
	}
}

func TestWatchLifecycleCommands(t *testing.T) {
	t.Parallel()
	r, _, out, _ := newTestRouter(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer r.mgr.StopAll()

	r.watchCmd(ctx, groupMsg(1, "/watch lta-sul"), []string{"lta-sul"})
	if !strings.Contains(out.last(), "/startwatch") {
		t.Errorf("group /watch redirect = %q", out.last())
	}

	r.watchCmd(ctx, privateMsg("/watch"), nil)
	if !strings.Contains(out.last(), "Usage: /watch") {
		t.Errorf("usage = %q", out.last())
	}

	r.watchCmd(ctx, privateMsg("/watch cd-2026"), []string{"cd-2026"})
	if !strings.Contains(out.last(), "👀 Watching <code>cd-2026</code>") {
		t.Errorf("watch reply = %q", out.last())
	}

	r.watchCmd(ctx, privateMsg("/watch cd-2026"), []string{"cd-2026"})
	if !strings.Contains(out.last(), "Already watching") {
		t.Errorf("duplicate watch reply = %q", out.last())
	}

	r.watchstatusCmd(ctx, privateMsg("/watchstatus"), nil)
	if !strings.Contains(out.last(), "Status do Watcher") {
		t.Errorf("status reply = %q", out.last())
	}

	r.unwatchCmd(ctx, privateMsg("/unwatch"), nil)
	if !strings.Contains(out.last(), "🛑 Stopped watching.") {
		t.Errorf("unwatch reply = %q", out.last())
	}

	r.unwatchCmd(ctx, privateMsg("/unwatch"), nil)
	if !strings.Contains(out.last(), "Not currently watching") {
		t.Errorf("second unwatch reply = %q", out.last())
	}

	r.watchstatusCmd(ctx, privateMsg("/watchstatus"), nil)
	if !strings.Contains(out.last(), "Não há watcher ativo") {
		t.Errorf("status after stop = %q", out.last())
	}
}

func TestStartwatchUsesGroupLeague(t *testing.T) {
	t.Parallel()
	r, _, out, _ := newTestRouter(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer r.mgr.StopAll()

	r.startwatchCmd(ctx, groupMsg(1, "/startwatch"), nil)
	if !strings.Contains(out.last(), "No league attached") {
		t.Errorf("reply = %q", out.last())
	}

	r.mgr.SetGroupLeague(-100123, "cd-2026")
	r.startwatchCmd(ctx, groupMsg(1, "/startwatch"), nil)
	if !strings.Contains(out.last(), "👀 Watching <code>cd-2026</code>") {
		t.Errorf("reply = %q", out.last())
	}

	r.stopwatchCmd(ctx, groupMsg(1, "/stopwatch"), nil)
	if !strings.Contains(out.last(), "🛑 Stopped watching.") {
		t.Errorf("reply = %q", out.last())
	}
}

func TestAuthPrivateOnly(t *testing.T) {
	t.Parallel()
	r, _, out, tokens := newTestRouter(t, []int64{10})
	ctx := context.Background()

	r.authCmd(ctx, groupMsg(10, "/auth tok"), []string{"tok"})
	if !strings.Contains(out.last(), "private chat") {
		t.Errorf("group auth reply = %q", out.last())
	}

	r.authCmd(ctx, privateMsg("/auth"), nil)
	if !strings.Contains(out.last(), "Usage: /auth") {
		t.Errorf("usage = %q", out.last())
	}

	r.authCmd(ctx, privateMsg("/auth secret-token"), []string{"secret-token"})
	if tokens.get() != "secret-token" {
		t.Errorf("token = %q", tokens.get())
	}
	if !strings.Contains(out.last(), "Token updated") {
		t.Errorf("reply = %q", out.last())
	}

	other := &transport.Message{ChatID: 11, FromID: 11, Text: "/auth sneaky"}
	r.authCmd(ctx, other, []string{"sneaky"})
	if out.last() != "unauthorized" {
		t.Errorf("non-owner auth reply = %q", out.last())
	}
	if tokens.get() != "secret-token" {
		t.Error("non-owner overwrote token")
	}
}

func TestRunDispatchStripsBotSuffix(t *testing.T) {
	t.Parallel()
	r, _, out, _ := newTestRouter(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan transport.Update, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx, updates)
	}()

	updates <- transport.Update{Message: privateMsg("/scores@LtaFantasyBot lta-sul")}
	updates <- transport.Update{Message: privateMsg("not a command")}
	updates <- transport.Update{Message: privateMsg("/nosuchcommand")}

	deadline := time.Now().Add(3 * time.Second)
	for !out.seen("Alpha") {
		if time.Now().After(deadline) {
			t.Fatal("dispatched command never replied")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
}
