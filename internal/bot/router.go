package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"ltabot/internal/fantasy"
	"ltabot/internal/format"
	"ltabot/internal/transport"
	"ltabot/internal/watch"
	logx "ltabot/pkg/logx"
)

const noLeagueAttached = "❌ No league attached to this group. Use <code>/setleague &lt;league_slug&gt;</code> first."

// TokenSetter swaps the fantasy API session token at runtime.
type TokenSetter interface {
	SetSessionToken(token string)
}

// Router turns incoming chat commands into watcher and fantasy API calls.
// Handlers run on a small worker pool so a slow API call never blocks the
// update stream.
type Router struct {
	mgr    *watch.Manager
	src    watch.Source
	tokens TokenSetter
	out    watch.Notifier
	log    logx.Logger

	mu     sync.RWMutex
	owners []int64

	jobs chan func()
}

func New(mgr *watch.Manager, src watch.Source, tokens TokenSetter, out watch.Notifier, owners []int64, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		mgr:    mgr,
		src:    src,
		tokens: tokens,
		out:    out,
		log:    log,
		owners: append([]int64(nil), owners...),
		jobs:   make(chan func(), 64),
	}
}

// SetOwners updates the privileged-user list. Safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.owners) == 0 {
		return true
	}
	for _, o := range r.owners {
		if o == id {
			return true
		}
	}
	return false
}

// Run consumes updates until ctx is canceled or the channel closes.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	const workers = 4

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-r.jobs:
					if !ok {
						return
					}
					job()
				}
			}
		}()
	}
	defer func() {
		close(r.jobs)
		wg.Wait()
	}()

	r.log.Info("command router started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info("command router stopped")
			return nil
		case up, ok := <-updates:
			if !ok {
				r.log.Info("command router stopped (updates closed)")
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(ctx context.Context, up transport.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := strings.Fields(text)
	cmd := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	args := parts[1:]

	handler := r.lookup(cmd)
	if handler == nil {
		return
	}

	m := *msg
	job := func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("panic in command handler",
					logx.String("cmd", cmd),
					logx.Any("panic", rec),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		handler(ctx, &m, args)
	}

	select {
	case r.jobs <- job:
	default:
		r.reply(ctx, &m, "busy, try again")
	}
}

type handlerFunc func(ctx context.Context, msg *transport.Message, args []string)

func (r *Router) lookup(cmd string) handlerFunc {
	switch cmd {
	case "start", "help":
		return r.helpCmd
	case "scores":
		return r.scoresCmd
	case "split":
		return r.splitCmd
	case "watch":
		return r.watchCmd
	case "unwatch":
		return r.unwatchCmd
	case "startwatch":
		return r.startwatchCmd
	case "stopwatch":
		return r.stopwatchCmd
	case "watchstatus", "status":
		return r.watchstatusCmd
	case "setleague":
		return r.setleagueCmd
	case "getleague":
		return r.getleagueCmd
	case "auth":
		return r.authCmd
	}
	return nil
}

func (r *Router) reply(ctx context.Context, msg *transport.Message, text string) {
	to := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if _, err := r.out.Send(ctx, to, text); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
	}
}

func (r *Router) helpCmd(ctx context.Context, msg *transport.Message, args []string) {
	if !msg.IsGroup {
		r.reply(ctx, msg,
			"🤖 <b>LTA Fantasy Bot</b>\n\n"+
				"<b>Private Chat Commands:</b>\n"+
				"/scores &lt;league_slug&gt; - Get current standings\n"+
				"/split &lt;league_slug&gt; - Get split ranking\n"+
				"/watch &lt;league_slug&gt; - Start monitoring league\n"+
				"/unwatch - Stop monitoring\n"+
				"/watchstatus - Show watcher state\n"+
				"/auth &lt;token&gt; - Update session token\n\n"+
				"<b>Group Commands (for admins):</b>\n"+
				"/setleague &lt;league_slug&gt; - Attach league to this group\n"+
				"/getleague - Show current league\n"+
				"/startwatch - Start monitoring group's league\n"+
				"/stopwatch - Stop monitoring")
		return
	}
	status := "❓ No league attached"
	if league, ok := r.mgr.GroupLeague(msg.ChatID); ok {
		status = fmt.Sprintf("📊 Current league: <code>%s</code>", format.EscapeHTML(league))
	}
	r.reply(ctx, msg,
		"🤖 <b>LTA Fantasy Bot</b> (Group Mode)\n\n"+status+"\n\n"+
			"<b>Commands for All Members:</b>\n"+
			"/scores - Show current standings\n"+
			"/split - Show split ranking\n"+
			"/getleague - Show current league\n"+
			"/watchstatus - Show watcher state\n\n"+
			"<b>Admin Only Commands:</b>\n"+
			"/setleague &lt;slug&gt; - Attach league to group\n"+
			"/startwatch - Start live monitoring\n"+
			"/stopwatch - Stop monitoring")
}

// resolveLeague picks the league slug for read commands: the first argument
// in private chats, the attached league in groups.
func (r *Router) resolveLeague(ctx context.Context, msg *transport.Message, args []string, usage string) (string, bool) {
	if !msg.IsGroup {
		if len(args) < 1 {
			r.reply(ctx, msg, usage)
			return "", false
		}
		return args[0], true
	}
	league, ok := r.mgr.GroupLeague(msg.ChatID)
	if !ok {
		r.reply(ctx, msg, noLeagueAttached)
		return "", false
	}
	return league, true
}

func (r *Router) scoresCmd(ctx context.Context, msg *transport.Message, args []string) {
	league, ok := r.resolveLeague(ctx, msg, args, "Usage: /scores <league_slug>")
	if !ok {
		return
	}

	rounds, err := r.src.Rounds(ctx, league)
	if err != nil {
		r.replyAPIError(ctx, msg, err)
		return
	}
	round := fantasy.LatestRound(rounds)
	if round == nil {
		r.reply(ctx, msg, fmt.Sprintf("❌ No rounds found for league <code>%s</code>.", format.EscapeHTML(league)))
		return
	}

	scores, err := r.src.RoundScores(ctx, league, round.ID)
	if err != nil {
		r.replyAPIError(ctx, msg, err)
		return
	}
	if len(scores) == 0 {
		r.reply(ctx, msg, fmt.Sprintf("❌ No scores yet for <code>%s</code>.", format.EscapeHTML(round.Name)))
		return
	}

	text := format.Standings(league, round.Name, string(round.Status), scores, nil, true, "Parcial")
	if round.Status == fantasy.RoundInProgress {
		text = "⚠️ <i>Live tournament - scores updating in real time</i>\n\n" + text
	}
	r.reply(ctx, msg, text)
}

func (r *Router) splitCmd(ctx context.Context, msg *transport.Message, args []string) {
	league, ok := r.resolveLeague(ctx, msg, args, "Usage: /split <league_slug>")
	if !ok {
		return
	}

	rounds, err := r.src.Rounds(ctx, league)
	if err != nil {
		r.replyAPIError(ctx, msg, err)
		return
	}
	round := fantasy.LatestRound(rounds)
	if round == nil {
		r.reply(ctx, msg, fmt.Sprintf("❌ No rounds found for league <code>%s</code>.", format.EscapeHTML(league)))
		return
	}

	rows, err := r.src.SplitRanking(ctx, league, round.ID)
	if err != nil {
		r.replyAPIError(ctx, msg, err)
		return
	}
	if len(rows) == 0 {
		r.reply(ctx, msg, "❌ No split ranking available yet.")
		return
	}
	r.reply(ctx, msg, format.Standings(league, round.Name, string(round.Status), rows, nil, true, "Split"))
}

func (r *Router) watchCmd(ctx context.Context, msg *transport.Message, args []string) {
	if msg.IsGroup {
		r.reply(ctx, msg, "❌ Use <code>/startwatch</code> in groups.")
		return
	}
	if len(args) < 1 {
		r.reply(ctx, msg, "Usage: /watch <league_slug>")
		return
	}
	r.startWatching(ctx, msg, args[0], "/unwatch")
}

func (r *Router) startwatchCmd(ctx context.Context, msg *transport.Message, args []string) {
	if !msg.IsGroup {
		r.reply(ctx, msg, "❌ Use <code>/watch &lt;league_slug&gt;</code> in private chats.")
		return
	}
	if !r.isOwner(msg.FromID) {
		r.reply(ctx, msg, "unauthorized")
		return
	}
	league, ok := r.mgr.GroupLeague(msg.ChatID)
	if !ok {
		r.reply(ctx, msg, noLeagueAttached)
		return
	}
	r.startWatching(ctx, msg, league, "/stopwatch")
}

func (r *Router) startWatching(ctx context.Context, msg *transport.Message, league, stopHint string) {
	rounds, err := r.src.Rounds(ctx, league)
	if err != nil {
		r.reply(ctx, msg, fmt.Sprintf("❌ Could not check league status: %v", err))
		return
	}
	if len(rounds) == 0 {
		r.reply(ctx, msg, fmt.Sprintf("❌ No rounds found for league <code>%s</code>.", format.EscapeHTML(league)))
		return
	}

	if !r.mgr.Start(ctx, msg.ChatID, msg.ThreadID, league) {
		r.reply(ctx, msg, fmt.Sprintf("✅ Already watching <code>%s</code>!", format.EscapeHTML(league)))
		return
	}
	r.reply(ctx, msg, fmt.Sprintf(
		"👀 Watching <code>%s</code> with dynamic intervals by phase. Use %s to stop.",
		format.EscapeHTML(league), stopHint))
}

func (r *Router) unwatchCmd(ctx context.Context, msg *transport.Message, args []string) {
	r.stopWatching(ctx, msg)
}

func (r *Router) stopwatchCmd(ctx context.Context, msg *transport.Message, args []string) {
	if msg.IsGroup && !r.isOwner(msg.FromID) {
		r.reply(ctx, msg, "unauthorized")
		return
	}
	r.stopWatching(ctx, msg)
}

func (r *Router) stopWatching(ctx context.Context, msg *transport.Message) {
	if r.mgr.Stop(msg.ChatID, msg.ThreadID) {
		r.reply(ctx, msg, "🛑 Stopped watching.")
	} else {
		r.reply(ctx, msg, "❓ Not currently watching anything.")
	}
}

func (r *Router) watchstatusCmd(ctx context.Context, msg *transport.Message, args []string) {
	cs, ok := r.mgr.Status(msg.ChatID, msg.ThreadID)
	if !ok {
		r.reply(ctx, msg, "ℹ️ Não há watcher ativo neste chat.")
		return
	}

	reminders := "—"
	if len(cs.Schedules) > 0 {
		keys := make([]string, 0, len(cs.Schedules))
		for k := range cs.Schedules {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sc := cs.Schedules[keys[len(keys)-1]]
		mark := func(sent bool) string {
			if sent {
				return "✅"
			}
			return "❌"
		}
		reminders = fmt.Sprintf("market_open:%s, 24h:%s, 1h:%s, close:%s",
			mark(sc.MarketOpenSent), mark(sc.Reminder24hSent),
			mark(sc.Reminder1hSent), mark(sc.CloseHandled))
	}

	r.reply(ctx, msg, fmt.Sprintf(
		"🔍 <b>Status do Watcher</b>\n"+
			"Liga: <code>%s</code>\n"+
			"Fase: <b>%s</b>\n"+
			"Rodada: %s\n"+
			"Stale polls: %d\n"+
			"Backoff: %.2fx\n"+
			"Reminders: %s",
		format.EscapeHTML(cs.League), cs.Phase,
		format.EscapeHTML(cs.RoundName),
		cs.StaleCount, cs.BackoffFactor, reminders))
}

func (r *Router) setleagueCmd(ctx context.Context, msg *transport.Message, args []string) {
	if !msg.IsGroup {
		r.reply(ctx, msg, "❌ This command only works in groups.")
		return
	}
	if !r.isOwner(msg.FromID) {
		r.reply(ctx, msg, "unauthorized")
		return
	}
	if len(args) < 1 {
		r.reply(ctx, msg, "Usage: /setleague <league_slug>")
		return
	}
	league := args[0]

	rounds, err := r.src.Rounds(ctx, league)
	if err != nil {
		r.reply(ctx, msg, fmt.Sprintf("❌ Could not access league <code>%s</code>: %v", format.EscapeHTML(league), err))
		return
	}
	if len(rounds) == 0 {
		r.reply(ctx, msg, fmt.Sprintf("❌ League <code>%s</code> not found or empty.", format.EscapeHTML(league)))
		return
	}

	r.mgr.SetGroupLeague(msg.ChatID, league)
	r.reply(ctx, msg, fmt.Sprintf("✅ League set to <code>%s</code> for this group!", format.EscapeHTML(league)))
}

func (r *Router) getleagueCmd(ctx context.Context, msg *transport.Message, args []string) {
	if !msg.IsGroup {
		r.reply(ctx, msg, "❌ This command only works in groups.")
		return
	}
	if league, ok := r.mgr.GroupLeague(msg.ChatID); ok {
		r.reply(ctx, msg, fmt.Sprintf("📊 Current league: <code>%s</code>", format.EscapeHTML(league)))
	} else {
		r.reply(ctx, msg, noLeagueAttached)
	}
}

func (r *Router) authCmd(ctx context.Context, msg *transport.Message, args []string) {
	if msg.IsGroup {
		r.reply(ctx, msg, "❌ Use /auth in a private chat.")
		return
	}
	if !r.isOwner(msg.FromID) {
		r.reply(ctx, msg, "unauthorized")
		return
	}
	if len(args) < 1 {
		r.reply(ctx, msg, "Usage: /auth <x-session-token>")
		return
	}
	r.tokens.SetSessionToken(args[0])
	r.reply(ctx, msg, "✅ Token updated in memory. Try /scores again.")
}

func (r *Router) replyAPIError(ctx context.Context, msg *transport.Message, err error) {
	if fantasy.IsAuthError(err) {
		r.reply(ctx, msg, fmt.Sprintf("🔐 %v", err))
		return
	}
	r.reply(ctx, msg, fmt.Sprintf("❌ Error: %v", err))
}
