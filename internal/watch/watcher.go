package watch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ltabot/internal/fantasy"
	"ltabot/internal/format"
	"ltabot/internal/state"
	"ltabot/internal/transport"
	logx "ltabot/pkg/logx"
)

// Source is the read side of the fantasy API a watcher needs.
// *fantasy.Client satisfies it.
type Source interface {
	Rounds(ctx context.Context, league string) ([]fantasy.Round, error)
	RoundScores(ctx context.Context, league, roundID string) ([]fantasy.TeamScore, error)
	SplitRanking(ctx context.Context, league, roundID string) ([]fantasy.TeamScore, error)
	SplitStandings(ctx context.Context, league string, rounds []fantasy.Round, maxIndex int) ([]fantasy.TeamScore, error)
	BudgetReport(ctx context.Context, league, roundID string) ([]fantasy.TeamBudget, error)
}

// Notifier is the outbound messaging side. *notify.Gateway satisfies it.
type Notifier interface {
	Send(ctx context.Context, to transport.ChatTarget, text string) (transport.MessageRef, error)
	EditOrSend(ctx context.Context, ref transport.MessageRef, to transport.ChatTarget, text string) (transport.MessageRef, error)
	Delete(ctx context.Context, ref transport.MessageRef)
}

// Options tune polling cadence and staleness backoff.
type Options struct {
	PollInterval      time.Duration
	MaxPollInterval   time.Duration
	StaleThreshold    int
	BackoffMultiplier float64
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.MaxPollInterval < o.PollInterval {
		o.MaxPollInterval = 15 * time.Minute
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 12
	}
	if o.BackoffMultiplier <= 1 {
		o.BackoffMultiplier = 2.0
	}
	return o
}

// StateInconsistencyError is a round status the current phase cannot
// account for. Fatal for the one subscription that observed it.
type StateInconsistencyError struct {
	RoundName string
	Status    fantasy.RoundStatus
}

func (e *StateInconsistencyError) Error() string {
	return fmt.Sprintf("unexpected round state: %q is %s", e.RoundName, e.Status)
}

// SaveRequest carries a chat state clone to the manager's save loop.
// Remove means the subscription ended and should leave the snapshot.
type SaveRequest struct {
	Key    string
	Chat   *state.ChatState
	Remove bool
}

type signalKind int

const (
	sigReminderDue signalKind = iota
	sigMarketLive
	sigFatal
)

// signal is how reminder timers and the close-poll loop hand work to the
// run goroutine. They never mutate chat state themselves.
type signal struct {
	kind     signalKind
	schedule string
	reminder ReminderKind
	err      error
}

const savePollBudget = 3 // polls between unconditional saves while LIVE

// Watcher drives one chat's subscription through the phase machine.
// All chat-state mutations happen on the run goroutine.
type Watcher struct {
	cs     *state.ChatState
	target transport.ChatTarget

	src  Source
	out  Notifier
	log  logx.Logger
	opts Options

	backoff *Backoff
	signals chan signal
	saves   chan<- SaveRequest

	timers []*time.Timer
	wg     sync.WaitGroup

	resumed     bool
	saveCounter int
	errWarned   bool
}

func newWatcher(cs *state.ChatState, src Source, out Notifier, saves chan<- SaveRequest, opts Options, log logx.Logger) *Watcher {
	opts = opts.withDefaults()
	b := NewBackoff(opts.PollInterval, opts.MaxPollInterval, opts.StaleThreshold, opts.BackoffMultiplier)
	b.Restore(cs.StaleCount, cs.BackoffFactor)
	if cs.Schedules == nil {
		cs.Schedules = map[string]*state.Schedule{}
	}
	return &Watcher{
		cs:      cs,
		target:  transport.ChatTarget{ChatID: cs.ChatID, ThreadID: cs.ThreadID},
		src:     src,
		out:     out,
		log:     log.With(logx.Int64("chat_id", cs.ChatID), logx.String("league", cs.League)),
		opts:    opts,
		backoff: b,
		signals: make(chan signal, 16),
		saves:   saves,
		resumed: cs.SuppressFirstDelta,
	}
}

// run is the per-chat loop. It returns when ctx is canceled or the
// subscription hits a fatal error.
func (w *Watcher) run(ctx context.Context) error {
	defer w.stopTimers()
	defer w.wg.Wait()

	if err := w.initPhase(ctx); err != nil {
		return w.finish(ctx, err)
	}
	w.requestSave(ctx)

	for {
		immediate, err := w.iterate(ctx)
		if err != nil {
			return w.finish(ctx, err)
		}
		if w.resumed {
			w.resumed = false
			w.cs.SuppressFirstDelta = false
		}
		if immediate {
			continue
		}

		if err := w.wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return w.finish(ctx, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// initPhase derives the starting phase from the latest round's status.
func (w *Watcher) initPhase(ctx context.Context) error {
	rounds, err := w.src.Rounds(ctx, w.cs.League)
	if err != nil {
		if fantasy.IsAuthError(err) {
			return err
		}
		// keep the persisted phase and let normal polling sort it out
		w.log.Warn("initial round fetch failed, keeping persisted phase",
			logx.String("phase", string(w.cs.Phase)), logx.Err(err))
		switch w.cs.Phase {
		case state.PhaseMarketOpen:
			// MARKET_OPEN waits on signals alone, so without timers the
			// loop would block forever. Re-arm from the persisted
			// schedule; if none survived, poll until a fetch succeeds.
			sched := w.cs.Schedules[state.ScheduleKey(w.cs.League, w.cs.RoundID)]
			if sched == nil {
				w.cs.Phase = state.PhasePreMarket
				return nil
			}
			w.scheduleReminders(ctx, sched)
		case "":
			w.cs.Phase = state.PhasePreMarket
		}
		return nil
	}

	latest := fantasy.LatestRound(rounds)
	phase := phaseForRound(latest)
	w.cs.Phase = phase
	w.log.Info("watch phase initialized", logx.String("phase", string(phase)))

	if phase == state.PhaseMarketOpen && latest != nil {
		w.enterMarketOpen(ctx, latest, rounds)
	}
	return nil
}

func phaseForRound(r *fantasy.Round) state.Phase {
	if r == nil {
		return state.PhasePreMarket
	}
	switch r.Status {
	case fantasy.RoundInProgress:
		return state.PhaseLive
	case fantasy.RoundMarketOpen:
		return state.PhaseMarketOpen
	default:
		return state.PhasePreMarket
	}
}

// iterate runs one phase step. immediate requests a re-poll without the
// usual wait (used right after LIVE completes back into PRE_MARKET).
func (w *Watcher) iterate(ctx context.Context) (immediate bool, err error) {
	switch w.cs.Phase {
	case state.PhaseMarketOpen:
		// event-driven: reminder timers and the close poll do the work
		return false, nil
	case state.PhaseLive:
		return w.pollLive(ctx)
	default:
		return false, w.pollPreMarket(ctx)
	}
}

// wait sleeps until the next poll is due or a signal arrives. MARKET_OPEN
// has no poll deadline; it blocks on signals alone.
func (w *Watcher) wait(ctx context.Context) error {
	if w.cs.Phase == state.PhaseMarketOpen {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-w.signals:
			return w.handleSignal(ctx, sig)
		}
	}

	t := time.NewTimer(w.backoff.Interval())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-w.signals:
		return w.handleSignal(ctx, sig)
	case <-t.C:
		return nil
	}
}

func (w *Watcher) handleSignal(ctx context.Context, sig signal) error {
	switch sig.kind {
	case sigFatal:
		return sig.err
	case sigMarketLive:
		if w.cs.Phase == state.PhaseMarketOpen {
			w.cs.Phase = state.PhaseLive
			w.backoff.Reset()
			w.log.Info("market closed, round live")
			w.requestSave(ctx)
		}
	case sigReminderDue:
		sched := w.cs.Schedules[sig.schedule]
		if sched == nil || reminderSent(sched, sig.reminder) {
			return nil
		}
		w.fireReminder(ctx, sched, sig.reminder)
	}
	return nil
}

// finish delivers the one fatal-error message the chat gets before the
// subscription stops.
func (w *Watcher) finish(ctx context.Context, err error) error {
	if err == nil || ctx.Err() != nil {
		return err
	}
	switch {
	case fantasy.IsAuthError(err):
		_, _ = w.out.Send(ctx, w.target, "🔐 Sessão expirada ou inválida. Use /auth para atualizar o token.")
	default:
		_, _ = w.out.Send(ctx, w.target, fmt.Sprintf("❌ Watch error: %v\nStopped watching.", err))
	}
	w.log.Error("watcher stopped", logx.Err(err))
	return err
}

// pollErr classifies an API failure. Transient errors warn the chat once
// per streak and keep the subscription alive.
func (w *Watcher) pollErr(ctx context.Context, err error) error {
	if err == nil {
		w.errWarned = false
		return nil
	}
	if fantasy.IsAuthError(err) {
		return err
	}
	w.log.Warn("poll failed", logx.Err(err))
	if !w.errWarned {
		w.errWarned = true
		_, _ = w.out.Send(ctx, w.target, fmt.Sprintf("⚠️ Erro temporário ao consultar a API: %v", err))
	}
	return nil
}

func (w *Watcher) pollPreMarket(ctx context.Context) error {
	rounds, err := w.src.Rounds(ctx, w.cs.League)
	if err != nil {
		return w.pollErr(ctx, err)
	}
	w.errWarned = false

	latest := fantasy.LatestRound(rounds)
	if latest == nil || latest.Status != fantasy.RoundMarketOpen {
		return nil
	}
	w.enterMarketOpen(ctx, latest, rounds)
	w.requestSave(ctx)
	return nil
}

// enterMarketOpen performs the PRE_MARKET→MARKET_OPEN side effects: the
// one-time market-open notification and the reminder schedule.
func (w *Watcher) enterMarketOpen(ctx context.Context, round *fantasy.Round, rounds []fantasy.Round) {
	w.cs.Phase = state.PhaseMarketOpen
	w.cs.RoundID = round.ID
	w.cs.RoundName = round.Name
	w.backoff.Reset()

	key := state.ScheduleKey(w.cs.League, round.ID)
	sched := w.cs.Schedules[key]
	if sched == nil {
		closesAt, _ := round.MarketCloseTime()
		sched = NewSchedule(w.cs.League, round.ID, round.Name, closesAt)
		w.cs.Schedules[key] = sched
	}

	if !sched.MarketOpenSent {
		_, err := w.out.Send(ctx, w.target, w.buildMarketOpen(ctx, round, rounds))
		if err != nil {
			w.log.Warn("market open notification failed", logx.Err(err))
		}
		sched.MarketOpenSent = true
		sched.UpdatedAt = time.Now().UTC()
	}

	w.scheduleReminders(ctx, sched)
	w.log.Info("market open", logx.String("round", round.Name))
}

func (w *Watcher) buildMarketOpen(ctx context.Context, round *fantasy.Round, rounds []fantasy.Round) string {
	closesAt, _ := round.MarketCloseTime()
	var budgets []fantasy.TeamBudget
	if prev := fantasy.PreviousRound(rounds, *round); prev != nil {
		var err error
		budgets, err = w.src.BudgetReport(ctx, w.cs.League, prev.ID)
		if err != nil {
			w.log.Warn("budget report failed", logx.String("round", prev.Name), logx.Err(err))
			budgets = nil
		}
	}
	return format.MarketOpen(round.Name, round.Status, closesAt, budgets)
}

// scheduleReminders fires overdue reminders immediately (downtime
// catch-up) and arms one-shot timers for the rest. Timers only signal;
// the run goroutine applies the effects.
func (w *Watcher) scheduleReminders(ctx context.Context, sched *state.Schedule) {
	if sched.CloseHandled {
		// The close already fired but the round is still market_open
		// (resume landed between close and the status flip). Nothing is
		// left to arm; only the close poll can discover the live round.
		w.startClosePoll(ctx)
		return
	}
	if sched.MarketClosesAt.IsZero() {
		// Without a close time there is nothing to anchor reminders on and
		// no scheduled close transition, so the status flip has to be
		// discovered by polling right away.
		w.log.Warn("round has no market close time, reminders disabled",
			logx.String("round", sched.RoundName))
		MarkSent(sched, ReminderClose)
		w.startClosePoll(ctx)
		return
	}
	now := time.Now()

	for _, kind := range PendingReminders(sched, now) {
		w.log.Info("firing overdue reminder", logx.String("kind", string(kind)))
		w.fireReminder(ctx, sched, kind)
	}

	key := sched.Key()
	for kind, delay := range UpcomingReminders(sched, now) {
		kind := kind
		w.log.Debug("reminder armed",
			logx.String("kind", string(kind)), logx.Duration("in", delay))
		t := time.AfterFunc(delay, func() {
			select {
			case w.signals <- signal{kind: sigReminderDue, schedule: key, reminder: kind}:
			case <-ctx.Done():
			}
		})
		w.timers = append(w.timers, t)
	}
}

func (w *Watcher) fireReminder(ctx context.Context, sched *state.Schedule, kind ReminderKind) {
	switch kind {
	case Reminder24h:
		_, _ = w.out.Send(ctx, w.target, format.Reminder24h(sched.MarketClosesAt))
	case Reminder1h:
		_, _ = w.out.Send(ctx, w.target, format.Reminder1h())
	case ReminderClose:
		_, _ = w.out.Send(ctx, w.target, format.MarketClosed())
		w.startClosePoll(ctx)
	}
	MarkSent(sched, kind)
	w.requestSave(ctx)
}

// startClosePoll watches for the API status flip to in_progress after the
// market-close deadline. MARKET_OPEN is otherwise event-driven, so this
// loop is the only thing that can discover the live transition.
func (w *Watcher) startClosePoll(ctx context.Context) {
	league := w.cs.League
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		b := NewBackoff(w.opts.PollInterval, w.opts.MaxPollInterval, w.opts.StaleThreshold, w.opts.BackoffMultiplier)
		for {
			rounds, err := w.src.Rounds(ctx, league)
			switch {
			case err == nil:
				if latest := fantasy.LatestRound(rounds); latest != nil && latest.Status == fantasy.RoundInProgress {
					select {
					case w.signals <- signal{kind: sigMarketLive}:
					case <-ctx.Done():
					}
					return
				}
			case fantasy.IsAuthError(err):
				select {
				case w.signals <- signal{kind: sigFatal, err: err}:
				case <-ctx.Done():
				}
				return
			default:
				w.log.Warn("close poll failed", logx.Err(err))
			}

			b.Observe(false)
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.Interval()):
			}
		}
	}()
}

func (w *Watcher) pollLive(ctx context.Context) (bool, error) {
	rounds, err := w.src.Rounds(ctx, w.cs.League)
	if err != nil {
		return false, w.pollErr(ctx, err)
	}

	cur := fantasy.LatestRound(rounds)
	if cur == nil {
		return false, &StateInconsistencyError{RoundName: "none", Status: "missing"}
	}
	if cur.Status == fantasy.RoundCompleted {
		w.handleCompletion(ctx, cur, rounds)
		return true, nil
	}
	if cur.Status != fantasy.RoundInProgress {
		return false, &StateInconsistencyError{RoundName: cur.Name, Status: cur.Status}
	}

	w.cs.RoundID = cur.ID
	w.cs.RoundName = cur.Name

	scores, err := w.src.RoundScores(ctx, w.cs.League, cur.ID)
	if err != nil {
		return false, w.pollErr(ctx, err)
	}
	if len(scores) == 0 {
		w.log.Warn("no team scores for live round", logx.String("round", cur.Name))
		return false, nil
	}
	splitRows, err := w.src.SplitRanking(ctx, w.cs.League, cur.ID)
	if err != nil {
		return false, w.pollErr(ctx, err)
	}
	w.errWarned = false

	suppress := w.resumed
	arrows := map[string]string{}
	if !suppress {
		arrows = ScoreArrows(w.cs.LastScores, scores)
	}
	roundNames := fantasy.TeamNames(scores)
	splitNames := fantasy.TeamNames(splitRows)
	roundChanged := RankingChanged(w.cs.LastOrder, roundNames, suppress)
	splitChanged := RankingChanged(w.cs.LastSplitOrder, splitNames, suppress)

	status := string(cur.Status)
	if roundChanged {
		alert := format.RankingChanged(
			format.Standings(w.cs.League, cur.Name, status, scores, nil, false, "Round"))
		_, _ = w.out.Send(ctx, w.target, alert)
	}
	if splitChanged && len(splitRows) > 0 {
		alert := format.SplitRankingChanged(
			format.Standings(w.cs.League, cur.Name, status, splitRows, nil, false, "Split"))
		_, _ = w.out.Send(ctx, w.target, alert)
	}

	msg := format.Standings(w.cs.League, cur.Name, status, scores, arrows, true, "Round")
	var ref transport.MessageRef
	if roundChanged || splitChanged {
		// a reorder gets a fresh message so the old standing stays visible
		ref, err = w.out.Send(ctx, w.target, msg)
	} else {
		ref, err = w.out.EditOrSend(ctx, w.cs.LiveMessage, w.target, msg)
	}
	if err != nil {
		w.log.Warn("live update send failed", logx.Err(err))
	} else {
		w.cs.LiveMessage = ref
	}

	w.cs.LastScores = scoreMap(scores)
	w.cs.LastOrder = roundNames
	w.cs.LastSplitOrder = splitNames

	changed := roundChanged || splitChanged || anyArrow(arrows)
	w.backoff.Observe(changed)

	w.saveCounter++
	if changed || w.saveCounter >= savePollBudget {
		w.requestSave(ctx)
		w.saveCounter = 0
	}
	return false, nil
}

// handleCompletion runs the LIVE→PRE_MARKET side effects: final scores,
// the accumulated split ranking, and a full tracking reset.
func (w *Watcher) handleCompletion(ctx context.Context, cur *fantasy.Round, rounds []fantasy.Round) {
	w.log.Info("round completed", logx.String("round", cur.Name))

	w.out.Delete(ctx, w.cs.LiveMessage)
	w.cs.LiveMessage = transport.MessageRef{}

	scores, err := w.src.RoundScores(ctx, w.cs.League, cur.ID)
	if err != nil {
		_, _ = w.out.Send(ctx, w.target, format.RoundCompletedNoScores(err))
	} else {
		final := format.Standings(w.cs.League, cur.Name, string(cur.Status), scores, nil, false, "Round")
		_, _ = w.out.Send(ctx, w.target, format.RoundCompleted(final))

		split, serr := w.src.SplitStandings(ctx, w.cs.League, rounds, cur.IndexInSplit)
		if serr != nil {
			w.log.Warn("split standings failed", logx.Err(serr))
		} else if len(split) > 0 {
			_, _ = w.out.Send(ctx, w.target, format.SplitAccumulated(w.cs.League, cur.Name, split))
		}
	}

	w.cs.LastOrder = nil
	w.cs.LastSplitOrder = nil
	w.cs.LastScores = nil
	w.cs.RoundID = ""
	w.cs.RoundName = ""
	w.backoff.Reset()
	w.gcSchedules(time.Now())
	w.cs.Phase = state.PhasePreMarket
	w.requestSave(ctx)
}

// gcSchedules drops schedules whose market closed and whose events all
// fired.
func (w *Watcher) gcSchedules(now time.Time) {
	for key, sched := range w.cs.Schedules {
		if ScheduleDone(sched, now) {
			delete(w.cs.Schedules, key)
		}
	}
}

// requestSave hands a clone of the chat state to the manager. Dropping a
// request is fine; the periodic snapshot catches up.
func (w *Watcher) requestSave(ctx context.Context) {
	_ = ctx
	w.cs.StaleCount = w.backoff.StaleCount()
	w.cs.BackoffFactor = w.backoff.Factor()
	w.cs.UpdatedAt = time.Now().UTC()

	select {
	case w.saves <- SaveRequest{Key: w.cs.Key(), Chat: w.cs.Clone()}:
	default:
		w.log.Debug("save request dropped (save loop busy)")
	}
}

func (w *Watcher) stopTimers() {
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = nil
}

func scoreMap(rows []fantasy.TeamScore) map[string]float64 {
	m := make(map[string]float64, len(rows))
	for _, r := range rows {
		m[r.Team] = r.Points
	}
	return m
}
