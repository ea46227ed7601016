package watch

import (
	"context"
	"sync"
	"time"

	"ltabot/internal/state"
	logx "ltabot/pkg/logx"
)

const saveFlushInterval = 2 * time.Second

// Manager owns the subscription fleet: one watcher goroutine per chat,
// plus a save loop that folds chat-state clones into the persisted
// snapshot. Chat state is only ever touched by its own watcher; the
// manager works on clones.
type Manager struct {
	src   Source
	out   Notifier
	store state.Store // nil means in-memory only
	log   logx.Logger
	opts  Options

	saves chan SaveRequest

	mu       sync.Mutex
	watchers map[string]*running
	snapshot *state.Snapshot
	dirty    bool
}

type running struct {
	league string
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(src Source, out Notifier, store state.Store, opts Options, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		src:      src,
		out:      out,
		store:    store,
		log:      log,
		opts:     opts.withDefaults(),
		saves:    make(chan SaveRequest, 64),
		watchers: map[string]*running{},
		snapshot: state.NewSnapshot(),
	}
}

// Run is the save loop. It blocks until ctx is canceled, then performs a
// final flush so a clean shutdown never loses state.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(saveFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := m.Flush(fctx)
			cancel()
			if err != nil {
				m.log.Warn("final state flush failed", logx.Err(err))
			}
			return nil
		case req := <-m.saves:
			m.mu.Lock()
			m.snapshot.Chats[req.Key] = req.Chat
			m.dirty = true
			m.mu.Unlock()
		case <-ticker.C:
			if err := m.Flush(ctx); err != nil {
				m.log.Warn("state flush failed", logx.Err(err))
			}
		}
	}
}

// Flush persists the snapshot if anything changed since the last write.
// Persistence trouble is logged upstream, never fatal.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	if !m.dirty || m.store == nil {
		m.mu.Unlock()
		return nil
	}
	snap := m.snapshot.Clone()
	m.dirty = false
	m.mu.Unlock()

	return m.store.Save(ctx, snap)
}

// Start launches a watcher for the chat. No-op if one is already running.
func (m *Manager) Start(ctx context.Context, chatID int64, threadID int, league string) bool {
	key := state.ChatKey(chatID, threadID)

	m.mu.Lock()
	if _, ok := m.watchers[key]; ok {
		m.mu.Unlock()
		return false
	}
	cs := &state.ChatState{
		ChatID:        chatID,
		ThreadID:      threadID,
		League:        league,
		Phase:         state.PhasePreMarket,
		BackoffFactor: 1.0,
		UpdatedAt:     time.Now().UTC(),
	}
	m.launchLocked(ctx, key, cs)
	m.mu.Unlock()

	m.log.Info("watcher started",
		logx.Int64("chat_id", chatID), logx.String("league", league))
	return true
}

// launchLocked registers and starts the watcher goroutine. Caller holds mu.
func (m *Manager) launchLocked(ctx context.Context, key string, cs *state.ChatState) {
	wctx, cancel := context.WithCancel(ctx)
	w := newWatcher(cs, m.src, m.out, m.saves, m.opts, m.log)
	r := &running{league: cs.League, cancel: cancel, done: make(chan struct{})}
	m.watchers[key] = r
	m.snapshot.Chats[key] = cs.Clone()
	m.dirty = true

	go func() {
		defer close(r.done)
		err := w.run(wctx)
		cancel()
		if err != nil && wctx.Err() == nil {
			// fatal for this subscription only; the chat was already told
			m.remove(key)
		}
	}()
}

// remove forgets a subscription after a fatal error.
func (m *Manager) remove(key string) {
	m.mu.Lock()
	delete(m.watchers, key)
	delete(m.snapshot.Chats, key)
	m.dirty = true
	m.mu.Unlock()
}

// Stop cancels the chat's watcher, waits for it to unwind (including its
// pending reminder timers), and drops its persisted state.
func (m *Manager) Stop(chatID int64, threadID int) bool {
	key := state.ChatKey(chatID, threadID)

	m.mu.Lock()
	r, ok := m.watchers[key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.watchers, key)
	m.mu.Unlock()

	r.cancel()
	<-r.done

	m.mu.Lock()
	delete(m.snapshot.Chats, key)
	m.dirty = true
	m.mu.Unlock()

	m.log.Info("watcher stopped", logx.Int64("chat_id", chatID))
	return true
}

// ResumeAll restores the persisted subscriptions at startup. Each resumed
// watcher suppresses change detection for its first poll, since persisted
// and freshly fetched data are not comparable news.
func (m *Manager) ResumeAll(ctx context.Context) int {
	if m.store == nil {
		return 0
	}
	snap, err := m.store.Load(ctx)
	if err != nil {
		m.log.Warn("state load failed, starting empty", logx.Err(err))
		return 0
	}

	n := 0
	m.mu.Lock()
	for key, league := range snap.Groups {
		m.snapshot.Groups[key] = league
	}
	for key, cs := range snap.Chats {
		if _, ok := m.watchers[key]; ok {
			continue
		}
		cs = cs.Clone()
		cs.SuppressFirstDelta = true
		m.launchLocked(ctx, key, cs)
		n++
	}
	m.mu.Unlock()

	if n > 0 {
		m.log.Info("watchers resumed", logx.Int("count", n))
	}
	return n
}

// StopAll cancels every watcher and waits for them. Used on shutdown;
// unlike Stop it keeps the persisted state.
func (m *Manager) StopAll() {
	m.mu.Lock()
	rs := make([]*running, 0, len(m.watchers))
	for key, r := range m.watchers {
		rs = append(rs, r)
		delete(m.watchers, key)
	}
	m.mu.Unlock()

	for _, r := range rs {
		r.cancel()
	}
	for _, r := range rs {
		<-r.done
	}
}

// Status returns the last saved state of the chat's subscription.
func (m *Manager) Status(chatID int64, threadID int) (*state.ChatState, bool) {
	key := state.ChatKey(chatID, threadID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watchers[key]; !ok {
		return nil, false
	}
	cs, ok := m.snapshot.Chats[key]
	if !ok {
		return nil, false
	}
	return cs.Clone(), true
}

// SetGroupLeague attaches a league to a group chat so commands there can
// omit the slug. An empty league detaches.
func (m *Manager) SetGroupLeague(chatID int64, league string) {
	key := state.ChatKey(chatID, 0)
	m.mu.Lock()
	if league == "" {
		delete(m.snapshot.Groups, key)
	} else {
		m.snapshot.Groups[key] = league
	}
	m.dirty = true
	m.mu.Unlock()
}

// GroupLeague returns the league attached to a group chat, if any.
func (m *Manager) GroupLeague(chatID int64) (string, bool) {
	key := state.ChatKey(chatID, 0)
	m.mu.Lock()
	defer m.mu.Unlock()
	league, ok := m.snapshot.Groups[key]
	return league, ok
}

// Active lists the currently watched chats.
func (m *Manager) Active() []*state.ChatState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*state.ChatState, 0, len(m.watchers))
	for key := range m.watchers {
		if cs, ok := m.snapshot.Chats[key]; ok {
			out = append(out, cs.Clone())
		}
	}
	return out
}
