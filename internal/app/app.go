package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"ltabot/internal/bot"
	"ltabot/internal/config"
	"ltabot/internal/fantasy"
	"ltabot/internal/notify"
	rtsup "ltabot/internal/runtime/supervisor"
	"ltabot/internal/state"
	"ltabot/internal/transport"
	"ltabot/internal/transport/telegram"
	"ltabot/internal/watch"
	logx "ltabot/pkg/logx"
)

// App wires config, logging, the Telegram adapter, the fantasy API client,
// state persistence and the watcher fleet together.
type App struct {
	cfgPath string
	cfgm    *config.Manager

	logs *logx.Service
	log  logx.Logger

	adapter *telegram.Adapter
	client  *fantasy.Client
	store   state.Store
	gateway *notify.Gateway
	mgr     *watch.Manager
	router  *bot.Router

	cron *cron.Cron
	sup  *rtsup.Supervisor

	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logCfg(cfg))
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logSvc.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	client, err := newFantasyClient(cfg, logSvc.Logger())
	if err != nil {
		return nil, err
	}

	stateCfg, err := mapStateConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := state.Open(stateCfg, logSvc.Logger().With(logx.String("comp", "state")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("state persistence enabled", logx.String("driver", stateCfg.Driver))
	}

	watchOpts, err := mapWatchOptions(cfg)
	if err != nil {
		return nil, err
	}

	gateway := notify.New(ad, cfg.Telegram.RatePerSec, logSvc.Logger().With(logx.String("comp", "notify")))
	mgr := watch.NewManager(client, gateway, store, watchOpts, logSvc.Logger().With(logx.String("comp", "watch")))
	router := bot.New(mgr, client, client, gateway, cfg.Telegram.OwnerUserIDs,
		logSvc.Logger().With(logx.String("comp", "commands")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		logs:    logSvc,
		log:     log,
		adapter: ad,
		client:  client,
		store:   store,
		gateway: gateway,
		mgr:     mgr,
		router:  router,
		updates: make(chan transport.Update, 256),
	}, nil
}

func logCfg(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func newFantasyClient(cfg *config.Config, log logx.Logger) (*fantasy.Client, error) {
	timeout, err := config.ParseDurationOrDefault("fantasy.timeout", cfg.Fantasy.Timeout, 15*time.Second)
	if err != nil {
		return nil, err
	}
	retryBase, err := config.ParseDurationOrDefault("fantasy.retry_base", cfg.Fantasy.RetryBase, 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	retryMax := cfg.Fantasy.RetryMax
	if retryMax <= 0 {
		retryMax = 3
	}
	return fantasy.NewClient(cfg.Fantasy.BaseURL, cfg.Fantasy.SessionToken,
		fantasy.WithLogger(log.With(logx.String("comp", "fantasy"))),
		fantasy.WithHTTPClient(&http.Client{Timeout: timeout}),
		fantasy.WithRetry(retryMax, retryBase),
	)
}

func mapStateConfig(cfg *config.Config) (state.Config, error) {
	driver := strings.TrimSpace(cfg.State.Driver)
	if driver == "" {
		driver = "file"
	}
	path := strings.TrimSpace(cfg.State.Path)
	if path == "" {
		path = "./ltabot_state"
	}
	busy, err := config.ParseDurationField("state.busy_timeout", cfg.State.BusyTimeout)
	if err != nil {
		return state.Config{}, err
	}
	return state.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapWatchOptions(cfg *config.Config) (watch.Options, error) {
	poll, err := config.ParseDurationField("watch.poll_interval", cfg.Watch.PollInterval)
	if err != nil {
		return watch.Options{}, err
	}
	maxPoll, err := config.ParseDurationField("watch.max_poll_interval", cfg.Watch.MaxPollInterval)
	if err != nil {
		return watch.Options{}, err
	}
	return watch.Options{
		PollInterval:      poll,
		MaxPollInterval:   maxPoll,
		StaleThreshold:    cfg.Watch.StaleThreshold,
		BackoffMultiplier: cfg.Watch.BackoffMultiplier,
	}, nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return errors.New("telegram.token is required")
		}
		if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("fantasy.timeout", cfg.Fantasy.Timeout); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("fantasy.retry_base", cfg.Fantasy.RetryBase); err != nil {
			return err
		}
		if _, err := mapWatchOptions(cfg); err != nil {
			return err
		}
		if cfg.Watch.BackoffMultiplier < 0 || (cfg.Watch.BackoffMultiplier > 0 && cfg.Watch.BackoffMultiplier < 1) {
			return errors.New("watch.backoff_multiplier must be >= 1")
		}
		if _, err := mapStateConfig(cfg); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("state.snapshot_every", cfg.State.SnapshotEvery); err != nil {
			return err
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.sup.Go("watch.manager", func(c context.Context) error {
		return a.mgr.Run(c)
	})
	if n := a.mgr.ResumeAll(a.sup.Context()); n > 0 {
		a.log.Info("subscriptions resumed", logx.Int("count", n))
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.startMaintenance()
	a.log.Info("app started")
	return nil
}

// reloadLoop applies hot-reloadable config sections: logging, owner list
// and the fantasy session token. Transport, watch cadence and state driver
// changes need a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts, keep only the newest
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto apply
				}
			}
		apply:
			a.logs.Apply(logCfg(cfg))
			a.router.SetOwners(cfg.Telegram.OwnerUserIDs)
			if cfg.Fantasy.SessionToken != last.Fantasy.SessionToken {
				a.client.SetSessionToken(cfg.Fantasy.SessionToken)
				a.log.Info("fantasy session token updated from config")
			}
			if cfg.State != last.State {
				a.log.Warn("state config changed; restart required for changes to take effect")
			}
			if cfg.Watch != last.Watch {
				a.log.Warn("watch config changed; restart required for changes to take effect")
			}
			if cfg.Telegram.Token != last.Telegram.Token {
				a.log.Warn("telegram token changed; restart required for changes to take effect")
			}
			last = cfg
			a.log.Debug("config reload applied")
		}
	}
}

// startMaintenance schedules the periodic state snapshot and an hourly
// fleet summary on a cron runner.
func (a *App) startMaintenance() {
	cfg := a.cfgm.Get()
	snapEvery, err := config.ParseDurationOrDefault("state.snapshot_every", cfg.State.SnapshotEvery, 5*time.Minute)
	if err != nil {
		snapEvery = 5 * time.Minute
	}

	a.cron = cron.New()
	if a.store != nil {
		_, _ = a.cron.AddFunc(fmt.Sprintf("@every %s", snapEvery), func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := a.mgr.Flush(ctx); err != nil {
				a.log.Warn("periodic snapshot failed", logx.Err(err))
			}
		})
	}
	_, _ = a.cron.AddFunc("@hourly", func() {
		a.log.Info("watcher fleet", logx.Int("active", len(a.mgr.Active())))
	})
	a.cron.Start()
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("shutting down")

	if a.cron != nil {
		cronCtx := a.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-time.After(2 * time.Second):
		}
	}

	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, d time.Duration, fn func(c context.Context) error) {
		c, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		if err := fn(c); err != nil {
			a.log.Warn("shutdown step failed", logx.String("step", name), logx.Err(err))
		}
	}

	step("watchers", 5*time.Second, func(c context.Context) error {
		a.mgr.StopAll()
		return nil
	})
	step("adapter", 2*time.Second, func(c context.Context) error {
		return a.adapter.Stop(c)
	})
	if a.sup != nil {
		step("supervisor", 5*time.Second, func(c context.Context) error {
			return a.sup.Wait(c)
		})
	}
	if a.store != nil {
		step("state", 2*time.Second, func(c context.Context) error {
			return a.store.Close()
		})
	}

	a.log.Info("shutdown complete")
	return a.logs.Close()
}
