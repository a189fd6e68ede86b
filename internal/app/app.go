// Package app wires configuration, logging, storage, transport, the process
// supervisor, reminders and the router into one runnable bot.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"procbot/internal/commands/core"
	"procbot/internal/commands/remind"
	"procbot/internal/config"
	"procbot/internal/eventbus"
	"procbot/internal/process"
	"procbot/internal/reminders"
	"procbot/internal/router"
	rtsup "procbot/internal/runtime/supervisor"
	"procbot/internal/storage"
	kit "procbot/internal/transport"
	"procbot/internal/transport/telegram"
	logx "procbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter   kit.Adapter
	router    *router.Router
	procs     *process.Manager
	reminders *reminders.Service // nil when disabled

	updates      chan kit.Update
	routerCancel context.CancelFunc
	notify       func(state string) (bool, error)
}

type options struct {
	adapter kit.Adapter
	environ map[string]string
	notify  func(state string) (bool, error)
}

type Option func(*options)

// WithAdapter replaces the Telegram adapter.
func WithAdapter(a kit.Adapter) Option { return func(o *options) { o.adapter = a } }

// WithEnviron replaces the process environment used for config overrides.
func WithEnviron(env map[string]string) Option { return func(o *options) { o.environ = env } }

// WithNotifier replaces sd_notify.
func WithNotifier(fn func(state string) (bool, error)) Option {
	return func(o *options) { o.notify = fn }
}

func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	o := options{notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) }}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	if o.environ != nil {
		cfgm.SetEnviron(o.environ)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	ad := o.adapter
	if ad == nil {
		tg, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: cfg.Telegram.PollTimeoutDuration(),
			APIURL:      cfg.Telegram.APIURL,
		}, logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		ad = tg
	}

	logSvc, log := logx.New(mapLogConfig(cfg), ad)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	sc := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", orMemory(sc.Driver)))

	var botName string
	if n, ok := ad.(interface{ Username() string }); ok {
		botName = n.Username()
	}
	r := router.New(router.Options{
		Adapter:         ad,
		Logger:          log,
		BotUsername:     botName,
		ReplyRatePerSec: cfg.Commands.ReplyRatePerSec,
	})
	r.SetOwners(cfg.Telegram.OwnerUserIDs)
	r.SetCommandsConfig(cfg.Commands)

	procs := process.New(mapProcessConfig(cfg), process.Options{
		Disabled:     r.Disabled,
		Checks:       []process.Check{r.OwnerCheck},
		ErrorHandler: r.HandleError,
		Bus:          bus,
		Logger:       log,
	})
	r.Attach(procs)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		router:  r,
		procs:   procs,
		updates: make(chan kit.Update, 256),
		notify:  o.notify,
	}

	if err := r.Register(core.Commands(r, procs)...); err != nil {
		a.closeEarly()
		return nil, err
	}
	if cfg.Reminders.IsEnabled() {
		rem, err := reminders.New(ctx, reminders.Options{
			KV:            store,
			Sender:        r.Replies(),
			MaxPerUser:    cfg.Reminders.MaxPerUser,
			NotifyTimeout: cfg.Reminders.NotifyTimeoutDuration(),
			Location:      cfg.Reminders.Location(),
			Logger:        log,
			Bus:           bus,
		})
		if err != nil {
			a.closeEarly()
			return nil, fmt.Errorf("reminders: %w", err)
		}
		a.reminders = rem
		if err := r.Register(remind.Commands(rem, r.Prompts())...); err != nil {
			a.closeEarly()
			return nil, err
		}
	}

	if err := a.validateCommands(cfg); err != nil {
		a.closeEarly()
		return nil, err
	}
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return a.validateCommands(cfg) })
	return a, nil
}

func orMemory(driver string) string {
	if strings.TrimSpace(driver) == "" {
		return "memory"
	}
	return driver
}

func (a *App) closeEarly() {
	_ = a.store.Close()
	_ = a.logs.Close()
}

// validateCommands rejects command settings that name unknown commands.
func (a *App) validateCommands(cfg *config.Config) error {
	var errs []error
	check := func(path, name string) {
		if _, ok := a.router.Lookup(name); !ok {
			errs = append(errs, fmt.Errorf("%s: unknown command %q", path, name))
		}
	}
	for _, n := range cfg.Commands.Disabled {
		check("commands.disabled", n)
	}
	for chat, names := range cfg.Commands.DisabledIn {
		for _, n := range names {
			check("commands.disabled_in."+chat, n)
		}
	}
	for n := range cfg.Commands.Ratelimits {
		check("commands.ratelimits", n)
	}
	return errors.Join(errs...)
}

// Router exposes the command table for embedding and tests.
func (a *App) Router() *router.Router { return a.router }

func (a *App) Processes() *process.Manager { return a.procs }

// Reminders returns nil when reminders are disabled.
func (a *App) Reminders() *reminders.Service { return a.reminders }

func (a *App) Store() storage.Store { return a.store }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings the bot up. Canceling ctx tears everything down without
// ordering; call Stop for an orderly shutdown.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if err := a.procs.Start(a.sup.Context()); err != nil {
		return err
	}

	routerCtx, cancel := context.WithCancel(a.sup.Context())
	a.routerCancel = cancel
	a.sup.Go("router.dispatch", func(context.Context) error {
		return a.router.Run(routerCtx, a.updates)
	})
	a.sup.Go0("router.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 10*time.Second)
		defer cancel()
		if err := a.router.PublishMenu(mctx); err != nil {
			a.log.Warn("command menu not published", logx.Err(err))
		}
	})

	a.startEventLog()
	a.startConfigReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if a.reminders != nil {
		if err := a.reminders.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	a.startSystemd()
	a.log.Info("app started", logx.Int("commands", len(a.router.Commands())))
	return nil
}

func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.onEvent(c, e)
			}
		}
	})
}

func (a *App) onEvent(ctx context.Context, e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.ProcessData:
		a.log.Debug("event",
			logx.String("type", e.Type),
			logx.PID(d.PID),
			logx.Cmd(d.Command),
			logx.User(d.UserID),
		)
		if e.Type != eventbus.ProcessFinished {
			return
		}
		entry := storage.AuditEntry{
			At:      e.Time,
			ActorID: d.UserID,
			ChatID:  d.ChatID,
			PID:     d.PID,
			Command: d.Command,
			Raw:     d.Raw,
			OK:      d.Err == "",
			Error:   d.Err,
			Cause:   d.Cause,
			TookMS:  d.Duration.Milliseconds(),
		}
		if err := a.store.AppendAudit(ctx, entry); err != nil {
			a.log.Warn("audit append failed", logx.PID(d.PID), logx.Err(err))
		}
	case eventbus.TimedData:
		if d.Err != "" {
			a.log.Warn("timed task delivery failed", logx.String("provider", d.Provider), logx.String("key", d.Key), logx.String("err", d.Err))
			return
		}
		a.log.Debug("event", logx.String("type", e.Type), logx.String("provider", d.Provider), logx.String("key", d.Key))
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)
	a.router.SetCommandsConfig(newCfg.Commands)
	a.procs.Apply(mapProcessConfig(newCfg))
	if a.reminders != nil {
		a.reminders.SetMaxPerUser(newCfg.Reminders.MaxPerUser)
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("some changes need a restart to take effect", logx.Strings("sections", restart))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// startSystemd reports readiness and keeps the watchdog fed when the unit
// asks for it. Outside systemd both calls are no-ops.
func (a *App) startSystemd() {
	if sent, err := a.notify(daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if _, err := a.notify(daemon.SdNotifyWatchdog); err != nil {
					a.log.Warn("sd_notify watchdog failed", logx.Err(err))
				}
			}
		}
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeEarly()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := a.notify(daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// New commands stop arriving first, then running ones are interrupted.
	if a.routerCancel != nil {
		a.routerCancel()
	}
	step("processes", 5*time.Second, a.procs.ShutdownAll)
	if a.reminders != nil {
		step("reminders", 5*time.Second, a.reminders.Shutdown)
	}
	step("adapter", 3*time.Second, a.adapter.Stop)
	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
