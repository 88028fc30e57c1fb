package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"stockhub/internal/config"
	"stockhub/internal/eventbus"
	"stockhub/internal/jobs"
	"stockhub/internal/notify"
	"stockhub/internal/observability/pprof"
	rtsup "stockhub/internal/runtime/supervisor"
	"stockhub/internal/storage"
	"stockhub/internal/task"
	"stockhub/internal/task/joblog"
	"stockhub/internal/task/manager"
	"stockhub/internal/task/scheduler"
	logx "stockhub/pkg/logx"
)

// ErrTaskActive is returned by RunLoggedTask when a task of the same name has
// not finished yet.
var ErrTaskActive = manager.ErrTaskActive

type App struct {
	cfgm *config.ConfigManager // nil when built from a Config

	cfgMu sync.RWMutex
	cfg   *config.Config

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	rec    *joblog.Recorder
	sched  *scheduler.Service
	tasks  *manager.Manager
	alerts *notify.Service
	debug  *pprof.Service

	defsMu sync.Mutex
	defs   map[string]jobs.Definition
	order  []string

	sup *rtsup.Supervisor
}

type Option func(*options)

type options struct {
	store  storage.Store
	sender notify.Sender
}

// WithStore uses st instead of opening the configured driver. The app
// closes it on Stop.
func WithStore(st storage.Store) Option { return func(o *options) { o.store = st } }

// WithAlertSender replaces the Telegram sender built from the alerts section.
func WithAlertSender(s notify.Sender) Option { return func(o *options) { o.sender = s } }

// New loads and validates the config file and builds every component.
// Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a, err := build(cfg, opts...)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	return a, nil
}

// NewFromConfig builds the app from an in-memory config. Hot reload is not
// available.
func NewFromConfig(cfg *config.Config, opts ...Option) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return build(cfg, opts...)
}

func build(cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	store := o.store
	if store == nil {
		st, err := OpenStore(cfg, root.With(logx.String("comp", "storage")))
		switch {
		case errors.Is(err, storage.ErrDisabled):
			log.Warn("storage disabled; jobs run without job logs")
		case err != nil:
			return nil, fmt.Errorf("open storage: %w", err)
		default:
			store = st
			log.Info("storage enabled", logx.String("driver", strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))))
		}
	}

	rec := joblog.NewRecorder(store, root.With(logx.String("comp", "joblog")))
	sched := scheduler.New(mapSchedulerConfig(cfg), store, root.With(logx.String("comp", "scheduler")),
		scheduler.WithBus(bus), scheduler.WithRecorder(rec))
	tasks := manager.New(root, manager.WithBus(bus))

	ncfg, sender, err := mapAlerts(cfg)
	if err != nil {
		return nil, err
	}
	if o.sender != nil {
		sender = o.sender
	}
	alerts := notify.New(ncfg, sender, bus, root)

	a := &App{
		cfg:    cfg,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		rec:    rec,
		sched:  sched,
		tasks:  tasks,
		alerts: alerts,
		defs:   map[string]jobs.Definition{},
	}
	a.debug = pprof.New(mapDebugConfig(cfg), a.health, root)
	return a, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Tasks() *manager.Manager       { return a.tasks }
func (a *App) Recorder() *joblog.Recorder    { return a.rec }
func (a *App) Bus() eventbus.Bus             { return a.bus }
func (a *App) Logger() logx.Logger           { return a.log }

// Store is nil when job logs are disabled.
func (a *App) Store() storage.Store { return a.store }

// Debug is the /healthz and pprof endpoint; it serves only when enabled.
func (a *App) Debug() *pprof.Service { return a.debug }

func (a *App) Config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// RegisterJob adds a job body with its default trigger. The jobs section of
// the config may override the trigger, the name, or disable the job; reloads
// reapply the override.
func (a *App) RegisterJob(def jobs.Definition) error {
	def.ID = strings.TrimSpace(def.ID)
	if def.ID == "" {
		return scheduler.ErrJobIDRequired
	}
	if def.Func == nil {
		return scheduler.ErrNilFunc
	}
	if _, err := jobs.Register(a.sched, def, a.Config().Jobs); err != nil {
		return err
	}
	a.defsMu.Lock()
	if _, ok := a.defs[def.ID]; !ok {
		a.order = append(a.order, def.ID)
	}
	a.defs[def.ID] = def
	a.defsMu.Unlock()
	return nil
}

// RunLoggedTask starts fn as an ad-hoc task recorded in the job log under
// name. A second call while a task of that name is unfinished returns
// ErrTaskActive.
func (a *App) RunLoggedTask(name string, fn task.Func, userID *int64, args ...any) (string, error) {
	return a.tasks.CreateTask(name, fn, manager.Unique(), manager.WithArgs(args...), manager.WithJobLog(a.rec, name, userID))
}

func (a *App) builtins() []jobs.Definition {
	var pinger jobs.Pinger
	if a.store != nil {
		pinger = a.store
	}
	return jobs.Builtins(jobs.Deps{
		Logs:   a.sched,
		Tasks:  a.tasks,
		Store:  pinger,
		Config: a.Config,
		Log:    a.log.With(logx.String("comp", "jobs")),
	})
}

// registerAll (re)registers built-in and embedder jobs under cfg's overrides.
func (a *App) registerAll(cfg *config.Config) error {
	var errs []error
	armed := 0
	defs := a.builtins()
	a.defsMu.Lock()
	for _, id := range a.order {
		defs = append(defs, a.defs[id])
	}
	a.defsMu.Unlock()
	for _, def := range defs {
		ok, err := jobs.Register(a.sched, def, cfg.Jobs)
		if err != nil {
			a.log.Error("job registration failed", logx.String("job_id", def.ID), logx.Err(err))
			errs = append(errs, err)
			continue
		}
		if ok {
			armed++
		}
	}
	a.log.Debug("jobs registered", logx.Int("jobs", armed), logx.Int("defined", len(defs)))
	return errors.Join(errs...)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		// storage and alerts must map cleanly before a reload is committed
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			if _, _, _, err := mapStorageConfig(cfg); err != nil {
				return err
			}
			_, _, err := mapAlerts(cfg)
			return err
		})
	}

	// Alerts subscribe before the scheduler sweep publishes job.recovered.
	a.alerts.Start(a.sup.Context())

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
				a.logEvent(e)
			}
		}
	})

	if err := a.registerAll(a.Config()); err != nil {
		return err
	}
	if err := a.sched.Start(ctx); err != nil {
		return err
	}

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			for {
				select {
				case <-c.Done():
					return
				case newCfg, ok := <-sub:
					if !ok {
						return
					}
					// Coalesce bursts: keep only the latest config in the channel.
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
					a.applyConfig(newCfg)
				}
			}
		})
		a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(250*time.Millisecond, 5*time.Second))
	}

	if err := a.debug.Start(a.sup.Context()); err != nil {
		a.log.Warn("debug server not started", logx.Err(err))
	}

	a.log.Info("app started", logx.Int("jobs", len(a.sched.GetJobs())), logx.Bool("scheduler", a.sched.Enabled()), logx.Bool("alerts", a.alerts.Enabled()))
	return nil
}

// healthReport is served on /healthz.
type healthReport struct {
	Store       string             `json:"store"`
	Scheduler   scheduler.Snapshot `json:"scheduler"`
	ActiveTasks int                `json:"active_tasks"`
}

func (a *App) health(ctx context.Context) (any, error) {
	rep := healthReport{
		Store:       "disabled",
		Scheduler:   a.sched.Snapshot(),
		ActiveTasks: len(a.tasks.ListTasks(manager.StatusPending, manager.StatusRunning)),
	}
	if a.store == nil {
		return rep, nil
	}
	if err := a.store.Ping(ctx); err != nil {
		rep.Store = "error"
		return rep, fmt.Errorf("store ping: %w", err)
	}
	rep.Store = "ok"
	return rep, nil
}

func (a *App) logEvent(e eventbus.Event) {
	if !a.log.Enabled(logx.LevelDebug) {
		return
	}
	fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
	switch d := e.Data.(type) {
	case eventbus.JobEvent:
		fields = append(fields, logx.String("job_id", d.JobID), logx.Int64("log_id", d.LogID))
	case eventbus.TaskEvent:
		fields = append(fields, logx.String("task_id", d.TaskID), logx.String("name", d.Name))
	case eventbus.RecoveryEvent:
		fields = append(fields, logx.Int("closed", d.Closed))
	}
	a.log.Debug("event", fields...)
}

// applyConfig applies a committed reload. Storage changes need a restart.
func (a *App) applyConfig(newCfg *config.Config) {
	old := a.Config()
	sections, attrs, changedJobs := config.SummarizeConfigChange(old, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.cfgMu.Lock()
	a.cfg = newCfg
	a.cfgMu.Unlock()

	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if changed["storage"] {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if changed["logging"] {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	if changed["scheduler"] {
		a.sched.Apply(mapSchedulerConfig(newCfg))
	}
	if changed["alerts"] {
		ncfg, sender, err := mapAlerts(newCfg)
		if err != nil {
			a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
		} else {
			a.alerts.Apply(ncfg, sender)
		}
	}
	if changed["debug"] {
		ctx, cancel := context.WithTimeout(a.sup.Context(), 5*time.Second)
		if err := a.debug.Apply(ctx, mapDebugConfig(newCfg)); err != nil {
			a.log.Warn("debug server reconfigure failed", logx.Err(err))
		}
		cancel()
	}
	if changed["jobs"] || changed["job_logs"] || changed["tasks"] {
		if len(changedJobs) > 0 {
			a.log.Debug("job trigger changes detected", logx.Any("jobs", changedJobs))
		}
		_ = a.registerAll(newCfg)
	}
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order. Each step is bounded so a
// stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 10*time.Second, func(c context.Context) error { return a.sched.Shutdown(c, true) })
	step("tasks", 5*time.Second, func(c context.Context) error { return a.tasks.Shutdown(c) })
	step("alerts", 2*time.Second, func(c context.Context) error { return a.alerts.Stop(c) })
	step("debug", 2*time.Second, func(c context.Context) error { return a.debug.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 2*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
