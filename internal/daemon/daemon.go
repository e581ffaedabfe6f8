// Package daemon wires the tracker, its polling driver, the rules watcher,
// the event outbox and the control socket into one agent process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/msageha/imewatch/internal/events"
	"github.com/msageha/imewatch/internal/lock"
	"github.com/msageha/imewatch/internal/logging"
	"github.com/msageha/imewatch/internal/model"
	"github.com/msageha/imewatch/internal/rules"
	"github.com/msageha/imewatch/internal/setup"
	"github.com/msageha/imewatch/internal/tracker"
	"github.com/msageha/imewatch/internal/uds"
)

// Daemon is the long-running imewatch agent.
type Daemon struct {
	layout  setup.Layout
	config  model.Config
	root    *logging.Logger
	log     *logging.Logger
	logFile io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	bus      *events.Bus
	outbox   *events.Outbox
	emitter  *events.Emitter
	tracker  *tracker.Tracker
	driver   *tracker.Driver
	reloader *rules.Reloader

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	stopped  chan struct{}
}

// New opens <workdir>/logs/agent.log and builds a daemon for cfg.
func New(l setup.Layout, cfg model.Config) (*Daemon, error) {
	if err := os.MkdirAll(l.LogsDir(), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(l.AgentLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open agent log: %w", err)
	}
	return newDaemon(l, cfg, logFile, logFile), nil
}

func newDaemon(l setup.Layout, cfg model.Config, w io.Writer, closer io.Closer) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	root := logging.New(w, logging.ParseLevel(cfg.Logging.Level))
	return &Daemon{
		layout:   l,
		config:   cfg,
		root:     root,
		log:      root.With("daemon"),
		logFile:  closer,
		fileLock: lock.NewFileLock(l.LockPath()),
		server:   uds.NewServer(l.SocketPath(), root),
		ctx:      ctx,
		cancel:   cancel,
		stopped:  make(chan struct{}),
	}
}

// Run starts the agent and blocks until a signal or a control-socket
// shutdown request has been handled.
func (d *Daemon) Run() error {
	if err := d.start(); err != nil {
		d.cancel()
		if d.driver != nil {
			_ = d.driver.Stop()
		}
		d.wg.Wait()
		d.cleanup()
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log.Infof("received signal=%s, initiating graceful shutdown", sig)
		go func() {
			<-sigCh
			d.log.Warnf("received second signal, forcing exit")
			os.Exit(1)
		}()
		d.Shutdown()
	case <-d.stopped:
	}
	<-d.stopped
	return nil
}

func (d *Daemon) start() error {
	if err := os.MkdirAll(d.layout.LocksDir(), 0755); err != nil {
		return fmt.Errorf("create locks dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("agent lock: %w", err)
	}
	d.log.Infof("agent starting pid=%d dir=%s", os.Getpid(), d.layout.Root)

	outbox, err := events.NewOutbox(d.layout.Resolve(d.config.Telemetry.Outbox), d.config.Telemetry.MaxSizeBytes)
	if err != nil {
		return fmt.Errorf("open event outbox: %w", err)
	}
	d.outbox = outbox
	d.bus = events.NewBus(d.config.Telemetry.Buffer)
	elog := d.root.With("events")
	d.bus.SubscribeDurable(outbox.Sink(func(ev events.Event, err error) {
		elog.Errorf("outbox append %s %s: %v", ev.Type, ev.ID, err)
	}))
	d.emitter = events.NewEmitter(d.bus)

	d.tracker = tracker.New(TrackerOptions(d.layout, d.config, d.callbacks(), d.root))

	d.reloader = rules.NewReloader(d.layout.Resolve(d.config.Rules.File), d.applyRules, d.root)
	res, err := d.reloader.Reload(true)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	d.log.Infof("rules loaded file=%s rules=%d skipped=%d", d.reloader.Path(), res.Rules, res.Skipped)

	if d.config.Rules.WatchEnabled() {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.reloader.Watch(d.ctx); err != nil {
				d.log.Warnf("rules watcher stopped: %v", err)
			}
		}()
	}

	d.driver = tracker.NewDriver(d.tracker,
		d.config.Tracker.PollInterval(),
		d.config.Tracker.ErrorBackoff(),
		d.config.Daemon.ShutdownTimeout(),
		d.root)
	d.driver.Start(d.ctx)

	// Handlers read the fields set above, so the socket opens last.
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start control socket: %w", err)
	}
	d.log.Infof("control socket listening on %s", d.layout.SocketPath())
	d.log.Infof("agent ready session=%s", d.emitter.Session())
	return nil
}

// TrackerOptions maps the agent configuration onto tracker options.
func TrackerOptions(l setup.Layout, cfg model.Config, cb tracker.Callbacks, logger *logging.Logger) tracker.Options {
	return tracker.Options{
		LogDir:                       l.Resolve(cfg.Logs.Dir),
		Patterns:                     cfg.Logs.Patterns,
		CheckpointDir:                l.Resolve(cfg.Checkpoint.Dir),
		DeleteCheckpointOnCompletion: cfg.Checkpoint.DeleteWhenSessionCompletes(),
		MatchLogPath:                 l.Resolve(cfg.Debug.MatchLog),
		CurrentPhaseAtStart:          cfg.Tracker.CurrentPhaseAtStart(),
		Simulation: tracker.Simulation{
			Enabled:  cfg.Simulation.Enabled,
			Speed:    cfg.Simulation.Speed,
			MaxDelay: cfg.Simulation.MaxDelay(),
		},
		Callbacks: cb,
		Logger:    logger,
	}
}

func (d *Daemon) applyRules(rs []model.Rule) []error {
	errs := d.tracker.Recompile(rs)
	for _, err := range errs {
		d.log.Warnf("rule skipped: %v", err)
	}
	return errs
}

func (d *Daemon) callbacks() tracker.Callbacks {
	return tracker.Callbacks{
		AgentStarted: d.emitter.AgentStarted,
		AgentVersion: d.emitter.AgentVersion,
		PhaseChanged: func(phase string) {
			d.log.Infof("enrollment phase %s", phase)
			d.emitter.PhaseChanged(phase)
		},
		PoliciesDiscovered: d.emitter.PoliciesDiscovered,
		AllAppsCompleted: func() {
			d.log.Infof("all tracked apps completed")
			d.emitter.AllAppsCompleted()
		},
		UserSessionCompleted: d.emitter.UserSessionCompleted,
		AppStateChanged: func(app model.App, from, to model.InstallState) {
			d.log.Infof("app %s %s -> %s", app.DisplayName(), from, to)
			d.emitter.AppStateChanged(app, from, to)
		},
	}
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CommandPing, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{"status": "ok", "pid": os.Getpid()})
	})

	d.server.Handle(uds.CommandStatus, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.tracker.Snapshot())
	})

	d.server.Handle(uds.CommandReload, func(req *uds.Request) *uds.Response {
		res, err := d.reloader.Reload(true)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		d.log.Infof("rules reloaded via control socket rules=%d skipped=%d", res.Rules, res.Skipped)
		return uds.SuccessResponse(res)
	})

	d.server.Handle(uds.CommandShutdown, func(req *uds.Request) *uds.Response {
		d.log.Infof("shutdown requested via control socket")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

// Shutdown stops polling, flushes the checkpoint and drains pending events.
// It is idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		defer close(d.stopped)
		d.log.Infof("shutdown started")

		d.cancel()
		d.server.Stop()

		if d.driver != nil {
			if err := d.driver.Stop(); err != nil {
				if errors.Is(err, tracker.ErrJoinTimeout) {
					d.log.Warnf("poll loop did not stop in time")
				} else {
					d.log.Errorf("final checkpoint: %v", err)
				}
			}
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		timeout := d.config.Daemon.ShutdownTimeout()
		select {
		case <-done:
		case <-time.After(timeout):
			d.log.Warnf("shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		d.cleanup()
		d.log.Infof("agent stopped")
	})
}

func (d *Daemon) cleanup() {
	if d.bus != nil {
		d.bus.Close()
		if n := d.bus.Dropped(); n > 0 {
			d.log.Warnf("%d events dropped on full buffers", n)
		}
	}
	if d.outbox != nil {
		if err := d.outbox.Close(); err != nil {
			d.log.Warnf("close outbox: %v", err)
		}
	}
	d.server.Stop()
	if err := d.fileLock.Unlock(); err != nil {
		d.log.Warnf("release lock: %v", err)
	}
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}
