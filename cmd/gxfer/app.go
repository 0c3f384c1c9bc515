package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/franksops/gridxfer/account"
	"github.com/franksops/gridxfer/config"
	"github.com/franksops/gridxfer/engine"
	"github.com/franksops/gridxfer/logging"
	"github.com/franksops/gridxfer/session"
	"github.com/franksops/gridxfer/store"
	"github.com/franksops/gridxfer/ui"
)

const shutdownTimeout = 30 * time.Second

// app holds everything a command needs, opened from the global flags.
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	queue    *store.BoltStore
	accounts *account.Service
	manager  *engine.Manager
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("state-dir"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("pass-phrase") {
		cfg.PassPhrase = c.String("pass-phrase")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("tui") {
		cfg.TUI = c.Bool("tui")
	}
	if c.IsSet("max-errors") {
		cfg.MaxErrorsBeforeCanceling = c.Int("max-errors")
	}
	if c.IsSet("checksum") {
		cfg.VerifyChecksum = c.Bool("checksum")
	}
	if c.IsSet("force") {
		cfg.ForceOverwrite = c.Bool("force")
	}
	return cfg, cfg.Validate()
}

func openApp(c *cli.Context) (*app, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	if cfg.PassPhrase == "" {
		return nil, fmt.Errorf("%w: use --pass-phrase or GXFER_PASS_PHRASE", account.ErrPassPhraseRequired)
	}

	log, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	queue, err := store.NewBoltStore(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	accounts, err := account.NewService(queue.DB(), account.WithLogger(log))
	if err != nil {
		queue.Close()
		return nil, err
	}

	factory := session.NewFactory(accounts,
		session.WithBufferSize(cfg.BufferSize),
		session.WithLogger(log),
	)
	manager, err := engine.New(cfg.Engine(), engine.Deps{
		Queue:    queue,
		Accounts: accounts,
		Session:  factory,
		Logger:   log,
	})
	if err != nil {
		queue.Close()
		return nil, err
	}

	return &app{cfg: cfg, log: log, queue: queue, accounts: accounts, manager: manager}, nil
}

// with opens the app for one command and always shuts it down.
func with(fn func(c *cli.Context, a *app) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		a, err := openApp(c)
		if err != nil {
			return err
		}
		defer a.close()
		return fn(c, a)
	}
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.manager.Shutdown(ctx); err != nil {
		a.log.WithError(err).Warn("transfer manager did not stop in time")
	}
	if err := a.queue.Close(); err != nil {
		a.log.WithError(err).Warn("failed to close queue")
	}
}

// drain runs the queue until it is empty or the user interrupts.
func (a *app) drain(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.cfg.TUI && isatty.IsTerminal(os.Stdout.Fd()) {
		return a.drainTUI(ctx)
	}

	a.manager.SetListener(logListener(a.log))
	if err := a.manager.ProcessNextInQueueIfIdle(); err != nil {
		return err
	}
	if err := a.manager.WaitIdle(ctx); err != nil {
		a.log.Info("interrupted, unfinished transfers stay queued")
		return nil
	}
	return a.summary()
}

func (a *app) drainTUI(ctx context.Context) error {
	p := tea.NewProgram(ui.NewTUIModel(a.manager), tea.WithAltScreen(), tea.WithContext(ctx))
	a.manager.SetListener(ui.NewProgramListener(p))

	go func() {
		if err := a.manager.WaitIdle(ctx); err == nil {
			p.Send(ui.DoneMsg{})
		}
	}()
	if err := a.manager.ProcessNextInQueueIfIdle(); err != nil {
		return err
	}

	_, err := p.Run()
	a.manager.SetListener(nil)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ui failed: %w", err)
	}
	return a.summary()
}

func (a *app) summary() error {
	fmt.Printf("\nRunning: %s, status: %s\n", a.manager.RunningStatus(), a.manager.ErrorStatus())
	if a.manager.ErrorStatus() == engine.StatusOK {
		return nil
	}
	errs, err := a.manager.ErrorQueue()
	if err != nil {
		return err
	}
	warnings, err := a.manager.WarningQueue()
	if err != nil {
		return err
	}
	printTransfers(os.Stdout, append(errs, warnings...))
	return nil
}

func logListener(log logrus.FieldLogger) engine.Listener {
	return engine.ListenerFuncs{
		OnRunningStatus: func(s engine.RunningStatus) {
			log.WithField("running", s).Info("running status changed")
		},
		OnErrorStatus: func(s engine.ErrorStatus) {
			log.WithField("status", s).Info("error status changed")
		},
		OnItemStatus: func(s engine.TransferStatus) {
			entry := log.WithFields(logrus.Fields{
				"transfer_id": s.TransferID,
				"path":        s.SourcePath,
				"files":       fmt.Sprintf("%d/%d", s.TransferredFiles, s.TotalFiles),
			})
			switch s.State {
			case engine.Failure, engine.Abandoned:
				entry.WithError(s.Err).Warn(string(s.State))
			case engine.InProgress:
				entry.Debug(string(s.State))
			default:
				entry.Info(string(s.State))
			}
		},
		OnOverallStatus: func(s engine.TransferStatus) {
			log.WithFields(logrus.Fields{
				"transfer_id": s.TransferID,
				"kind":        s.Kind,
				"files":       fmt.Sprintf("%d/%d", s.TransferredFiles, s.TotalFiles),
				"errors":      s.ErrorCount,
			}).Info(string(s.State))
		},
	}
}
