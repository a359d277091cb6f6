// Package orchestrator supervises one bridge process per configured bot. It
// acquires the shared session and refreshes the catalog before launching,
// and clears the shared session exactly once on the way out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"kitebridge/config"
	"kitebridge/internal/metrics"
	"kitebridge/internal/model"
	"kitebridge/internal/notification"
)

// Process is a running bridge instance.
type Process interface {
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
	Pid() int
}

// Launcher starts one bridge for a bot.
type Launcher interface {
	Launch(ctx context.Context, bot config.Bot) (Process, error)
}

// Sessions acquires the shared session.
type Sessions interface {
	CurrentOrRefresh(ctx context.Context) (model.Session, error)
}

// Catalog refreshes the shared instrument catalog.
type Catalog interface {
	RefreshIfStale(ctx context.Context, today time.Time) (bool, error)
}

// Config tunes an Orchestrator.
type Config struct {
	Bots          []config.Bot
	ShutdownGrace time.Duration // SIGTERM to SIGKILL escalation
	Service       string        // stamped on alerts; default "botmanager"
	Now           func() time.Time
}

// Orchestrator runs the bot fleet.
type Orchestrator struct {
	cfg      Config
	sessions Sessions
	catalog  Catalog
	store    model.TokenStore
	launcher Launcher
	notifier notification.Notifier
	metrics  *metrics.Metrics

	stopping    atomic.Bool
	cleanupOnce sync.Once
}

type child struct {
	bot  config.Bot
	proc Process
	done chan struct{}
	err  error
}

// New wires an Orchestrator. notifier and m may be nil.
func New(cfg Config, sessions Sessions, catalog Catalog, store model.TokenStore,
	launcher Launcher, notifier notification.Notifier, m *metrics.Metrics) *Orchestrator {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Service == "" {
		cfg.Service = "botmanager"
	}
	if notifier == nil {
		notifier = notification.NewLogNotifier()
	}
	return &Orchestrator{
		cfg:      cfg,
		sessions: sessions,
		catalog:  catalog,
		store:    store,
		launcher: launcher,
		notifier: notifier,
		metrics:  m,
	}
}

// Run acquires the session, refreshes the catalog, launches every bot and
// blocks until they have all exited. Cancelling ctx terminates the children.
// The token store is cleared once when Run returns, whatever the path.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.cleanup()

	sess, err := o.sessions.CurrentOrRefresh(ctx)
	if o.metrics != nil {
		o.metrics.SessionRefreshes.WithLabelValues(metrics.Result(err)).Inc()
	}
	if err != nil {
		o.alert(notification.LoginFailed(err))
		return fmt.Errorf("acquire session: %w", err)
	}
	log.Printf("[orchestrator] session ready for %s", sess.UserID)

	if refreshed, err := o.catalog.RefreshIfStale(ctx, o.cfg.Now()); err != nil {
		// bridges keep serving the previous catalog
		log.Printf("[orchestrator] catalog refresh failed: %v", err)
		o.alert(notification.CatalogRefreshFailed(err))
	} else if refreshed {
		log.Printf("[orchestrator] catalog refreshed")
	}

	var g errgroup.Group
	children := make([]*child, 0, len(o.cfg.Bots))
	for _, bot := range o.cfg.Bots {
		proc, err := o.launcher.Launch(ctx, bot)
		if err != nil {
			o.alert(notification.LaunchFailed(bot.StrategyTag, bot.Port, err))
			o.terminate(children)
			g.Wait()
			return fmt.Errorf("launch %s: %w", bot.StrategyTag, err)
		}
		log.Printf("[orchestrator] started %s on port %d (pid %d)", bot.StrategyTag, bot.Port, proc.Pid())
		c := &child{bot: bot, proc: proc, done: make(chan struct{})}
		children = append(children, c)
		g.Go(func() error {
			c.err = c.proc.Wait()
			close(c.done)
			o.exited(ctx, c)
			return nil
		})
	}

	allDone := make(chan struct{})
	go func() {
		g.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-ctx.Done():
		log.Printf("[orchestrator] shutting down %d bridges", len(children))
		o.terminate(children)
		<-allDone
		o.alert(notification.Stopped(len(children)))
		return nil
	}

	var errs []error
	for _, c := range children {
		if c.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.bot.StrategyTag, c.err))
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) exited(ctx context.Context, c *child) {
	if o.metrics != nil {
		o.metrics.BridgeExits.WithLabelValues(c.bot.StrategyTag, metrics.Result(c.err)).Inc()
	}
	if ctx.Err() != nil || o.stopping.Load() {
		log.Printf("[orchestrator] %s exited: %v", c.bot.StrategyTag, c.err)
		return
	}
	log.Printf("[orchestrator] %s exited unexpectedly: %v", c.bot.StrategyTag, c.err)
	o.alert(notification.BridgeExited(c.bot.StrategyTag, c.bot.Port, c.err))
}

// terminate sends SIGTERM to every running child and kills the ones still
// alive after the grace period.
func (o *Orchestrator) terminate(children []*child) {
	o.stopping.Store(true)
	for _, c := range children {
		select {
		case <-c.done:
			continue
		default:
		}
		if err := c.proc.Signal(syscall.SIGTERM); err != nil {
			log.Printf("[orchestrator] SIGTERM %s: %v", c.bot.StrategyTag, err)
		}
	}

	deadline := time.NewTimer(o.cfg.ShutdownGrace)
	defer deadline.Stop()
	for _, c := range children {
		select {
		case <-c.done:
		case <-deadline.C:
			// timer fired; kill this and every later straggler
			o.kill(children)
			return
		}
	}
}

func (o *Orchestrator) kill(children []*child) {
	for _, c := range children {
		select {
		case <-c.done:
		default:
			log.Printf("[orchestrator] %s did not stop in %v, killing", c.bot.StrategyTag, o.cfg.ShutdownGrace)
			if err := c.proc.Kill(); err != nil {
				log.Printf("[orchestrator] kill %s: %v", c.bot.StrategyTag, err)
			}
		}
	}
}

// cleanup clears the shared session. Safe to call more than once.
func (o *Orchestrator) cleanup() {
	o.cleanupOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.store.Clear(ctx); err != nil {
			log.Printf("[orchestrator] clear session store: %v", err)
			return
		}
		log.Printf("[orchestrator] session store cleared")
	})
}

func (o *Orchestrator) alert(a notification.Alert) {
	a.Service = o.cfg.Service
	a.Time = o.cfg.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.notifier.Send(ctx, a); err != nil {
		log.Printf("[orchestrator] notify: %v", err)
	}
}
