// Package orchestrator composes workers out of a lifecycle, an ingestion
// pipeline and a response chain, and runs all workers of an account.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"chatnerd/internal/conduit"
	"chatnerd/internal/config"
	"chatnerd/internal/credstore"
	"chatnerd/internal/events"
	"chatnerd/internal/ingest"
	"chatnerd/internal/lifecycle"
	"chatnerd/internal/logging"
	"chatnerd/internal/responder"
	"chatnerd/internal/similarity"
	"chatnerd/internal/types"
)

// Options overrides resources the manager would otherwise build from Config.
type Options struct {
	Config   *config.Config
	Factory  conduit.Factory
	Store    credstore.Store
	Rules    responder.RuleProvider
	Matcher  *similarity.Matcher
	Handlers []responder.HandlerBuilder
}

// Manager runs the workers of one account.
type Manager struct {
	cfg       *config.Config
	workers   []*Worker
	bus       *events.Bus
	store     credstore.Store
	ownsStore bool
	watcher   *responder.RuleWatcher
	forwarder *events.NATSForwarder
}

// WorkerConfigFor derives one worker's settings from the configuration.
func WorkerConfigFor(cfg *config.Config, id types.Identity) WorkerConfig {
	sel := Selectors(cfg)
	return WorkerConfig{
		Lifecycle: lifecycle.Config{
			Identity:      id,
			Selectors:     sel,
			CheckInterval: cfg.GetCheckInterval(),
			MaxAttempts:   cfg.MaxAttempts,
			UserDataDir:   cfg.UserDataDir(id.WorkerID),
			ReleaseGrace:  cfg.GetReleaseGrace(),
		},
		Ingest: ingest.Config{
			MessageDelay:   cfg.GetMessageDelay(),
			ExtractTimeout: cfg.GetExtractTimeout(),
		},
		Sender: responder.SenderOptions{
			SendInterval: cfg.GetSendInterval(),
			SearchWait:   cfg.GetSearchWait(),
		},
		Threshold: cfg.SimilarityThreshold,
	}
}

// New builds the manager and its workers. Nothing runs until Run.
func New(ctx context.Context, opts Options) (*Manager, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m := &Manager{cfg: cfg, store: opts.Store}
	if m.store == nil {
		store, err := OpenStore(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("open credential store: %w", err)
		}
		m.store = store
		m.ownsStore = true
	}

	factory := opts.Factory
	if factory == nil {
		factory = NewRodFactory(cfg)
	}

	matcher := opts.Matcher
	if matcher == nil {
		var err error
		if matcher, err = LoadMatcher(cfg); err != nil {
			m.Close()
			return nil, err
		}
	}

	rules := opts.Rules
	if rules == nil {
		set, err := LoadRuleSet(cfg)
		if err != nil {
			m.Close()
			return nil, err
		}
		rules = set
		if cfg.WatchRules && cfg.RulesFile != "" {
			if m.watcher, err = responder.NewRuleWatcher(cfg.RulesFile, set); err != nil {
				logging.BootWarn("rules will not be reloaded: %v", err)
			}
		}
	}

	m.bus = events.NewBus()
	if cfg.Events.NATSURL != "" {
		fwd, err := events.NewNATSForwarder(cfg.Events.NATSURL, cfg.Events.NATSSubject)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.forwarder = fwd
	}

	for i := 0; i < cfg.Workers; i++ {
		id := types.Identity{AccountID: cfg.AccountID, WorkerID: types.WorkerName(i)}
		w := NewWorker(WorkerConfigFor(cfg, id), factory, m.store, rules, matcher, opts.Handlers...)
		w.On(func(ev events.Event) { logging.Get(logging.CategoryEvents).Debug("%s", ev) })
		w.On(m.bus.Listener())
		m.workers = append(m.workers, w)
	}
	logging.Boot("account %s: %d workers configured", cfg.AccountID, len(m.workers))
	return m, nil
}

// Bus returns the event bus every worker publishes to.
func (m *Manager) Bus() *events.Bus { return m.bus }

// Store returns the credential store.
func (m *Manager) Store() credstore.Store { return m.store }

// Workers returns the workers in start order.
func (m *Manager) Workers() []*Worker { return m.workers }

// Worker looks a worker up by its id ("worker0").
func (m *Manager) Worker(workerID string) (*Worker, bool) {
	for _, w := range m.workers {
		if w.Identity().WorkerID == workerID {
			return w, true
		}
	}
	return nil, false
}

// Statuses reports every worker.
func (m *Manager) Statuses() []Status {
	out := make([]Status, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w.Status())
	}
	return out
}

// Run starts all workers and blocks until ctx ends. With sequential start a
// worker starts once the previous one authenticated or failed. A failed worker
// does not stop the others.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if m.forwarder != nil {
		g.Go(func() error { return m.forwarder.Run(gctx, m.bus) })
	}
	if m.watcher != nil {
		if err := m.watcher.Start(gctx); err != nil {
			logging.BootWarn("rules watcher: %v", err)
		}
	}

	for i, w := range m.workers {
		w := w
		g.Go(func() error {
			err := w.Run(gctx)
			switch {
			case IsFailed(err):
				logging.LifecycleError("[%s] stays failed until restarted: %v", w.Identity(), err)
				return nil
			case err == nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return nil
			default:
				return fmt.Errorf("%s: %w", w.Identity(), err)
			}
		})

		if m.cfg.SequentialStart && i < len(m.workers)-1 {
			select {
			case <-w.Settled():
			case <-gctx.Done():
			}
			if gctx.Err() != nil {
				break
			}
		}
	}

	return g.Wait()
}

// Close releases the bus, the forwarder, the rules watcher and a store the manager opened.
func (m *Manager) Close() error {
	var errs []error
	if m.watcher != nil {
		m.watcher.Stop()
	}
	if m.forwarder != nil {
		m.forwarder.Close()
	}
	if m.bus != nil {
		errs = append(errs, m.bus.Close())
	}
	if m.ownsStore && m.store != nil {
		errs = append(errs, m.store.Close())
	}
	return errors.Join(errs...)
}
