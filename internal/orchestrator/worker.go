package orchestrator

import (
	"context"
	"errors"
	"sync"

	"chatnerd/internal/conduit"
	"chatnerd/internal/credstore"
	"chatnerd/internal/events"
	"chatnerd/internal/ingest"
	"chatnerd/internal/lifecycle"
	"chatnerd/internal/logging"
	"chatnerd/internal/responder"
	"chatnerd/internal/similarity"
	"chatnerd/internal/types"
)

// WorkerConfig is everything one worker needs besides its shared resources.
type WorkerConfig struct {
	Lifecycle lifecycle.Config
	Ingest    ingest.Config
	Sender    responder.SenderOptions
	Threshold float64
}

// Worker composes a lifecycle with a pipeline, a response chain and a sender
// that are rebuilt for every ready session.
type Worker struct {
	cfg      WorkerConfig
	lc       *lifecycle.Lifecycle
	emitter  *events.Emitter
	rules    responder.RuleProvider
	matcher  *similarity.Matcher
	handlers []responder.HandlerBuilder
	log      *logging.Logger

	runCtx context.Context

	mu      sync.Mutex
	session *session

	settleOnce sync.Once
	settled    chan struct{}
}

type session struct {
	conduit  conduit.Conduit
	pipeline *ingest.Pipeline
	sender   *responder.Sender
}

// NewWorker wires a worker. Extra handlers are built per session and run after
// the auto-responder.
func NewWorker(cfg WorkerConfig, factory conduit.Factory, store credstore.Store, rules responder.RuleProvider, m *similarity.Matcher, handlers ...responder.HandlerBuilder) *Worker {
	emitter := &events.Emitter{}
	w := &Worker{
		cfg:      cfg,
		emitter:  emitter,
		rules:    rules,
		matcher:  m,
		handlers: handlers,
		log:      logging.Get(logging.CategoryLifecycle).With("worker", cfg.Lifecycle.Identity.String()),
		runCtx:   context.Background(),
		settled:  make(chan struct{}),
	}
	w.lc = lifecycle.New(cfg.Lifecycle, factory, store, emitter)
	// registered first so sessions exist before any other listener sees ready
	emitter.On(w.onEvent)
	return w
}

// Identity returns the worker identity.
func (w *Worker) Identity() types.Identity { return w.cfg.Lifecycle.Identity }

// Lifecycle exposes the worker's state machine.
func (w *Worker) Lifecycle() *lifecycle.Lifecycle { return w.lc }

// On registers an event listener.
func (w *Worker) On(fn events.Listener) { w.emitter.On(fn) }

// Settled is closed once the first cycle authenticated or failed.
func (w *Worker) Settled() <-chan struct{} { return w.settled }

func (w *Worker) settle() { w.settleOnce.Do(func() { close(w.settled) }) }

// Run drives the lifecycle until ctx ends. A failed cycle ends Run with
// lifecycle.ErrAuthTimeout or lifecycle.ErrConduitUnavailable; the worker stays Failed.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	w.runCtx = ctx
	w.mu.Unlock()
	defer w.settle()
	return w.lc.Run(ctx)
}

func (w *Worker) onEvent(ev events.Event) {
	switch ev.Type {
	case events.Ready:
		w.startSession()
		w.settle()
	case events.AuthFailed:
		w.settle()
	case events.Disconnected:
		w.stopSession()
	}
}

func (w *Worker) startSession() {
	c := w.lc.Conduit()
	if c == nil {
		w.log.Warn("ready without a conduit")
		return
	}
	sender := responder.NewSender(c, w.cfg.Lifecycle.Selectors, w.cfg.Sender)
	chain := responder.NewChain(responder.NewFuzzyAutoResponder(w.rules, w.matcher, w.cfg.Threshold, sender))
	for _, build := range w.handlers {
		chain.Add(build(sender))
	}

	icfg := w.cfg.Ingest
	icfg.Identity = w.Identity()
	icfg.Selectors = w.cfg.Lifecycle.Selectors
	p := ingest.New(icfg, c, chain, w.emitter)

	w.mu.Lock()
	prev := w.session
	w.session = &session{conduit: c, pipeline: p, sender: sender}
	ctx := w.runCtx
	w.mu.Unlock()
	if prev != nil {
		prev.pipeline.Stop()
	}
	p.Start(ctx)
}

// stopSession runs synchronously inside the disconnected event, before the
// conduit is released, so the in-flight message completes against it.
func (w *Worker) stopSession() {
	w.mu.Lock()
	s := w.session
	w.session = nil
	w.mu.Unlock()
	if s != nil {
		s.pipeline.Stop()
	}
}

func (w *Worker) current() (*session, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == nil {
		return nil, lifecycle.ErrNotReady
	}
	return w.session, nil
}

// exclusive runs fn with the session's sender between pipeline steps. It waits
// for the page turn, so calling it from a Handler blocks that handler's own turn.
func (w *Worker) exclusive(ctx context.Context, fn func(context.Context, *responder.Sender) error) error {
	s, err := w.current()
	if err != nil {
		return err
	}
	return s.pipeline.Exclusive(ctx, func(ctx context.Context) error {
		return fn(ctx, s.sender)
	})
}

// Send sends one message to phone.
func (w *Worker) Send(ctx context.Context, phone, text string) error {
	return w.exclusive(ctx, func(ctx context.Context, s *responder.Sender) error {
		return s.SendTo(ctx, phone, text)
	})
}

// SendMessages sends texts to phone in order, paced.
func (w *Worker) SendMessages(ctx context.Context, phone string, texts []string) error {
	return w.exclusive(ctx, func(ctx context.Context, s *responder.Sender) error {
		return s.SendMessages(ctx, phone, texts)
	})
}

// SendFile sends a local file to phone.
func (w *Worker) SendFile(ctx context.Context, phone, path string) error {
	return w.exclusive(ctx, func(ctx context.Context, s *responder.Sender) error {
		return s.SendFile(ctx, phone, path)
	})
}

// SendBulk sends to many recipients.
func (w *Worker) SendBulk(ctx context.Context, phones []string, text, imagePath string, mode responder.BulkMode) ([]responder.BulkResult, error) {
	var results []responder.BulkResult
	err := w.exclusive(ctx, func(ctx context.Context, s *responder.Sender) error {
		var err error
		results, err = s.SendBulk(ctx, phones, text, imagePath, mode)
		return err
	})
	return results, err
}

// Status is a point-in-time view of a worker.
type Status struct {
	Identity   types.Identity
	State      types.ConnectionState
	Recoveries int
	Processed  int
	Pending    int
}

// Status reports the worker's current state.
func (w *Worker) Status() Status {
	st := Status{
		Identity:   w.Identity(),
		State:      w.lc.State(),
		Recoveries: w.lc.Recoveries(),
	}
	if s, err := w.current(); err == nil {
		st.Processed = s.pipeline.Processed()
		st.Pending = s.pipeline.Pending()
	}
	return st
}

// IsFailed reports whether err ends a worker without affecting the others.
func IsFailed(err error) bool {
	return errors.Is(err, lifecycle.ErrAuthTimeout) || errors.Is(err, lifecycle.ErrConduitUnavailable)
}
