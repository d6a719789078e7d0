// Package ingest turns change notifications from the chat list into candidate
// messages, deduplicates them per session and hands them one at a time, in
// arrival order, to a dispatcher.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"chatnerd/internal/conduit"
	"chatnerd/internal/events"
	"chatnerd/internal/logging"
	"chatnerd/internal/types"
)

// Dispatcher handles one candidate message. The response chain implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg types.CandidateMessage) error
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, msg types.CandidateMessage) error

func (f DispatchFunc) Dispatch(ctx context.Context, msg types.CandidateMessage) error {
	return f(ctx, msg)
}

// Config tunes one pipeline.
type Config struct {
	Identity  types.Identity
	Selectors conduit.Selectors

	// MessageDelay is the pause after each handled message.
	MessageDelay time.Duration
	// ExtractTimeout bounds the secondary read of one candidate.
	ExtractTimeout time.Duration
	// RetryInterval spaces extraction retries and resubscriptions.
	RetryInterval time.Duration
	// CoalesceWindow is how long a read of one chat's message is remembered, so
	// bursts of triggers that read the same message are enqueued once.
	CoalesceWindow time.Duration
}

func (c *Config) defaults() {
	if c.ExtractTimeout <= 0 {
		c.ExtractTimeout = time.Minute
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 500 * time.Millisecond
	}
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = 500 * time.Millisecond
	}
}

type item struct {
	msg  types.CandidateMessage
	chat string
}

// Pipeline is bound to one Ready session. It is not reusable: create a new one
// for every session so the processed set starts empty.
type Pipeline struct {
	cfg        Config
	conduit    conduit.Conduit
	dispatcher Dispatcher
	emitter    *events.Emitter
	log        *logging.Logger

	// turn serializes multi-step page sequences (open chat + read, open chat + reply).
	turn sync.Mutex

	mu        sync.Mutex
	active    bool
	started   bool
	draining  bool
	processed map[string]struct{}
	queue     []item

	recent *cache.Cache

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an inactive pipeline.
func New(cfg Config, c conduit.Conduit, d Dispatcher, emitter *events.Emitter) *Pipeline {
	cfg.defaults()
	if emitter == nil {
		emitter = &events.Emitter{}
	}
	return &Pipeline{
		cfg:        cfg,
		conduit:    c,
		dispatcher: d,
		emitter:    emitter,
		log:        logging.Get(logging.CategoryIngest).With("worker", cfg.Identity.String()),
		processed:  make(map[string]struct{}),
		// no janitor goroutine; expired entries are checked on Get
		recent: cache.New(cfg.CoalesceWindow, 0),
	}
}

// Start activates the pipeline and subscribes to the chat list. It returns at once;
// the subscription is retried until Stop when the container is not there yet.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.active = true
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.watch(p.ctx)
	p.log.Info("pipeline started")
}

// Stop deactivates the pipeline, drops queued messages and waits for the in-flight
// message to finish its handlers.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.active = false
	dropped := len(p.queue)
	p.queue = nil
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	p.log.Info("pipeline stopped (%d queued messages dropped)", dropped)
}

// Active reports whether the pipeline accepts messages.
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Processed returns the number of distinct messages seen this session.
func (p *Pipeline) Processed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.processed)
}

// Pending returns the queue length.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Exclusive runs fn while no extraction or handler step uses the page.
func (p *Pipeline) Exclusive(ctx context.Context, fn func(context.Context) error) error {
	p.turn.Lock()
	defer p.turn.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

func (p *Pipeline) watch(ctx context.Context) {
	defer p.wg.Done()
	scope := conduit.Scope{Locator: p.cfg.Selectors.ChatList, Subtree: true, Text: true}

	for ctx.Err() == nil {
		changes, err := p.conduit.Subscribe(ctx, scope)
		if err != nil {
			if errors.Is(err, conduit.ErrConduitClosed) {
				p.log.Debug("conduit closed, watch ends")
				return
			}
			p.log.Debug("chat list subscription: %v", err)
			if sleep(ctx, p.cfg.RetryInterval) != nil {
				return
			}
			continue
		}
		p.log.Debug("observing %s", scope.Locator)
		for ev := range changes {
			p.OnChangeEvent(ctx, ev)
		}
	}
}

// OnChangeEvent classifies a change, extracts the candidate it points at and
// enqueues it. Extraction failures drop the candidate.
func (p *Pipeline) OnChangeEvent(ctx context.Context, ev conduit.RawChangeEvent) {
	if !p.Active() {
		return
	}
	chat, ok := classify(ev)
	if !ok {
		return
	}
	timer := logging.StartTimer(logging.CategoryIngest, "extract")
	msg, err := p.extract(ctx, chat)
	timer.StopWithThreshold(5 * time.Second)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("dropping candidate from chat %q: %v", chat, err)
		}
		return
	}
	// A trigger that reads a message already read for this chat is coalesced.
	// A different data id is always a new candidate.
	if err := p.recent.Add(chat+"\x00"+msg.DataID, struct{}{}, cache.DefaultExpiration); err != nil {
		p.log.Debug("coalesced trigger for chat %q (%s)", chat, msg.DataID)
		return
	}
	p.enqueue(item{msg: msg, chat: chat})
}

// Enqueue deduplicates msg and appends it to the queue. It reports whether msg was new.
func (p *Pipeline) Enqueue(msg types.CandidateMessage) bool {
	return p.enqueue(item{msg: msg})
}

func (p *Pipeline) enqueue(it item) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return false
	}
	if _, dup := p.processed[it.msg.DataID]; dup {
		p.log.Debug("duplicate %s ignored", it.msg.DataID)
		return false
	}
	p.processed[it.msg.DataID] = struct{}{}
	p.queue = append(p.queue, it)
	p.log.Debug("queued %s (%d pending)", it.msg.DataID, len(p.queue))

	if !p.draining {
		p.draining = true
		p.wg.Add(1)
		go p.drain()
	}
	return true
}

// drain is the only consumer. At most one runs per pipeline.
func (p *Pipeline) drain() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if !p.active || len(p.queue) == 0 {
			p.draining = false
			p.mu.Unlock()
			return
		}
		it := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.handle(it)

		if p.cfg.MessageDelay > 0 {
			_ = sleep(p.ctx, p.cfg.MessageDelay)
		}
	}
}

// handle runs the dispatcher outside the pipeline's cancellation so a Stop
// during the call lets it finish.
func (p *Pipeline) handle(it item) {
	ctx := context.WithoutCancel(p.ctx)
	msg := it.msg
	p.log.Info("message %s from %s", msg.DataID, msg.SenderHint)
	p.emit(events.IncomingMessage, msg)

	p.turn.Lock()
	if it.chat != "" {
		if err := p.conduit.Click(ctx, conduit.ByAriaLabel(it.chat)); err != nil {
			p.log.Warn("reopen chat %q: %v", it.chat, err)
		}
	}
	if err := p.dispatcher.Dispatch(ctx, msg); err != nil {
		p.log.Error("dispatch %s: %v", msg.DataID, err)
	}
	p.turn.Unlock()

	p.emit(events.MessageReceived, msg)
}

func (p *Pipeline) emit(t events.Type, msg types.CandidateMessage) {
	ev := events.New(t, p.cfg.Identity)
	ev.Message = &msg
	p.emitter.Emit(ev)
}

// extract opens the chat (when known) and reads the last incoming message,
// retrying until the extraction budget is spent.
func (p *Pipeline) extract(ctx context.Context, chat string) (types.CandidateMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ExtractTimeout)
	defer cancel()

	p.turn.Lock()
	defer p.turn.Unlock()

	if chat != "" {
		if err := p.conduit.Click(ctx, conduit.ByAriaLabel(chat)); err != nil {
			return types.CandidateMessage{}, fmt.Errorf("open chat: %w", err)
		}
	}

	var last error
	for {
		msg, err := p.read(ctx)
		if err == nil {
			return msg, nil
		}
		last = err
		if errors.Is(err, conduit.ErrConduitClosed) {
			return types.CandidateMessage{}, err
		}
		if sleep(ctx, p.cfg.RetryInterval) != nil {
			return types.CandidateMessage{}, fmt.Errorf("extraction budget spent: %w", last)
		}
	}
}

func (p *Pipeline) read(ctx context.Context) (types.CandidateMessage, error) {
	sel := p.cfg.Selectors
	text, err := p.conduit.ReadText(ctx, sel.IncomingText)
	if err != nil {
		return types.CandidateMessage{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return types.CandidateMessage{}, errors.New("empty message text")
	}
	dataID, err := p.conduit.ReadAttribute(ctx, sel.IncomingRow, "data-id")
	if err != nil {
		return types.CandidateMessage{}, err
	}
	if dataID == "" {
		return types.CandidateMessage{}, errors.New("message row without data-id")
	}
	return types.CandidateMessage{
		DataID:     dataID,
		SenderHint: types.SenderFromDataID(dataID),
		Text:       text,
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
