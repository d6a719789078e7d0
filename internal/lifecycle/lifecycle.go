// Package lifecycle runs the connection state machine of one worker:
// open a browser conduit, restore or acquire a credential within a bounded number
// of attempts, watch the ready session for disconnection and start over.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatnerd/internal/conduit"
	"chatnerd/internal/credstore"
	"chatnerd/internal/events"
	"chatnerd/internal/logging"
	"chatnerd/internal/types"
)

var (
	// ErrAuthTimeout means the ready marker never appeared within the attempt budget.
	ErrAuthTimeout = errors.New("credential confirmation timed out")
	// ErrNotReady is returned by operations that need a ready session.
	ErrNotReady = errors.New("session not ready")
	// ErrConduitUnavailable means no conduit could be opened and navigated within the attempt budget.
	ErrConduitUnavailable = errors.New("conduit unavailable")
)

// DisconnectReason says why a ready session ended.
type DisconnectReason string

const (
	ReasonRemote      DisconnectReason = "remote_logout"
	ReasonConduitLost DisconnectReason = "conduit_lost"
	ReasonRequested   DisconnectReason = "requested"
	ReasonLogout      DisconnectReason = "logout"
	ReasonShutdown    DisconnectReason = "shutdown"
)

// dropsCredential reports whether the stored credential is useless after this reason.
func (r DisconnectReason) dropsCredential() bool {
	return r == ReasonRemote || r == ReasonLogout
}

// Config configures one worker's lifecycle.
type Config struct {
	Identity  types.Identity
	Selectors conduit.Selectors

	CheckInterval time.Duration
	MaxAttempts   int

	// LivenessInterval is the probe period while ready. Defaults to CheckInterval.
	LivenessInterval time.Duration

	// UserDataDir is the browser profile removed when the credential is dropped.
	UserDataDir string
	// ReleaseGrace is waited after teardown before profile files are removed.
	ReleaseGrace time.Duration
}

func (c Config) liveness() time.Duration {
	if c.LivenessInterval > 0 {
		return c.LivenessInterval
	}
	return c.CheckInterval
}

// Lifecycle owns the ConnectionState of one worker. Transitions happen only on
// the goroutine running Run (or Start); other goroutines observe through events.
type Lifecycle struct {
	cfg     Config
	factory conduit.Factory
	store   credstore.Store
	emitter *events.Emitter
	log     *logging.Logger

	mu         sync.RWMutex
	state      types.ConnectionState
	conduit    conduit.Conduit
	cred       *types.Credential
	cycleID    string
	recoveries int

	requests chan DisconnectReason
}

// New creates a lifecycle in the Initializing state.
func New(cfg Config, factory conduit.Factory, store credstore.Store, emitter *events.Emitter) *Lifecycle {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if emitter == nil {
		emitter = &events.Emitter{}
	}
	return &Lifecycle{
		cfg:      cfg,
		factory:  factory,
		store:    store,
		emitter:  emitter,
		log:      logging.Get(logging.CategoryLifecycle).With("worker", cfg.Identity.String()),
		state:    types.StateInitializing,
		requests: make(chan DisconnectReason, 1),
	}
}

// Identity returns the worker identity.
func (l *Lifecycle) Identity() types.Identity { return l.cfg.Identity }

// Selectors returns the locator set the lifecycle runs with.
func (l *Lifecycle) Selectors() conduit.Selectors { return l.cfg.Selectors }

// On registers an event listener. Listeners run synchronously.
func (l *Lifecycle) On(fn events.Listener) { l.emitter.On(fn) }

// State returns the current state. For diagnostics; react to events instead of polling.
func (l *Lifecycle) State() types.ConnectionState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Conduit returns the conduit of the current cycle, or nil between cycles.
func (l *Lifecycle) Conduit() conduit.Conduit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conduit
}

// Recoveries counts completed disconnection recoveries.
func (l *Lifecycle) Recoveries() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.recoveries
}

func (l *Lifecycle) setState(s types.ConnectionState) {
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.mu.Unlock()
	if prev != s {
		l.log.Info("state %s -> %s", prev, s)
	}
}

func (l *Lifecycle) emit(t events.Type, mutate func(*events.Event)) {
	ev := events.New(t, l.cfg.Identity)
	if mutate != nil {
		mutate(&ev)
	}
	l.emitter.Emit(ev)
}

// Start runs Initializing until the session is Ready (nil), Failed (ErrAuthTimeout
// or ErrConduitUnavailable) or ctx ends. On any non-nil return the conduit is released.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.setState(types.StateInitializing)
	l.mu.Lock()
	l.cycleID = uuid.NewString()
	l.mu.Unlock()

	c, err := l.connect(ctx)
	if err != nil {
		return err
	}

	cred, err := l.store.Load(ctx, l.cfg.Identity)
	if err != nil {
		l.log.Warn("failed to load credential, continuing without: %v", err)
		cred = nil
	}
	if !cred.Empty() {
		ok, err := l.restore(ctx, c, cred)
		if err != nil {
			l.release()
			return err
		}
		if ok {
			l.becomeReady(ctx, c)
			return nil
		}
		l.log.Info("stored credential did not restore the session; falling back to challenge")
	}

	l.setState(types.StateAwaitingCredential)
	challengeCtx, stopChallenge := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.watchChallenge(challengeCtx, c)
	}()

	err = l.AwaitCredentialConfirmation(ctx, l.cfg.CheckInterval, l.cfg.MaxAttempts)
	stopChallenge()
	wg.Wait()
	return err
}

// connect opens a conduit and navigates to the app, retrying at most MaxAttempts
// times checkInterval apart. Exhaustion fails the cycle with ErrConduitUnavailable.
func (l *Lifecycle) connect(ctx context.Context) (conduit.Conduit, error) {
	attempts := max(l.cfg.MaxAttempts, 1)
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, l.cfg.CheckInterval); err != nil {
				return nil, err
			}
		}

		c, err := l.factory.Open(ctx, l.cfg.Identity)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			last = fmt.Errorf("open conduit: %w", err)
			l.log.Warn("attempt %d/%d: %v", attempt, attempts, last)
			continue
		}
		l.mu.Lock()
		l.conduit = c
		l.mu.Unlock()

		if err := c.Navigate(ctx, l.cfg.Selectors.AppURL); err != nil {
			l.release()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			last = fmt.Errorf("navigate: %w", err)
			l.log.Warn("attempt %d/%d: %v", attempt, attempts, last)
			continue
		}
		return c, nil
	}
	return nil, l.fail(fmt.Errorf("%w after %d attempts: %w", ErrConduitUnavailable, attempts, last))
}

// restore applies a stored credential and confirms the ready marker once.
// It returns an error only when ctx ended.
func (l *Lifecycle) restore(ctx context.Context, c conduit.Conduit, cred *types.Credential) (bool, error) {
	l.log.Info("restoring stored credential (%d cookies)", len(cred.Cookies))
	if err := c.ApplyCredential(ctx, cred); err != nil {
		l.log.Warn("apply credential: %v", err)
		return false, ctx.Err()
	}
	if err := c.Reload(ctx); err != nil {
		l.log.Warn("reload after applying credential: %v", err)
		return false, ctx.Err()
	}
	if err := c.WaitFor(ctx, l.cfg.Selectors.Ready, l.cfg.CheckInterval); err != nil {
		l.log.Debug("ready marker not confirmed after restore: %v", err)
		return false, ctx.Err()
	}
	return true, nil
}

// AwaitCredentialConfirmation polls for the ready marker at most maxAttempts times.
// Each attempt waits up to checkInterval for the marker when the conduit is alive,
// otherwise it just sleeps checkInterval. Exhaustion fails the cycle with ErrAuthTimeout.
func (l *Lifecycle) AwaitCredentialConfirmation(ctx context.Context, checkInterval time.Duration, maxAttempts int) error {
	c := l.Conduit()
	if c == nil {
		return l.fail(fmt.Errorf("no conduit: %w", ErrNotReady))
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if c.IsAlive(ctx) {
			err := c.WaitFor(ctx, l.cfg.Selectors.Ready, checkInterval)
			if err == nil {
				l.log.Info("ready marker found on attempt %d/%d", attempt, maxAttempts)
				l.becomeReady(ctx, c)
				return nil
			}
			if ctx.Err() != nil {
				l.release()
				return ctx.Err()
			}
			l.log.Debug("attempt %d/%d: %v", attempt, maxAttempts, err)
		} else {
			l.log.Debug("attempt %d/%d: conduit not alive", attempt, maxAttempts)
			if err := sleep(ctx, checkInterval); err != nil {
				l.release()
				return err
			}
		}
	}

	l.log.Warn("no credential confirmation after %d attempts", maxAttempts)
	return l.fail(ErrAuthTimeout)
}

// becomeReady captures and persists a fresh credential, then enters Ready.
func (l *Lifecycle) becomeReady(ctx context.Context, c conduit.Conduit) {
	cred, err := c.Credential(ctx)
	if err != nil {
		l.log.Warn("capture credential: %v", err)
	} else if err := l.store.Save(ctx, l.cfg.Identity, cred); err != nil {
		l.log.Warn("persist credential: %v", err)
	}

	// A request made before this session existed does not apply to it.
	select {
	case <-l.requests:
	default:
	}

	l.mu.Lock()
	l.cred = cred
	l.mu.Unlock()
	l.setState(types.StateReady)
	l.emit(events.Authenticated, nil)
	l.emit(events.Ready, nil)
}

// fail enters Failed, releases the conduit, emits auth_failed and returns cause.
func (l *Lifecycle) fail(cause error) error {
	l.setState(types.StateFailed)
	l.release()
	l.log.Error("cycle failed: %v", cause)
	l.emit(events.AuthFailed, func(ev *events.Event) { ev.Err = cause.Error() })
	return cause
}

// release closes the conduit and forgets the transient credential.
func (l *Lifecycle) release() {
	l.mu.Lock()
	c := l.conduit
	l.conduit = nil
	l.cred = nil
	l.mu.Unlock()
	if c != nil {
		if err := c.Close(); err != nil {
			l.log.Debug("close conduit: %v", err)
		}
	}
}

// watchChallenge emits the login challenge and re-emits it whenever it rotates,
// while the worker awaits a credential.
func (l *Lifecycle) watchChallenge(ctx context.Context, c conduit.Conduit) {
	sel := l.cfg.Selectors
	last := ""
	publish := func(value string) {
		if value == "" || value == last || l.State() != types.StateAwaitingCredential {
			return
		}
		last = value
		l.log.Info("login challenge available")
		l.emit(events.QR, func(ev *events.Event) { ev.QR = value })
	}

	for ctx.Err() == nil {
		if err := c.WaitFor(ctx, sel.QRCode, l.cfg.CheckInterval); err != nil {
			if errors.Is(err, conduit.ErrConduitClosed) {
				return
			}
			if !errors.Is(err, conduit.ErrTimeout) && sleep(ctx, l.cfg.CheckInterval) != nil {
				return
			}
			continue
		}
		if v, err := c.ReadAttribute(ctx, sel.QRCode, sel.QRAttribute); err == nil {
			publish(v)
		}

		changes, err := c.Subscribe(ctx, conduit.Scope{
			Locator:         sel.QRCode,
			Attributes:      true,
			AttributeFilter: []string{sel.QRAttribute},
		})
		if err != nil {
			l.log.Debug("challenge subscription: %v", err)
			if sleep(ctx, l.cfg.CheckInterval) != nil {
				return
			}
			continue
		}
		for ev := range changes {
			if ev.Kind == conduit.KindAttribute && ev.Attribute == sel.QRAttribute {
				publish(ev.PayloadText)
			}
		}
	}
}

// WatchForDisconnection blocks while Ready and returns why the session ended.
// It returns ctx.Err() when ctx ends first.
func (l *Lifecycle) WatchForDisconnection(ctx context.Context) (DisconnectReason, error) {
	c := l.Conduit()
	if c == nil || l.State() != types.StateReady {
		return "", ErrNotReady
	}
	marker := l.cfg.Selectors.DisconnectMarker

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var changes <-chan conduit.RawChangeEvent
	subscribe := func() {
		ch, err := c.Subscribe(subCtx, conduit.Scope{Subtree: true, Text: true, Contains: marker})
		if err != nil {
			l.log.Debug("disconnection subscription: %v", err)
			changes = nil
			return
		}
		changes = ch
	}
	subscribe()

	ticker := time.NewTicker(l.cfg.liveness())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case reason := <-l.requests:
			return reason, nil
		case ev, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if marker != "" && strings.Contains(ev.PayloadText, marker) {
				l.log.Info("remote side is ending the session")
				return ReasonRemote, nil
			}
		case <-ticker.C:
			if !c.IsAlive(ctx) {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				return ReasonConduitLost, nil
			}
			if changes == nil {
				subscribe()
			}
		}
	}
}

// Disconnect asks the running watch to end the ready session and reconnect.
// It reports false when no ready session exists.
func (l *Lifecycle) Disconnect() bool {
	return l.request(ReasonRequested)
}

// Logout drops the stored credential and reconnects, which presents a new challenge.
// When the worker is not ready the credential is removed directly.
func (l *Lifecycle) Logout(ctx context.Context) error {
	if l.request(ReasonLogout) {
		return nil
	}
	return Purge(ctx, l.store, l.cfg.Identity, l.cfg.UserDataDir)
}

func (l *Lifecycle) request(reason DisconnectReason) bool {
	if l.State() != types.StateReady {
		return false
	}
	select {
	case l.requests <- reason:
	default:
		// one pending request is enough
	}
	return true
}

// recover tears the ended session down. The disconnected event is emitted before
// the conduit closes so listeners can finish in-flight work against it.
func (l *Lifecycle) recover(ctx context.Context, reason DisconnectReason) {
	l.setState(types.StateDisconnected)
	l.emit(events.Disconnected, func(ev *events.Event) { ev.Reason = string(reason) })
	l.release()

	if reason.dropsCredential() {
		if l.cfg.ReleaseGrace > 0 && sleep(ctx, l.cfg.ReleaseGrace) != nil {
			l.log.Debug("release grace cut short by shutdown")
		}
		// The credential is dropped even when the run context is already done.
		purgeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := Purge(purgeCtx, l.store, l.cfg.Identity, l.cfg.UserDataDir); err != nil {
			l.log.Warn("purge session data: %v", err)
		}
	}
}

// Run drives start -> watch -> recover until ctx ends (ctx.Err()) or a cycle fails.
// Recoveries are unbounded; each cycle applies the attempt budget on its own.
func (l *Lifecycle) Run(ctx context.Context) error {
	for {
		if err := l.Start(ctx); err != nil {
			return err
		}

		reason, err := l.WatchForDisconnection(ctx)
		if err != nil {
			l.recover(ctx, ReasonShutdown)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		l.log.Info("session ended (%s); reconnecting", reason)
		l.recover(ctx, reason)
		l.mu.Lock()
		l.recoveries++
		l.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Purge removes the stored credential and the browser profile of id.
func Purge(ctx context.Context, store credstore.Store, id types.Identity, userDataDir string) error {
	var errs []error
	if err := store.Remove(ctx, id); err != nil {
		errs = append(errs, err)
	}
	if userDataDir != "" {
		if err := os.RemoveAll(userDataDir); err != nil {
			errs = append(errs, fmt.Errorf("remove user data dir: %w", err))
		} else {
			logging.Lifecycle("[%s] removed user data dir %s", id, userDataDir)
		}
	}
	return errors.Join(errs...)
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
