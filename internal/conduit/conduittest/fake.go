// Package conduittest provides an in-memory conduit for tests.
package conduittest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatnerd/internal/conduit"
	"chatnerd/internal/types"
)

// Typed records one Type call.
type Typed struct {
	Locator string
	Text    string
}

type subscription struct {
	scope conduit.Scope
	ch    chan conduit.RawChangeEvent
	ctx   context.Context
}

// Fake is a scriptable conduit. Elements exist when marked present; reads are
// served from the configured texts and attributes.
type Fake struct {
	mu sync.Mutex

	alive   bool
	closed  bool
	done    chan struct{}
	present map[string]bool
	texts   map[string]string
	attrs   map[string][]string

	cred    *types.Credential
	applied []*types.Credential

	navigations []string
	reloads     int
	waitCalls   map[string]int
	clicks      []string
	typed       []Typed
	pressed     []string
	uploads     [][]string
	subs        []*subscription

	// OnClick runs after a click is recorded, outside the lock.
	OnClick func(locator string)
	// OnReload runs after a reload is recorded, outside the lock.
	OnReload func()
	// ClickErr fails clicks on matching locators.
	ClickErr map[string]error
	// WaitErr fails waits on matching locators at once.
	WaitErr map[string]error
	// NavigateErr fails navigation while set.
	NavigateErr error
}

// New returns a live fake with no elements.
func New() *Fake {
	return &Fake{
		alive:     true,
		done:      make(chan struct{}),
		present:   make(map[string]bool),
		texts:     make(map[string]string),
		attrs:     make(map[string][]string),
		waitCalls: make(map[string]int),
		ClickErr:  make(map[string]error),
		WaitErr:   make(map[string]error),
	}
}

var _ conduit.Conduit = (*Fake)(nil)

// --- scripting -------------------------------------------------------------

// Present marks locators as matching.
func (f *Fake) Present(locators ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range locators {
		f.present[l] = true
	}
}

// Absent removes locators.
func (f *Fake) Absent(locators ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range locators {
		delete(f.present, l)
	}
}

// SetText sets the text read from locator and marks it present.
func (f *Fake) SetText(locator, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts[locator] = text
	f.present[locator] = true
}

// SetAttr sets the attribute values of all elements matching locator.
// ReadAttribute returns the last one.
func (f *Fake) SetAttr(locator, attr string, values ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attrs[locator+"|"+attr] = values
	if len(values) > 0 {
		f.present[locator] = true
	}
}

// SetCredential sets what Credential returns.
func (f *Fake) SetCredential(c *types.Credential) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cred = c
}

// SetAlive toggles the liveness probe.
func (f *Fake) SetAlive(alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = alive
}

// Emit delivers ev to every live subscription whose scope root is locator
// ("" for the document body). It reports how many subscriptions received it.
func (f *Fake) Emit(locator string, ev conduit.RawChangeEvent) int {
	f.mu.Lock()
	subs := append([]*subscription(nil), f.subs...)
	f.mu.Unlock()

	n := 0
	for _, s := range subs {
		if s.scope.Locator != locator {
			continue
		}
		if s.scope.Contains != "" && ev.Kind != conduit.KindAttribute && !strings.Contains(ev.PayloadText, s.scope.Contains) {
			continue
		}
		select {
		case s.ch <- ev:
			n++
		case <-s.ctx.Done():
		case <-f.done:
		}
	}
	return n
}

// --- inspection ------------------------------------------------------------

// Subscribers counts live subscriptions rooted at locator.
func (f *Fake) Subscribers(locator string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs {
		if s.scope.Locator == locator && s.ctx.Err() == nil {
			n++
		}
	}
	return n
}

func (f *Fake) WaitCalls(locator string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waitCalls[locator]
}

func (f *Fake) Clicks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.clicks...)
}

func (f *Fake) Typed() []Typed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Typed(nil), f.typed...)
}

func (f *Fake) Pressed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pressed...)
}

func (f *Fake) Uploads() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.uploads...)
}

func (f *Fake) Navigations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.navigations...)
}

func (f *Fake) Reloads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloads
}

func (f *Fake) Applied() []*types.Credential {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Credential(nil), f.applied...)
}

func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// --- conduit.Conduit -------------------------------------------------------

func (f *Fake) check() error {
	if f.closed {
		return conduit.ErrConduitClosed
	}
	return nil
}

func (f *Fake) Navigate(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	if f.NavigateErr != nil {
		return f.NavigateErr
	}
	f.navigations = append(f.navigations, url)
	return nil
}

func (f *Fake) Reload(context.Context) error {
	f.mu.Lock()
	if err := f.check(); err != nil {
		f.mu.Unlock()
		return err
	}
	f.reloads++
	hook := f.OnReload
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *Fake) IsAlive(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive && !f.closed
}

// WaitFor polls the present set every millisecond.
func (f *Fake) WaitFor(ctx context.Context, locator string, timeout time.Duration) error {
	f.mu.Lock()
	if err := f.check(); err != nil {
		f.mu.Unlock()
		return err
	}
	f.waitCalls[locator]++
	waitErr := f.WaitErr[locator]
	f.mu.Unlock()
	if waitErr != nil {
		return waitErr
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		f.mu.Lock()
		found, closed := f.present[locator], f.closed
		f.mu.Unlock()
		if closed {
			return conduit.ErrConduitClosed
		}
		if found {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: %s", conduit.ErrTimeout, locator)
		case <-ticker.C:
		}
	}
}

func (f *Fake) Subscribe(ctx context.Context, scope conduit.Scope) (<-chan conduit.RawChangeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	if scope.Locator != "" && !f.present[scope.Locator] {
		return nil, fmt.Errorf("%w: observer root %q", conduit.ErrNotFound, scope.Locator)
	}
	s := &subscription{scope: scope, ch: make(chan conduit.RawChangeEvent), ctx: ctx}
	f.subs = append(f.subs, s)

	out := make(chan conduit.RawChangeEvent)
	go func() {
		defer close(out)
		for {
			select {
			case ev := <-s.ch:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				case <-f.done:
					return
				}
			case <-ctx.Done():
				return
			case <-f.done:
				return
			}
		}
	}()
	return out, nil
}

func (f *Fake) ReadText(_ context.Context, locator string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return "", err
	}
	text, ok := f.texts[locator]
	if !ok {
		return "", fmt.Errorf("%w: %s", conduit.ErrNotFound, locator)
	}
	return text, nil
}

func (f *Fake) ReadAttribute(_ context.Context, locator, attr string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return "", err
	}
	values := f.attrs[locator+"|"+attr]
	if len(values) == 0 {
		return "", fmt.Errorf("%w: %s[%s]", conduit.ErrNotFound, locator, attr)
	}
	return values[len(values)-1], nil
}

func (f *Fake) ReadAttributes(_ context.Context, locator, attr string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	return append([]string(nil), f.attrs[locator+"|"+attr]...), nil
}

func (f *Fake) Click(_ context.Context, locator string) error {
	f.mu.Lock()
	if err := f.check(); err != nil {
		f.mu.Unlock()
		return err
	}
	if err := f.ClickErr[locator]; err != nil {
		f.mu.Unlock()
		return err
	}
	f.clicks = append(f.clicks, locator)
	hook := f.OnClick
	f.mu.Unlock()
	if hook != nil {
		hook(locator)
	}
	return nil
}

func (f *Fake) Type(_ context.Context, locator, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	f.typed = append(f.typed, Typed{Locator: locator, Text: text})
	return nil
}

func (f *Fake) Press(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	f.pressed = append(f.pressed, key)
	return nil
}

func (f *Fake) UploadFile(_ context.Context, locator string, paths ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	f.uploads = append(f.uploads, append([]string{locator}, paths...))
	return nil
}

func (f *Fake) Credential(context.Context) (*types.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	if f.cred == nil {
		return &types.Credential{LocalStorage: map[string]string{}}, nil
	}
	c := *f.cred
	return &c, nil
}

func (f *Fake) ApplyCredential(_ context.Context, cred *types.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	f.applied = append(f.applied, cred)
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

// Factory hands out fakes in order. When the queue is empty, NewFake builds one.
type Factory struct {
	mu     sync.Mutex
	queue  []*Fake
	opened   []*Fake
	err      error
	failNext int
	attempts int

	NewFake func() *Fake
}

// NewFactory returns a factory that serves the given fakes first.
func NewFactory(fakes ...*Fake) *Factory {
	return &Factory{queue: fakes, NewFake: New}
}

// FailWith makes subsequent Open calls fail.
func (fa *Factory) FailWith(err error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.err = err
	fa.failNext = 0
}

// FailNext makes the next n Open calls fail with err; later calls succeed.
func (fa *Factory) FailNext(n int, err error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.failNext = n
	fa.err = err
}

// Attempts returns how many times Open was called, failed calls included.
func (fa *Factory) Attempts() int {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return fa.attempts
}

// Open implements conduit.Factory.
func (fa *Factory) Open(ctx context.Context, _ types.Identity) (conduit.Conduit, error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.attempts++
	if fa.err != nil {
		err := fa.err
		if fa.failNext > 0 {
			fa.failNext--
			if fa.failNext == 0 {
				fa.err = nil
			}
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var f *Fake
	if len(fa.queue) > 0 {
		f, fa.queue = fa.queue[0], fa.queue[1:]
	} else {
		f = fa.NewFake()
	}
	fa.opened = append(fa.opened, f)
	return f, nil
}

// Opened returns every fake handed out so far.
func (fa *Factory) Opened() []*Fake {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return append([]*Fake(nil), fa.opened...)
}

// Last returns the most recently opened fake, or nil.
func (fa *Factory) Last() *Fake {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.opened) == 0 {
		return nil
	}
	return fa.opened[len(fa.opened)-1]
}
