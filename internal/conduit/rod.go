package conduit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"chatnerd/internal/logging"
	"chatnerd/internal/types"
)

// Options configures the Chrome behind a Rod conduit.
type Options struct {
	Bin         string
	DebuggerURL string
	Headless    bool
	UserAgent   string
	LaunchFlags []string

	// UserDataDir is the browser profile. Ignored when attaching through DebuggerURL;
	// attached workers get an incognito context instead.
	UserDataDir string

	NavigationTimeout time.Duration
	OperationTimeout  time.Duration
	PollInterval      time.Duration
}

func (o Options) navTimeout() time.Duration {
	if o.NavigationTimeout <= 0 {
		return 60 * time.Second
	}
	return o.NavigationTimeout
}

func (o Options) opTimeout() time.Duration {
	if o.OperationTimeout <= 0 {
		return 10 * time.Second
	}
	return o.OperationTimeout
}

func (o Options) pollInterval() time.Duration {
	if o.PollInterval <= 0 {
		return 250 * time.Millisecond
	}
	return o.PollInterval
}

// RodFactory opens Rod conduits. UserDataDir maps a worker to its browser profile.
type RodFactory struct {
	Options     Options
	UserDataDir func(id types.Identity) string
}

// Open implements Factory.
func (f *RodFactory) Open(ctx context.Context, id types.Identity) (Conduit, error) {
	opts := f.Options
	if f.UserDataDir != nil {
		opts.UserDataDir = f.UserDataDir(id)
	}
	return OpenRod(ctx, id, opts)
}

// Rod drives one Chrome page through the DevTools protocol.
type Rod struct {
	id   types.Identity
	opts Options

	mu       sync.Mutex // page lock; every page step holds it
	launch   *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	attached bool

	closeOnce sync.Once
	done      chan struct{}
	cancel    context.CancelFunc
	subs      sync.WaitGroup
}

// OpenRod launches (or attaches to) Chrome and opens a blank page.
func OpenRod(ctx context.Context, id types.Identity, opts Options) (*Rod, error) {
	timer := logging.StartTimer(logging.CategoryConduit, "OpenRod")
	defer timer.StopWithThreshold(10 * time.Second)

	r := &Rod{id: id, opts: opts, done: make(chan struct{})}

	controlURL := opts.DebuggerURL
	if controlURL == "" {
		if opts.UserDataDir != "" {
			if err := os.MkdirAll(opts.UserDataDir, 0755); err != nil {
				return nil, fmt.Errorf("create user data dir: %w", err)
			}
		}
		l := launcher.New().Headless(opts.Headless).Leakless(true)
		if opts.Bin != "" {
			l = l.Bin(opts.Bin)
		}
		if opts.UserDataDir != "" {
			l = l.UserDataDir(opts.UserDataDir)
		}
		for _, rawFlag := range opts.LaunchFlags {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				l = l.Set(flags.Flag(name), val)
			} else {
				l = l.Set(flags.Flag(name))
			}
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = u
		r.launch = l
	} else {
		r.attached = true
	}

	// The browser outlives the caller's ctx; Close cancels it.
	connCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	browser := rod.New().ControlURL(controlURL).Context(connCtx)
	if err := browser.Connect(); err != nil {
		r.teardown()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	r.browser = browser

	target := browser
	if r.attached {
		incognito, err := browser.Incognito()
		if err != nil {
			r.teardown()
			return nil, fmt.Errorf("incognito context: %w", err)
		}
		target = incognito
	}

	page, err := target.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		r.teardown()
		return nil, fmt.Errorf("create page: %w", err)
	}
	if opts.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: opts.UserAgent}); err != nil {
			logging.ConduitWarn("[%s] failed to set user agent: %v", id, err)
		}
	}
	r.page = page

	if err := ctx.Err(); err != nil {
		r.teardown()
		return nil, err
	}
	logging.Conduit("[%s] browser page ready (attached=%v)", id, r.attached)
	return r, nil
}

func (r *Rod) isClosed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// withPage runs fn under the page lock with a bounded, ctx-scoped page.
func (r *Rod) withPage(ctx context.Context, timeout time.Duration, fn func(p *rod.Page) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isClosed() || r.page == nil {
		return ErrConduitClosed
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(r.page.Context(tctx))
}

// Navigate implements Conduit.
func (r *Rod) Navigate(ctx context.Context, url string) error {
	return r.withPage(ctx, r.opts.navTimeout(), func(p *rod.Page) error {
		if err := p.Navigate(url); err != nil {
			return fmt.Errorf("navigate %s: %w", url, err)
		}
		if err := p.WaitLoad(); err != nil {
			logging.ConduitDebug("[%s] wait load after navigate: %v", r.id, err)
		}
		return nil
	})
}

// Reload implements Conduit.
func (r *Rod) Reload(ctx context.Context) error {
	return r.withPage(ctx, r.opts.navTimeout(), func(p *rod.Page) error {
		if err := p.Reload(); err != nil {
			return fmt.Errorf("reload: %w", err)
		}
		if err := p.WaitLoad(); err != nil {
			logging.ConduitDebug("[%s] wait load after reload: %v", r.id, err)
		}
		return nil
	})
}

// IsAlive implements Conduit.
func (r *Rod) IsAlive(ctx context.Context) bool {
	err := r.withPage(ctx, 5*time.Second, func(p *rod.Page) error {
		_, err := p.Eval(`() => document.readyState`)
		return err
	})
	if err != nil {
		logging.ConduitDebug("[%s] liveness probe failed: %v", r.id, err)
		return false
	}
	return true
}

// WaitFor implements Conduit. The lock is released between probes so other
// steps of the worker can interleave.
func (r *Rod) WaitFor(ctx context.Context, locator string, timeout time.Duration) error {
	_, err := r.waitElement(ctx, locator, timeout)
	return err
}

func (r *Rod) waitElement(ctx context.Context, locator string, timeout time.Duration) (*rod.Element, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.opts.pollInterval())
	defer ticker.Stop()

	for {
		var found *rod.Element
		err := r.withPage(ctx, r.opts.opTimeout(), func(p *rod.Page) error {
			has, el, err := p.Has(locator)
			if err != nil {
				return err
			}
			if has {
				found = el
			}
			return nil
		})
		if errors.Is(err, ErrConduitClosed) {
			return nil, err
		}
		if err != nil {
			logging.ConduitDebug("[%s] probe %s: %v", r.id, locator, err)
		}
		if found != nil {
			return found, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.done:
			return nil, ErrConduitClosed
		case <-deadline.C:
			return nil, fmt.Errorf("%w: %s", ErrTimeout, locator)
		case <-ticker.C:
		}
	}
}

func (r *Rod) lastElement(p *rod.Page, locator string) (*rod.Element, error) {
	els, err := p.Elements(locator)
	if err != nil {
		return nil, err
	}
	if els.Empty() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
	}
	return els.Last(), nil
}

// ReadText implements Conduit.
func (r *Rod) ReadText(ctx context.Context, locator string) (string, error) {
	var text string
	err := r.withPage(ctx, r.opts.opTimeout(), func(p *rod.Page) error {
		el, err := r.lastElement(p, locator)
		if err != nil {
			return err
		}
		text, err = el.Text()
		return err
	})
	return text, err
}

// ReadAttribute implements Conduit.
func (r *Rod) ReadAttribute(ctx context.Context, locator, attr string) (string, error) {
	var value string
	err := r.withPage(ctx, r.opts.opTimeout(), func(p *rod.Page) error {
		el, err := r.lastElement(p, locator)
		if err != nil {
			return err
		}
		v, err := el.Attribute(attr)
		if err != nil {
			return err
		}
		if v == nil {
			return fmt.Errorf("%w: %s[%s]", ErrNotFound, locator, attr)
		}
		value = *v
		return nil
	})
	return value, err
}

// ReadAttributes implements Conduit.
func (r *Rod) ReadAttributes(ctx context.Context, locator, attr string) ([]string, error) {
	var values []string
	err := r.withPage(ctx, r.opts.opTimeout(), func(p *rod.Page) error {
		els, err := p.Elements(locator)
		if err != nil {
			return err
		}
		for _, el := range els {
			v, err := el.Attribute(attr)
			if err != nil {
				return err
			}
			if v != nil {
				values = append(values, *v)
			}
		}
		return nil
	})
	return values, err
}

// Click implements Conduit.
func (r *Rod) Click(ctx context.Context, locator string) error {
	if _, err := r.waitElement(ctx, locator, r.opts.opTimeout()); err != nil {
		return err
	}
	return r.withPage(ctx, r.opts.opTimeout(), func(p *rod.Page) error {
		el, err := p.Element(locator)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrNotFound, locator)
		}
		return el.Click(proto.InputMouseButtonLeft, 1)
	})
}

// Type implements Conduit.
func (r *Rod) Type(ctx context.Context, locator, text string) error {
	if _, err := r.waitElement(ctx, locator, r.opts.opTimeout()); err != nil {
		return err
	}
	return r.withPage(ctx, r.opts.opTimeout(), func(p *rod.Page) error {
		el, err := p.Element(locator)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrNotFound, locator)
		}
		return el.Input(text)
	})
}

var keys = map[string]input.Key{
	"enter":     input.Enter,
	"escape":    input.Escape,
	"tab":       input.Tab,
	"backspace": input.Backspace,
}

// Press implements Conduit.
func (r *Rod) Press(ctx context.Context, key string) error {
	k, ok := keys[strings.ToLower(key)]
	if !ok {
		return fmt.Errorf("unsupported key %q", key)
	}
	return r.withPage(ctx, r.opts.opTimeout(), func(p *rod.Page) error {
		return p.Keyboard.Press(k)
	})
}

// UploadFile implements Conduit.
func (r *Rod) UploadFile(ctx context.Context, locator string, paths ...string) error {
	if _, err := r.waitElement(ctx, locator, r.opts.opTimeout()); err != nil {
		return err
	}
	return r.withPage(ctx, r.opts.opTimeout(), func(p *rod.Page) error {
		el, err := p.Element(locator)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrNotFound, locator)
		}
		return el.SetFiles(paths)
	})
}

// Credential implements Conduit.
func (r *Rod) Credential(ctx context.Context) (*types.Credential, error) {
	cred := &types.Credential{CapturedAt: time.Now()}
	err := r.withPage(ctx, r.opts.opTimeout(), func(p *rod.Page) error {
		res, err := proto.NetworkGetCookies{}.Call(p)
		if err != nil {
			return fmt.Errorf("get cookies: %w", err)
		}
		for _, c := range res.Cookies {
			cred.Cookies = append(cred.Cookies, types.Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Expires:  float64(c.Expires),
				HTTPOnly: c.HTTPOnly,
				Secure:   c.Secure,
				SameSite: string(c.SameSite),
			})
		}
		ls, err := snapshotStorage(p)
		if err != nil {
			return err
		}
		cred.LocalStorage = ls
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// ApplyCredential implements Conduit. The page must already be on the application origin.
func (r *Rod) ApplyCredential(ctx context.Context, cred *types.Credential) error {
	if cred == nil {
		return nil
	}
	return r.withPage(ctx, r.opts.opTimeout(), func(p *rod.Page) error {
		params := make([]*proto.NetworkCookieParam, 0, len(cred.Cookies))
		for _, c := range cred.Cookies {
			params = append(params, &proto.NetworkCookieParam{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Expires:  proto.TimeSinceEpoch(c.Expires),
				HTTPOnly: c.HTTPOnly,
				Secure:   c.Secure,
				SameSite: proto.NetworkCookieSameSite(c.SameSite),
			})
		}
		if len(params) > 0 {
			if err := p.SetCookies(params); err != nil {
				return fmt.Errorf("set cookies: %w", err)
			}
		}
		return restoreStorage(p, cred.LocalStorage)
	})
}

// Close implements Conduit. It is idempotent and waits for subscriptions to stop.
func (r *Rod) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.subs.Wait()

		r.mu.Lock()
		defer r.mu.Unlock()
		err = r.teardown()
		logging.Conduit("[%s] conduit closed", r.id)
	})
	return err
}

func (r *Rod) teardown() error {
	var errs []error
	if r.page != nil {
		if err := r.page.Close(); err != nil {
			errs = append(errs, err)
		}
		r.page = nil
	}
	if r.browser != nil && !r.attached {
		if err := r.browser.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.browser = nil
	if r.cancel != nil {
		r.cancel()
	}
	if r.launch != nil {
		r.launch.Kill()
		r.launch = nil
	}
	return errors.Join(errs...)
}

func snapshotStorage(p *rod.Page) (map[string]string, error) {
	res, err := p.Evaluate(&rod.EvalOptions{
		JS: `() => {
			try {
				const out = {};
				for (const key of Object.keys(localStorage)) {
					out[key] = localStorage.getItem(key);
				}
				return JSON.stringify(out);
			} catch (e) {
				return "{}";
			}
		}`,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot local storage: %w", err)
	}
	out := map[string]string{}
	if res == nil || res.Value.Nil() {
		return out, nil
	}
	if err := json.Unmarshal([]byte(res.Value.Str()), &out); err != nil {
		return nil, fmt.Errorf("decode local storage: %w", err)
	}
	return out, nil
}

func restoreStorage(p *rod.Page, local map[string]string) error {
	if len(local) == 0 {
		return nil
	}
	data, err := json.Marshal(local)
	if err != nil {
		return err
	}
	_, err = p.Evaluate(&rod.EvalOptions{
		JS: `(local) => {
			const l = JSON.parse(local || "{}");
			Object.entries(l).forEach(([k, v]) => localStorage.setItem(k, v));
			return true;
		}`,
		JSArgs:       []interface{}{string(data)},
		ByValue:      true,
		AwaitPromise: true,
		UserGesture:  true,
	})
	if err != nil {
		return fmt.Errorf("restore local storage: %w", err)
	}
	return nil
}
