package conduit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/google/uuid"

	"chatnerd/internal/logging"
)

// installObserverJS attaches a MutationObserver to the scope root. Notifications are
// buffered in window.__chatnerdChanges[id] and drained by polling.
const installObserverJS = `(id, sel, opts) => {
	const root = sel ? document.querySelector(sel) : document.body;
	if (!root) return false;
	const w = window;
	w.__chatnerdChanges = w.__chatnerdChanges || {};
	w.__chatnerdObservers = w.__chatnerdObservers || {};
	if (w.__chatnerdObservers[id]) return true;
	const buf = w.__chatnerdChanges[id] = [];
	const cut = (s, n) => {
		s = s || '';
		return s.length > n ? s.slice(0, n) : s;
	};
	const keep = (text) => !opts.contains || (text || '').includes(opts.contains);
	const push = (ev) => {
		if (buf.length >= 1000) buf.shift();
		buf.push(ev);
	};
	const obs = new MutationObserver((mutations) => {
		for (const m of mutations) {
			if (m.type === 'characterData') {
				const data = m.target.data || '';
				if (!keep(data)) continue;
				const parent = m.target.parentElement;
				push({ kind: 'text', hint: parent ? cut(parent.outerHTML, 4096) : '', text: cut(data, 4096) });
			} else if (m.type === 'childList') {
				m.addedNodes.forEach((n) => {
					const text = n.textContent || '';
					if (!keep(text)) return;
					push({ kind: 'subtree', hint: n.nodeType === 1 ? cut(n.outerHTML, 8192) : '', text: cut(text, 4096) });
				});
			} else if (m.type === 'attributes') {
				const val = m.target.getAttribute ? (m.target.getAttribute(m.attributeName) || '') : '';
				push({ kind: 'attribute', attr: m.attributeName, hint: '', text: val });
			}
		}
	});
	const options = {};
	if (opts.subtree) {
		options.childList = true;
		options.subtree = true;
	}
	if (opts.text) {
		options.characterData = true;
		options.subtree = true;
	}
	if (opts.attributes) {
		options.attributes = true;
		if (opts.attributeFilter && opts.attributeFilter.length) options.attributeFilter = opts.attributeFilter;
	}
	obs.observe(root, options);
	w.__chatnerdObservers[id] = obs;
	return true;
}`

const drainObserverJS = `(id) => {
	const all = window.__chatnerdChanges || {};
	const buf = all[id];
	if (!Array.isArray(buf)) return null;
	all[id] = [];
	return buf;
}`

const removeObserverJS = `(id) => {
	const obs = (window.__chatnerdObservers || {})[id];
	if (obs) obs.disconnect();
	if (window.__chatnerdObservers) delete window.__chatnerdObservers[id];
	if (window.__chatnerdChanges) delete window.__chatnerdChanges[id];
	return true;
}`

type observerOptions struct {
	Subtree         bool     `json:"subtree"`
	Text            bool     `json:"text"`
	Attributes      bool     `json:"attributes"`
	AttributeFilter []string `json:"attributeFilter,omitempty"`
	Contains        string   `json:"contains,omitempty"`
}

// Subscribe implements Conduit.
func (r *Rod) Subscribe(ctx context.Context, scope Scope) (<-chan RawChangeEvent, error) {
	if !scope.Subtree && !scope.Text && !scope.Attributes {
		return nil, fmt.Errorf("empty subscription scope")
	}
	id := uuid.NewString()
	opts := observerOptions{
		Subtree:         scope.Subtree,
		Text:            scope.Text,
		Attributes:      scope.Attributes,
		AttributeFilter: scope.AttributeFilter,
		Contains:        scope.Contains,
	}

	var installed bool
	err := r.withPage(ctx, r.opts.opTimeout(), func(p *rod.Page) error {
		res, err := p.Evaluate(&rod.EvalOptions{
			JS:           installObserverJS,
			JSArgs:       []interface{}{id, scope.Locator, opts},
			ByValue:      true,
			AwaitPromise: true,
		})
		if err != nil {
			return err
		}
		installed = res != nil && res.Value.Bool()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("install observer: %w", err)
	}
	if !installed {
		return nil, fmt.Errorf("%w: observer root %q", ErrNotFound, scope.Locator)
	}
	logging.ConduitDebug("[%s] observer %s installed on %q", r.id, id[:8], scope.Locator)

	out := make(chan RawChangeEvent, 64)
	r.subs.Add(1)
	go r.drainLoop(ctx, id, out)
	return out, nil
}

func (r *Rod) drainLoop(ctx context.Context, id string, out chan<- RawChangeEvent) {
	defer r.subs.Done()
	defer close(out)
	defer func() {
		// Best effort; the page may already be gone.
		_ = r.withPage(context.Background(), 2*time.Second, func(p *rod.Page) error {
			_, err := p.Evaluate(&rod.EvalOptions{JS: removeObserverJS, JSArgs: []interface{}{id}, ByValue: true})
			return err
		})
	}()

	ticker := time.NewTicker(r.opts.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
		}

		var batch []RawChangeEvent
		gone := false
		err := r.withPage(ctx, r.opts.opTimeout(), func(p *rod.Page) error {
			res, err := p.Evaluate(&rod.EvalOptions{
				JS:           drainObserverJS,
				JSArgs:       []interface{}{id},
				ByValue:      true,
				AwaitPromise: true,
			})
			if err != nil {
				return err
			}
			if res == nil || res.Value.Nil() {
				// A navigation wiped the buffer together with the observer.
				gone = true
				return nil
			}
			raw, err := res.Value.MarshalJSON()
			if err != nil {
				return err
			}
			return json.Unmarshal(raw, &batch)
		})
		if err != nil {
			logging.ConduitDebug("[%s] drain observer %s: %v", r.id, id[:8], err)
			continue
		}
		if gone {
			logging.ConduitDebug("[%s] observer %s lost after navigation", r.id, id[:8])
			return
		}

		for _, ev := range batch {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			case <-r.done:
				return
			}
		}
	}
}
