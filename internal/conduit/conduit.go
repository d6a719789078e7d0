// Package conduit abstracts the browser surface a worker drives: navigation,
// element reads and input, change notifications and session credential capture.
package conduit

import (
	"context"
	"errors"
	"time"

	"chatnerd/internal/types"
)

var (
	// ErrConduitClosed is returned by every operation after Close.
	ErrConduitClosed = errors.New("conduit closed")
	// ErrNotFound means no element matched the locator.
	ErrNotFound = errors.New("element not found")
	// ErrTimeout means a wait elapsed without the locator appearing.
	ErrTimeout = errors.New("timed out waiting for element")
)

// ChangeKind classifies a raw change notification.
type ChangeKind string

const (
	KindAttribute ChangeKind = "attribute"
	KindText      ChangeKind = "text"
	KindSubtree   ChangeKind = "subtree"
)

// RawChangeEvent is one UI change notification. LocatorHint carries the markup
// of the changed element (or the parent of a changed text node).
type RawChangeEvent struct {
	Kind        ChangeKind `json:"kind"`
	LocatorHint string     `json:"hint"`
	PayloadText string     `json:"text"`
	Attribute   string     `json:"attr,omitempty"`
}

// Scope selects what a subscription observes.
type Scope struct {
	// Locator of the observed root. Empty observes the document body.
	Locator string

	Subtree    bool // added nodes anywhere below the root
	Text       bool // character data changes
	Attributes bool
	// AttributeFilter restricts attribute notifications to these names.
	AttributeFilter []string

	// Contains drops text and subtree notifications whose text lacks this substring.
	Contains string
}

// Conduit is the automation surface of one worker. Reads resolve to the last
// matching element; Click, Type and UploadFile act on the first match.
// Implementations serialize page operations.
type Conduit interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	// IsAlive probes the page; false means the session surface is gone.
	IsAlive(ctx context.Context) bool
	// WaitFor blocks until locator matches, timeout elapses (ErrTimeout) or ctx ends.
	WaitFor(ctx context.Context, locator string, timeout time.Duration) error
	// Subscribe delivers change notifications until ctx ends or the conduit closes,
	// then closes the channel.
	Subscribe(ctx context.Context, scope Scope) (<-chan RawChangeEvent, error)

	ReadText(ctx context.Context, locator string) (string, error)
	ReadAttribute(ctx context.Context, locator, attr string) (string, error)
	// ReadAttributes returns attr of every match in document order; missing attributes are skipped.
	ReadAttributes(ctx context.Context, locator, attr string) ([]string, error)

	Click(ctx context.Context, locator string) error
	Type(ctx context.Context, locator, text string) error
	// Press sends a named key (Enter, Escape, Tab, Backspace) to the focused element.
	Press(ctx context.Context, key string) error
	UploadFile(ctx context.Context, locator string, paths ...string) error

	// Credential captures the current cookie jar and local storage.
	Credential(ctx context.Context) (*types.Credential, error)
	// ApplyCredential installs cookies and local storage; a reload makes them effective.
	ApplyCredential(ctx context.Context, cred *types.Credential) error

	Close() error
}

// Factory opens a fresh conduit for a worker. Each connection cycle gets its own.
type Factory interface {
	Open(ctx context.Context, id types.Identity) (Conduit, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, id types.Identity) (Conduit, error)

// Open implements Factory.
func (f FactoryFunc) Open(ctx context.Context, id types.Identity) (Conduit, error) {
	return f(ctx, id)
}
