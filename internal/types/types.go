// Package types holds the data model shared by the chatnerd packages.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Identity names one worker of one account. Immutable for the worker's life.
type Identity struct {
	AccountID string `json:"account_id"`
	WorkerID  string `json:"worker_id"`
}

// String renders the identity as account/worker.
func (id Identity) String() string {
	return id.AccountID + "/" + id.WorkerID
}

// Key is a flat key usable in file names and store keys.
func (id Identity) Key() string {
	return id.AccountID + ":" + id.WorkerID
}

// WorkerName returns the conventional name of the i-th worker.
func WorkerName(i int) string {
	return fmt.Sprintf("worker%d", i)
}

// Cookie is one browser cookie of a captured session.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"` // seconds since epoch, 0 for session cookies
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Credential is an opaque authenticated-session snapshot: the cookie jar and
// the local storage of the application origin.
type Credential struct {
	Cookies      []Cookie          `json:"cookies"`
	LocalStorage map[string]string `json:"localStorage"`
	CapturedAt   time.Time         `json:"captured_at,omitempty"`
}

// Empty reports whether the credential carries nothing that could restore a session.
func (c *Credential) Empty() bool {
	return c == nil || (len(c.Cookies) == 0 && len(c.LocalStorage) == 0)
}

// ConnectionState is the lifecycle state of one worker.
type ConnectionState int

const (
	StateInitializing ConnectionState = iota
	StateAwaitingCredential
	StateReady
	StateDisconnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateAwaitingCredential:
		return "awaiting_credential"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CandidateMessage is one incoming message extracted from the UI.
// DataID is the deduplication key.
type CandidateMessage struct {
	DataID     string `json:"data_id"`
	SenderHint string `json:"sender"`
	Text       string `json:"text"`
}

// SenderFromDataID extracts the phone number from a row id of the form
// <direction>_<phone>@<server>_<message id>. It returns "" when the id has another shape.
func SenderFromDataID(dataID string) string {
	parts := strings.SplitN(dataID, "_", 3)
	if len(parts) < 2 {
		return ""
	}
	phone, _, _ := strings.Cut(parts[1], "@")
	return phone
}
