// Package browser provides the uniform engine interface the flow interpreter
// drives, with chromedp and go-rod implementations behind it.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind names a concrete engine implementation. It is always chosen explicitly
// from configuration.
type Kind string

const (
	// KindChromedp is the asynchronous page-control engine (CDP through chromedp).
	KindChromedp Kind = "chromedp"
	// KindRod is the synchronous driver-style engine (go-rod).
	KindRod Kind = "rod"
)

var (
	// ErrUnknownEngine is returned for an engine kind no implementation exists for.
	ErrUnknownEngine = errors.New("unknown engine")
	// ErrNoMatch means none of the selectors matched a visible element.
	ErrNoMatch = errors.New("no selector matched")
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine is closed")
	// ErrStorageUnavailable means browser storage could not be read; cookies may still be.
	ErrStorageUnavailable = errors.New("browser storage unavailable")
)

// ParseKind maps a configuration value onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindChromedp, KindRod:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEngine, s)
}

// Cookie is an engine-neutral browser cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// StorageState is the authenticated state of a browsing context.
type StorageState struct {
	Cookies        []Cookie          `json:"cookies"`
	LocalStorage   map[string]string `json:"localStorage,omitempty"`
	SessionStorage map[string]string `json:"sessionStorage,omitempty"`
}

// InteractionKind is the element-level operation FindAndAct performs.
type InteractionKind int

const (
	InteractClick InteractionKind = iota
	InteractClear
	InteractType
)

func (k InteractionKind) String() string {
	switch k {
	case InteractClick:
		return "click"
	case InteractClear:
		return "clear"
	case InteractType:
		return "type"
	}
	return fmt.Sprintf("interaction(%d)", int(k))
}

// Interaction describes one element operation. Index selects the n-th visible
// match of the selector, which is how multi-box code inputs are addressed.
type Interaction struct {
	Kind  InteractionKind
	Text  string
	Index int
}

// Engine is the capability set the interpreter needs from a browser.
// Selectors beginning with "//" are XPath, all others CSS.
type Engine interface {
	Kind() Kind
	Navigate(ctx context.Context, url string) error
	// FindAndAct applies act to the first selector with a visible match at
	// act.Index and returns that selector. It does not wait.
	FindAndAct(ctx context.Context, selectors []string, act Interaction) (string, error)
	// WaitForAny blocks until one of the selectors has a visible match and
	// returns it, or fails with ErrNoMatch once timeout elapses.
	WaitForAny(ctx context.Context, selectors []string, timeout time.Duration) (string, error)
	// CountMatches returns the number of visible elements matching selector.
	CountMatches(ctx context.Context, selector string) (int, error)
	CurrentURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	PageSource(ctx context.Context) (string, error)
	// ExtractSessionState reads cookies plus local and session storage.
	ExtractSessionState(ctx context.Context) (*StorageState, error)
	// Cookies reads cookies only; the degraded extraction path.
	Cookies(ctx context.Context) ([]Cookie, error)
	Close() error
}

// Launcher starts a fresh engine. Each flow run owns the engine it launches.
type Launcher interface {
	Launch(ctx context.Context) (Engine, error)
}

// counter is the single primitive the shared polling helpers need.
type counter func(ctx context.Context, selector string) (int, error)

// waitForAny polls count until a selector has a match, the timeout elapses,
// or ctx ends. Count errors are treated as "not yet" since pages routinely
// reject queries mid-navigation.
func waitForAny(ctx context.Context, selectors []string, timeout, poll time.Duration, count counter) (string, error) {
	if len(selectors) == 0 {
		return "", fmt.Errorf("%w: no selectors given", ErrNoMatch)
	}
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var lastErr error
	for {
		for _, sel := range selectors {
			n, err := count(ctx, sel)
			if err != nil {
				lastErr = err
				continue
			}
			if n > 0 {
				return sel, nil
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			if lastErr != nil {
				return "", fmt.Errorf("%w within %s (last error: %v)", ErrNoMatch, timeout, lastErr)
			}
			return "", fmt.Errorf("%w within %s", ErrNoMatch, timeout)
		case <-ticker.C:
		}
	}
}
