package browser

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rpa-flow/internal/browser/stealth"
	"github.com/xkilldash9x/rpa-flow/internal/config"
	"github.com/xkilldash9x/rpa-flow/internal/flow"
)

// ChromedpEngine drives Chrome asynchronously over CDP through chromedp.
type ChromedpEngine struct {
	logger *zap.Logger
	poll   time.Duration

	// ctx is the long-lived tab context; the browser process is bound to it.
	ctx         context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	userDataDir string

	mu     sync.Mutex
	closed bool
}

var _ Engine = (*ChromedpEngine)(nil)

// LaunchChromedp starts a browser and applies the configured persona.
// ctx bounds only the launch; the browser lives until Close.
func LaunchChromedp(ctx context.Context, cfg config.BrowserConfig, poll time.Duration, logger *zap.Logger) (*ChromedpEngine, error) {
	logger = logger.Named("chromedp")

	userDataDir, err := makeUserDataDir(cfg.UserDataRoot)
	if err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), execAllocatorOptions(cfg, userDataDir)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Sugar().Debugf),
		chromedp.WithErrorf(logger.Sugar().Debugf),
	)

	e := &ChromedpEngine{
		logger:      logger,
		poll:        poll,
		ctx:         tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
		userDataDir: userDataDir,
	}

	// The first Run must use the tab context itself: it starts the browser and
	// binds its lifetime to that context.
	errCh := make(chan error, 1)
	go func() {
		errCh <- chromedp.Run(tabCtx, stealth.Apply(stealth.FromConfig(cfg.Persona), logger))
	}()

	select {
	case err := <-errCh:
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to start chromedp browser: %w", err)
		}
	case <-ctx.Done():
		e.Close()
		<-errCh
		return nil, ctx.Err()
	}

	logger.Debug("Browser launched", zap.String("user_data_dir", userDataDir))
	return e, nil
}

// Kind implements Engine.
func (e *ChromedpEngine) Kind() Kind { return KindChromedp }

// run executes actions on the tab, canceled by either ctx or the browser closing.
func (e *ChromedpEngine) run(ctx context.Context, actions ...chromedp.Action) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	opCtx, cancel := CombineContext(e.ctx, ctx)
	defer cancel()
	if err := chromedp.Run(opCtx, actions...); err != nil {
		// Report the caller's context error so timeouts classify correctly.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

func (e *ChromedpEngine) evalInt(ctx context.Context, fn string, args ...interface{}) (int, error) {
	expr, err := callExpr(fn, args...)
	if err != nil {
		return 0, err
	}
	var n int
	if err := e.run(ctx, chromedp.Evaluate(expr, &n)); err != nil {
		return 0, err
	}
	return n, nil
}

// Navigate implements Engine.
func (e *ChromedpEngine) Navigate(ctx context.Context, url string) error {
	if err := e.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

// CountMatches implements Engine.
func (e *ChromedpEngine) CountMatches(ctx context.Context, selector string) (int, error) {
	n, err := e.evalInt(ctx, countMatchesJS, selector, flow.IsXPath(selector))
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid selector %q", selector)
	}
	return n, nil
}

// WaitForAny implements Engine.
func (e *ChromedpEngine) WaitForAny(ctx context.Context, selectors []string, timeout time.Duration) (string, error) {
	return waitForAny(ctx, selectors, timeout, e.poll, e.CountMatches)
}

// FindAndAct implements Engine.
func (e *ChromedpEngine) FindAndAct(ctx context.Context, selectors []string, act Interaction) (string, error) {
	token := newTargetToken()
	for _, sel := range selectors {
		n, err := e.evalInt(ctx, markTargetJS, sel, flow.IsXPath(sel), act.Index, token)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			e.logger.Debug("Selector query failed", zap.String("selector", sel), zap.Error(err))
			continue
		}
		if n <= act.Index {
			continue
		}

		target := targetSelector(token)
		var action chromedp.Action
		switch act.Kind {
		case InteractClick:
			action = chromedp.Click(target, chromedp.ByQuery)
		case InteractClear:
			action = chromedp.Clear(target, chromedp.ByQuery)
		case InteractType:
			action = chromedp.SendKeys(target, act.Text, chromedp.ByQuery)
		default:
			return "", fmt.Errorf("unsupported interaction %s", act.Kind)
		}
		if err := e.run(ctx, action); err != nil {
			return "", fmt.Errorf("%s on %q failed: %w", act.Kind, sel, err)
		}
		return sel, nil
	}
	return "", fmt.Errorf("%w: %v (index %d)", ErrNoMatch, selectors, act.Index)
}

// CurrentURL implements Engine.
func (e *ChromedpEngine) CurrentURL(ctx context.Context) (string, error) {
	var u string
	err := e.run(ctx, chromedp.Location(&u))
	return u, err
}

// Title implements Engine.
func (e *ChromedpEngine) Title(ctx context.Context) (string, error) {
	var t string
	err := e.run(ctx, chromedp.Title(&t))
	return t, err
}

// PageSource implements Engine.
func (e *ChromedpEngine) PageSource(ctx context.Context) (string, error) {
	var html string
	err := e.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

// Cookies implements Engine.
func (e *ChromedpEngine) Cookies(ctx context.Context) ([]Cookie, error) {
	var raw []*network.Cookie
	err := e.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}

	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite.String(),
		})
	}
	return cookies, nil
}

// ExtractSessionState implements Engine.
func (e *ChromedpEngine) ExtractSessionState(ctx context.Context) (*StorageState, error) {
	cookies, err := e.Cookies(ctx)
	if err != nil {
		return nil, err
	}

	var local, session map[string]string
	if err := e.run(ctx,
		chromedp.Evaluate(storageSnapshotJS("localStorage"), &local),
		chromedp.Evaluate(storageSnapshotJS("sessionStorage"), &session),
	); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if local == nil || session == nil {
		return nil, ErrStorageUnavailable
	}

	return &StorageState{Cookies: cookies, LocalStorage: local, SessionStorage: session}, nil
}

// Close shuts the browser down. It is safe to call more than once.
func (e *ChromedpEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	// Cancelling the tab context closes the browser gracefully; the allocator
	// cancel then waits for the process and removes chromedp's temp profile.
	e.tabCancel()
	e.allocCancel()

	if e.userDataDir != "" {
		if err := os.RemoveAll(e.userDataDir); err != nil {
			e.logger.Warn("Failed to remove browser profile", zap.String("dir", e.userDataDir), zap.Error(err))
		}
	}
	return nil
}

// makeUserDataDir creates a per-run profile under root, or returns "" to let
// the engine pick its own temporary profile.
func makeUserDataDir(root string) (string, error) {
	if root == "" {
		return "", nil
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("failed to create user data root: %w", err)
	}
	dir, err := os.MkdirTemp(root, "profile-")
	if err != nil {
		return "", fmt.Errorf("failed to create user data dir: %w", err)
	}
	return dir, nil
}
