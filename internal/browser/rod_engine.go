package browser

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rpa-flow/internal/browser/stealth"
	"github.com/xkilldash9x/rpa-flow/internal/config"
	"github.com/xkilldash9x/rpa-flow/internal/flow"
)

// RodEngine drives Chrome through go-rod, one synchronous call per operation.
type RodEngine struct {
	logger *zap.Logger
	poll   time.Duration

	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page

	mu     sync.Mutex
	closed bool
}

var _ Engine = (*RodEngine)(nil)

// newRodLauncher translates configuration into launcher settings.
func newRodLauncher(cfg config.BrowserConfig, userDataDir string) *launcher.Launcher {
	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(true).
		Set("disable-gpu").
		Set("enable-automation").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-blink-features", "AutomationControlled")

	if cfg.ExecPath != "" {
		l = l.Bin(cfg.ExecPath)
	}
	if userDataDir != "" {
		l = l.UserDataDir(userDataDir)
	}
	if cfg.Viewport.Width > 0 && cfg.Viewport.Height > 0 {
		l = l.Set("window-size", strconv.Itoa(cfg.Viewport.Width)+","+strconv.Itoa(cfg.Viewport.Height))
	}
	if cfg.Persona.UserAgent != "" {
		l = l.Set("user-agent", cfg.Persona.UserAgent)
	}
	for _, f := range parseArgs(cfg.Args) {
		if f.Bool {
			l = l.Set(flags.Flag(f.Key))
		} else {
			l = l.Set(flags.Flag(f.Key), f.Value)
		}
	}
	return l
}

// LaunchRod starts a browser through the rod launcher and opens one page.
// ctx bounds only the launch; the browser lives until Close.
func LaunchRod(ctx context.Context, cfg config.BrowserConfig, poll time.Duration, logger *zap.Logger) (*RodEngine, error) {
	logger = logger.Named("rod")

	userDataDir, err := makeUserDataDir(cfg.UserDataRoot)
	if err != nil {
		return nil, err
	}

	e := &RodEngine{
		logger:   logger,
		poll:     poll,
		launcher: newRodLauncher(cfg, userDataDir),
	}

	type launched struct {
		err error
	}
	done := make(chan launched, 1)
	go func() {
		done <- launched{err: e.start(cfg.Persona)}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to start rod browser: %w", res.err)
		}
	case <-ctx.Done():
		// The launcher cannot be interrupted; reap whatever it started.
		go func() {
			<-done
			e.Close()
		}()
		return nil, ctx.Err()
	}

	logger.Debug("Browser launched", zap.String("user_data_dir", userDataDir))
	return e, nil
}

func (e *RodEngine) start(persona config.PersonaConfig) error {
	u, err := e.launcher.Launch()
	if err != nil {
		return err
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		return err
	}
	e.mu.Lock()
	e.browser = b
	e.mu.Unlock()

	p, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.page = p
	e.mu.Unlock()

	return applyRodPersona(p, stealth.FromConfig(persona))
}

// applyRodPersona installs the same persona the chromedp engine uses.
func applyRodPersona(p *rod.Page, persona stealth.Persona) error {
	script, err := persona.Script()
	if err != nil {
		return err
	}
	if _, err := p.EvalOnNewDocument(script); err != nil {
		return fmt.Errorf("failed to inject evasions script: %w", err)
	}
	if persona.UserAgent != "" {
		if err := (proto.EmulationSetUserAgentOverride{
			UserAgent:      persona.UserAgent,
			AcceptLanguage: persona.AcceptLanguage(),
			Platform:       persona.Platform,
		}).Call(p); err != nil {
			return err
		}
	}
	if persona.Timezone != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: persona.Timezone}).Call(p); err != nil {
			return err
		}
	}
	if persona.Locale != "" {
		if err := (proto.EmulationSetLocaleOverride{Locale: persona.Locale}).Call(p); err != nil {
			return err
		}
	}
	return nil
}

// Kind implements Engine.
func (e *RodEngine) Kind() Kind { return KindRod }

// pageFor returns the page bound to ctx.
func (e *RodEngine) pageFor(ctx context.Context) (*rod.Page, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.page == nil {
		return nil, ErrClosed
	}
	return e.page.Context(ctx), nil
}

// wrap prefers the caller's context error over rod's own.
func wrap(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// Navigate implements Engine.
func (e *RodEngine) Navigate(ctx context.Context, url string) error {
	p, err := e.pageFor(ctx)
	if err != nil {
		return err
	}
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, wrap(ctx, err))
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("failed waiting for %s to load: %w", url, wrap(ctx, err))
	}
	return nil
}

func (e *RodEngine) evalInt(ctx context.Context, fn string, args ...interface{}) (int, error) {
	p, err := e.pageFor(ctx)
	if err != nil {
		return 0, err
	}
	res, err := p.Evaluate(rod.Eval(fn, args...))
	if err != nil {
		return 0, wrap(ctx, err)
	}
	return res.Value.Int(), nil
}

// CountMatches implements Engine.
func (e *RodEngine) CountMatches(ctx context.Context, selector string) (int, error) {
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
func (e *RodEngine) WaitForAny(ctx context.Context, selectors []string, timeout time.Duration) (string, error) {
	return waitForAny(ctx, selectors, timeout, e.poll, e.CountMatches)
}

// FindAndAct implements Engine.
func (e *RodEngine) FindAndAct(ctx context.Context, selectors []string, act Interaction) (string, error) {
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

		p, err := e.pageFor(ctx)
		if err != nil {
			return "", err
		}
		// The element was just tagged, so do not let rod retry a missing match.
		el, err := p.Sleeper(rod.NotFoundSleeper).Element(targetSelector(token))
		if err != nil {
			return "", fmt.Errorf("%s on %q failed: %w", act.Kind, sel, wrap(ctx, err))
		}

		switch act.Kind {
		case InteractClick:
			err = el.Click(proto.InputMouseButtonLeft, 1)
		case InteractClear:
			_, err = el.Eval(clearValueJS)
		case InteractType:
			err = el.Input(act.Text)
		default:
			return "", fmt.Errorf("unsupported interaction %s", act.Kind)
		}
		if err != nil {
			return "", fmt.Errorf("%s on %q failed: %w", act.Kind, sel, wrap(ctx, err))
		}
		return sel, nil
	}
	return "", fmt.Errorf("%w: %v (index %d)", ErrNoMatch, selectors, act.Index)
}

// CurrentURL implements Engine.
func (e *RodEngine) CurrentURL(ctx context.Context) (string, error) {
	p, err := e.pageFor(ctx)
	if err != nil {
		return "", err
	}
	info, err := p.Info()
	if err != nil {
		return "", wrap(ctx, err)
	}
	return info.URL, nil
}

// Title implements Engine.
func (e *RodEngine) Title(ctx context.Context) (string, error) {
	p, err := e.pageFor(ctx)
	if err != nil {
		return "", err
	}
	info, err := p.Info()
	if err != nil {
		return "", wrap(ctx, err)
	}
	return info.Title, nil
}

// PageSource implements Engine.
func (e *RodEngine) PageSource(ctx context.Context) (string, error) {
	p, err := e.pageFor(ctx)
	if err != nil {
		return "", err
	}
	html, err := p.HTML()
	return html, wrap(ctx, err)
}

// Cookies implements Engine.
func (e *RodEngine) Cookies(ctx context.Context) ([]Cookie, error) {
	p, err := e.pageFor(ctx)
	if err != nil {
		return nil, err
	}
	res, err := proto.NetworkGetCookies{}.Call(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", wrap(ctx, err))
	}

	cookies := make([]Cookie, 0, len(res.Cookies))
	for _, c := range res.Cookies {
		cookies = append(cookies, Cookie{
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
	return cookies, nil
}

func (e *RodEngine) storage(ctx context.Context, store string) (map[string]string, error) {
	p, err := e.pageFor(ctx)
	if err != nil {
		return nil, err
	}
	res, err := p.Evaluate(rod.Eval(`() => ` + storageSnapshotJS(store)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, wrap(ctx, err))
	}
	if res.Value.Nil() {
		return nil, ErrStorageUnavailable
	}
	items := make(map[string]string)
	for k, v := range res.Value.Map() {
		items[k] = v.Str()
	}
	return items, nil
}

// ExtractSessionState implements Engine.
func (e *RodEngine) ExtractSessionState(ctx context.Context) (*StorageState, error) {
	cookies, err := e.Cookies(ctx)
	if err != nil {
		return nil, err
	}
	local, err := e.storage(ctx, "localStorage")
	if err != nil {
		return nil, err
	}
	session, err := e.storage(ctx, "sessionStorage")
	if err != nil {
		return nil, err
	}
	return &StorageState{Cookies: cookies, LocalStorage: local, SessionStorage: session}, nil
}

// Close shuts the browser down and removes its profile. It is safe to call more than once.
func (e *RodEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	b := e.browser
	e.mu.Unlock()

	var closeErr error
	if b != nil {
		if err := b.Close(); err != nil {
			e.logger.Debug("Graceful browser close failed, killing", zap.Error(err))
			e.launcher.Kill()
			closeErr = err
		}
	} else {
		e.launcher.Kill()
	}
	e.launcher.Cleanup()
	return closeErr
}
