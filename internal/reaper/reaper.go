// Package reaper finds and kills automation driver and browser processes
// that outlived the flows that started them.
//
// The process table is the only resource shared with running flows. Age is
// the sole guard: a process younger than the threshold is never touched.
package reaper

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rpa-flow/internal/config"
)

// DefaultMaxAge applies when no threshold is configured.
const DefaultMaxAge = time.Hour

// Kind tells drivers apart from browsers.
type Kind string

const (
	KindDriver  Kind = "driver"
	KindBrowser Kind = "browser"
)

// Options select which processes count as automation processes.
type Options struct {
	DriverNames  []string
	BrowserNames []string
	// Markers are command-line fragments that identify an automation launched browser.
	Markers []string
}

// OptionsFromConfig builds Options, falling back to chromedriver and
// chrome/chromium with the usual automation flags.
func OptionsFromConfig(cfg config.ReaperConfig) Options {
	o := Options{
		DriverNames:  cfg.DriverNames,
		BrowserNames: cfg.BrowserNames,
		Markers:      cfg.Markers,
	}
	if len(o.DriverNames) == 0 {
		o.DriverNames = []string{"chromedriver"}
	}
	if len(o.BrowserNames) == 0 {
		o.BrowserNames = []string{"chrome", "chromium"}
	}
	if len(o.Markers) == 0 {
		o.Markers = []string{"--remote-debugging-port", "--user-data-dir", "--enable-automation"}
	}
	return o
}

// Reaper runs the sweeps. All methods report a kill count and never fail.
type Reaper struct {
	lister ProcessLister
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Reaper over lister. A nil lister reads the real process table.
func New(lister ProcessLister, opts Options, logger *zap.Logger) *Reaper {
	if lister == nil {
		lister = SystemProcesses{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		lister: lister,
		opts:   opts,
		logger: logger.Named("reaper"),
		now:    time.Now,
	}
}

// classify names the kind of p by its executable name. Drivers are checked
// first because "chromedriver" also contains "chrome".
func (r *Reaper) classify(name string) (Kind, bool) {
	name = strings.ToLower(name)
	if containsAny(name, r.opts.DriverNames) {
		return KindDriver, true
	}
	if containsAny(name, r.opts.BrowserNames) {
		return KindBrowser, true
	}
	return "", false
}

// SweepDrivers kills driver processes older than maxAge.
func (r *Reaper) SweepDrivers(ctx context.Context, maxAge time.Duration) int {
	return r.sweep(ctx, KindDriver, maxAge)
}

// SweepBrowsers kills browser processes that carry an automation marker and
// are older than maxAge.
func (r *Reaper) SweepBrowsers(ctx context.Context, maxAge time.Duration) int {
	return r.sweep(ctx, KindBrowser, maxAge)
}

// CleanupAll runs both sweeps and returns the combined count.
func (r *Reaper) CleanupAll(ctx context.Context, maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	r.logger.Info("Starting orphaned process sweep", zap.Duration("max_age", maxAge))

	total := r.SweepDrivers(ctx, maxAge) + r.SweepBrowsers(ctx, maxAge)

	if total > 0 {
		r.logger.Info("Sweep completed", zap.Int("killed", total))
	} else {
		r.logger.Info("Sweep completed, no orphaned processes found")
	}
	return total
}

func (r *Reaper) sweep(ctx context.Context, kind Kind, maxAge time.Duration) int {
	procs, err := r.lister.Processes(ctx)
	if err != nil {
		r.logger.Error("Failed to scan process table", zap.String("kind", string(kind)), zap.Error(err))
		return 0
	}

	killed := 0
	now := r.now()
	for _, p := range procs {
		if ctx.Err() != nil {
			break
		}
		name, err := p.Name(ctx)
		if err != nil {
			continue
		}
		if k, ok := r.classify(name); !ok || k != kind {
			continue
		}

		if kind == KindBrowser {
			cmdline, err := p.Cmdline(ctx)
			if err != nil || !containsAny(cmdline, r.opts.Markers) {
				continue
			}
		}

		created, err := p.CreateTime(ctx)
		if err != nil {
			continue
		}
		age := now.Sub(created)
		fields := []zap.Field{
			zap.Int32("pid", p.PID()),
			zap.String("name", name),
			zap.Duration("age", age),
		}
		if age <= maxAge {
			r.logger.Debug("Keeping recent process", fields...)
			continue
		}

		if err := p.Kill(ctx); err != nil {
			r.logger.Debug("Failed to kill process", append(fields, zap.Error(err))...)
			continue
		}
		r.logger.Warn("Killed orphaned process", fields...)
		killed++
	}
	return killed
}

// EmergencyKillAll kills every driver and browser process regardless of age
// or markers. Operators only; nothing calls it automatically.
func (r *Reaper) EmergencyKillAll(ctx context.Context) int {
	r.logger.Warn("Emergency cleanup: killing all driver and browser processes")

	procs, err := r.lister.Processes(ctx)
	if err != nil {
		r.logger.Error("Failed to scan process table", zap.Error(err))
		return 0
	}

	killed := 0
	for _, p := range procs {
		name, err := p.Name(ctx)
		if err != nil {
			continue
		}
		if _, ok := r.classify(name); !ok {
			continue
		}
		if err := p.Kill(ctx); err != nil {
			continue
		}
		r.logger.Warn("Force killed process", zap.Int32("pid", p.PID()), zap.String("name", name))
		killed++
	}

	r.logger.Warn("Emergency cleanup completed", zap.Int("killed", killed))
	return killed
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
