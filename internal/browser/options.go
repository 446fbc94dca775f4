package browser

import (
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/rpa-flow/internal/config"
)

// launchFlag is one command line switch passed to the browser process.
type launchFlag struct {
	Key   string
	Value string
	// Bool flags carry no value.
	Bool bool
}

// parseArgs normalizes configured browser args ("--key=value" or "--key").
func parseArgs(args []string) []launchFlag {
	flags := make([]launchFlag, 0, len(args))
	for _, arg := range args {
		arg = strings.TrimPrefix(strings.TrimSpace(arg), "--")
		if arg == "" {
			continue
		}
		key, value, found := strings.Cut(arg, "=")
		if found {
			flags = append(flags, launchFlag{Key: key, Value: value})
		} else {
			flags = append(flags, launchFlag{Key: key, Bool: true})
		}
	}
	return flags
}

// execAllocatorOptions builds the chromedp launch options from configuration.
// userDataDir may be empty, in which case chromedp creates a temporary profile.
func execAllocatorOptions(cfg config.BrowserConfig, userDataDir string) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("enable-automation", true),
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	}

	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if userDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(userDataDir))
	}
	if cfg.Viewport.Width > 0 && cfg.Viewport.Height > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.Viewport.Width, cfg.Viewport.Height))
	}
	if cfg.Persona.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.Persona.UserAgent))
	}

	for _, f := range parseArgs(cfg.Args) {
		if f.Bool {
			opts = append(opts, chromedp.Flag(f.Key, true))
		} else {
			opts = append(opts, chromedp.Flag(f.Key, f.Value))
		}
	}
	return opts
}
