// Package stealth makes an automated Chrome look like a user-operated browser
// to the anti-bot checks of target sites.
package stealth

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rpa-flow/internal/config"
)

//go:embed evasions.js
var evasionsScript string

// Persona defines the browser characteristics to emulate.
type Persona struct {
	UserAgent string   `json:"userAgent"`
	Platform  string   `json:"platform"`
	Languages []string `json:"languages"`
	Timezone  string   `json:"timezone"`
	Locale    string   `json:"locale"`
}

// FromConfig builds a persona from configuration.
func FromConfig(cfg config.PersonaConfig) Persona {
	return Persona{
		UserAgent: cfg.UserAgent,
		Platform:  cfg.Platform,
		Languages: cfg.Languages,
		Timezone:  cfg.Timezone,
		Locale:    cfg.Locale,
	}
}

// AcceptLanguage renders the persona languages as an Accept-Language header value.
func (p Persona) AcceptLanguage() string {
	parts := make([]string, 0, len(p.Languages))
	for i, lang := range p.Languages {
		if i == 0 {
			parts = append(parts, lang)
			continue
		}
		q := 1.0 - 0.1*float64(i)
		if q < 0.1 {
			q = 0.1
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", lang, q))
	}
	return strings.Join(parts, ",")
}

// Script returns the evasion script preceded by the persona it reads.
func (p Persona) Script() (string, error) {
	encoded, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode persona: %w", err)
	}
	return fmt.Sprintf("window.__rpaPersona = %s;\n%s", encoded, evasionsScript), nil
}

// Apply returns the CDP actions that install the persona on the current target.
// Empty persona fields are left at the browser's own values.
func Apply(p Persona, logger *zap.Logger) chromedp.Tasks {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Applying browser stealth persona",
		zap.String("userAgent", p.UserAgent),
		zap.String("platform", p.Platform),
	)

	tasks := chromedp.Tasks{
		chromedp.ActionFunc(func(ctx context.Context) error {
			script, err := p.Script()
			if err != nil {
				return err
			}
			if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),
	}

	if p.UserAgent != "" {
		ua := emulation.SetUserAgentOverride(p.UserAgent)
		if p.Platform != "" {
			ua = ua.WithPlatform(p.Platform)
		}
		if len(p.Languages) > 0 {
			ua = ua.WithAcceptLanguage(p.AcceptLanguage())
		}
		tasks = append(tasks, ua)
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}
	if len(p.Languages) > 0 {
		tasks = append(tasks, network.SetExtraHTTPHeaders(network.Headers{
			"Accept-Language": p.AcceptLanguage(),
		}))
	}
	return tasks
}
