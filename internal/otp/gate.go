// Package otp implements the filesystem channel one-time codes arrive on.
//
// A code is signaled by creating an empty entry named with the code inside
// the channel's directory, e.g. `touch /tmp/rpa-flow/sms_codes/79991234567/1234`.
// The waiting flow consumes the entry when it reads it.
package otp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/rpa-flow/internal/config"
)

var (
	// ErrTimeout means no code arrived within the wait budget.
	ErrTimeout = errors.New("timed out waiting for one-time code")
	// ErrInvalidCode is returned by Submit for a name that is not a code.
	ErrInvalidCode = errors.New("invalid one-time code")
	// ErrInvalidChannel rejects channel names that would escape the root directory.
	ErrInvalidChannel = errors.New("invalid otp channel")
)

var codePattern = regexp.MustCompile(`^\d{4,8}$`)

// ValidCode reports whether s has the shape of a one-time code.
func ValidCode(s string) bool {
	return codePattern.MatchString(s)
}

// Gate waits for codes on per-channel directories under a root.
type Gate struct {
	root   string
	poll   time.Duration
	logger *zap.Logger
}

// NewGate creates a gate rooted at cfg.Dir.
func NewGate(cfg config.OTPConfig, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Gate{root: cfg.Dir, poll: poll, logger: logger.Named("otp")}
}

// ChannelDir returns the directory codes for channel are created in. An empty
// channel uses the root itself.
func (g *Gate) ChannelDir(channel string) (string, error) {
	return channelDir(g.root, channel)
}

func channelDir(root, channel string) (string, error) {
	if channel == "" {
		return root, nil
	}
	if strings.ContainsAny(channel, `/\`) || !filepath.IsLocal(channel) {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	return filepath.Join(root, channel), nil
}

// Drain removes codes already present on channel so a wait only sees codes
// delivered after it.
func (g *Gate) Drain(channel string) error {
	dir, err := g.ChannelDir(channel)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read otp channel: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && ValidCode(e.Name()) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
				g.logger.Warn("Failed to drain stale code", zap.String("channel", channel), zap.Error(err))
			}
		}
	}
	return nil
}

// Await blocks until a code is available on channel, timeout elapses
// (ErrTimeout), or ctx ends (ctx.Err()). Directory events wake the wait
// early; the poll interval is the fallback when events are unavailable.
func (g *Gate) Await(ctx context.Context, channel string, timeout time.Duration) (string, error) {
	dir, err := g.ChannelDir(channel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create otp channel: %w", err)
	}

	logger := g.logger.With(zap.String("channel", channel), zap.String("dir", dir))
	logger.Info("Waiting for one-time code", zap.Duration("timeout", timeout))

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("Directory watch unavailable, polling only", zap.Error(err))
	} else {
		defer watcher.Close()
		if err := watcher.Add(dir); err != nil {
			logger.Warn("Failed to watch otp channel, polling only", zap.Error(err))
		} else {
			events = watcher.Events
			watchErrs = watcher.Errors
		}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()
	// Bursts of directory events collapse into a bounded number of rescans.
	rescans := rate.NewLimiter(rate.Every(g.poll/4+time.Millisecond), 2)

	scan := true
	for {
		if scan {
			if code, ok := g.take(dir, logger); ok {
				logger.Info("One-time code received")
				return code, nil
			}
			scan = false
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			logger.Warn("Timed out waiting for one-time code")
			return "", fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case <-ticker.C:
			scan = true
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 && rescans.Allow() {
				scan = true
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			logger.Debug("Directory watch error", zap.Error(err))
		}
	}
}

// take consumes the newest valid code in dir.
func (g *Gate) take(dir string, logger *zap.Logger) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Debug("Failed to read otp channel", zap.Error(err))
		return "", false
	}

	var newest string
	var newestMod time.Time
	for _, e := range entries {
		if e.IsDir() || !ValidCode(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest, newestMod = e.Name(), info.ModTime()
		}
	}
	if newest == "" {
		return "", false
	}

	if err := os.Remove(filepath.Join(dir, newest)); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Failed to consume code entry", zap.Error(err))
	}
	return newest, true
}

// Submit signals code on channel under root. It is the producer side of Await.
func Submit(root, channel, code string) error {
	if !ValidCode(code) {
		return fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	dir, err := channelDir(root, channel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create otp channel: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, code))
	if err != nil {
		return fmt.Errorf("failed to signal code: %w", err)
	}
	return f.Close()
}
