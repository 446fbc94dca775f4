// Package session persists the authenticated browser state of a flow run.
package session

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rpa-flow/internal/browser"
	"github.com/xkilldash9x/rpa-flow/internal/store"
)

// Store is the persistence contract the manager writes through.
type Store interface {
	SaveSession(ctx context.Context, sess store.Session) error
}

// Source is the part of an engine session extraction needs.
type Source interface {
	ExtractSessionState(ctx context.Context) (*browser.StorageState, error)
	Cookies(ctx context.Context) ([]browser.Cookie, error)
	CurrentURL(ctx context.Context) (string, error)
}

// Key identifies whose session is being saved, and where.
type Key struct {
	Identity string
	Target   string
}

// Manager extracts and persists session state. Save never fails the caller.
type Manager struct {
	store  Store
	logger *zap.Logger
}

// NewManager creates a manager. A nil store logs the extracted state summary
// and skips persistence.
func NewManager(s Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: s, logger: logger.Named("session")}
}

// Save extracts the engine's state and persists it under key. It reports
// whether the state was stored; every failure is logged and absorbed.
func (m *Manager) Save(ctx context.Context, key Key, src Source, metadata map[string]interface{}) (saved bool) {
	logger := m.logger.With(zap.String("identity", key.Identity), zap.String("target", key.Target))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while saving session", zap.Any("panic", r), zap.Stack("stack"))
			saved = false
		}
	}()

	state, err := src.ExtractSessionState(ctx)
	if err != nil {
		logger.Warn("Full session extraction failed, falling back to cookies only",
			zap.String("error_kind", "extraction_error"),
			zap.Bool("storage_unavailable", errors.Is(err, browser.ErrStorageUnavailable)),
			zap.Error(err))

		cookies, cerr := src.Cookies(ctx)
		if cerr != nil {
			logger.Error("Cookie extraction failed, session not saved",
				zap.String("error_kind", "extraction_error"),
				zap.Error(cerr))
			return false
		}
		state = &browser.StorageState{Cookies: cookies}
	}

	if len(state.Cookies) == 0 {
		logger.Warn("Saving session with no cookies")
	}

	meta := make(map[string]interface{}, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	if u, err := src.CurrentURL(ctx); err == nil && u != "" {
		meta["last_url"] = u
	}

	if m.store == nil {
		logger.Info("No session store configured, session not persisted",
			zap.Int("cookies", len(state.Cookies)),
			zap.Int("local_storage_keys", len(state.LocalStorage)),
			zap.Int("session_storage_keys", len(state.SessionStorage)))
		return false
	}

	err = m.store.SaveSession(ctx, store.Session{
		Identity:       key.Identity,
		Target:         key.Target,
		Cookies:        state.Cookies,
		LocalStorage:   state.LocalStorage,
		SessionStorage: state.SessionStorage,
		Metadata:       meta,
	})
	if err != nil {
		logger.Error("Failed to persist session", zap.Error(err))
		return false
	}

	logger.Info("Session saved",
		zap.Int("cookies", len(state.Cookies)),
		zap.Int("local_storage_keys", len(state.LocalStorage)),
		zap.Int("session_storage_keys", len(state.SessionStorage)))
	return true
}
