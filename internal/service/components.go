// File: internal/service/components.go
package service

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/rpa-flow/internal/blockdetect"
	"github.com/xkilldash9x/rpa-flow/internal/browser"
	"github.com/xkilldash9x/rpa-flow/internal/engine"
	"github.com/xkilldash9x/rpa-flow/internal/interpreter"
	"github.com/xkilldash9x/rpa-flow/internal/otp"
	"github.com/xkilldash9x/rpa-flow/internal/reaper"
	"github.com/xkilldash9x/rpa-flow/internal/session"
	"github.com/xkilldash9x/rpa-flow/internal/store"
)

// Components holds everything a flow run needs, and owns their shutdown order.
type Components struct {
	// Store is nil when no database is configured.
	Store       *store.Store
	Sessions    *session.Manager
	Detector    *blockdetect.Detector
	Gate        *otp.Gate
	Launcher    *browser.Factory
	Interpreter *interpreter.Interpreter
	Pool        *engine.FlowPool
	Reaper      *reaper.Reaper
	Scheduler   *reaper.Scheduler

	dbCleanup func()
	logger    *zap.Logger
}

// Shutdown releases resources in reverse order of creation. Flow engines are
// owned by their jobs, so only the schedule and the database remain here.
func (c *Components) Shutdown() {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Beginning components shutdown sequence.")

	// 1. Stop the reaper schedule so no sweep races the shutdown.
	if c.Scheduler != nil {
		c.Scheduler.Stop()
		logger.Debug("Reaper scheduler stopped.")
	}

	// 2. Close the database connection pool.
	if c.dbCleanup != nil {
		c.dbCleanup()
		c.dbCleanup = nil
		logger.Debug("Database connection pool closed.")
	}

	logger.Info("All components shut down successfully.")
}
