// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rpa-flow/internal/blockdetect"
	"github.com/xkilldash9x/rpa-flow/internal/browser"
	"github.com/xkilldash9x/rpa-flow/internal/config"
	"github.com/xkilldash9x/rpa-flow/internal/engine"
	"github.com/xkilldash9x/rpa-flow/internal/interpreter"
	"github.com/xkilldash9x/rpa-flow/internal/otp"
	"github.com/xkilldash9x/rpa-flow/internal/reaper"
	"github.com/xkilldash9x/rpa-flow/internal/session"
)

// ComponentFactory builds the component graph. It is an interface so the
// commands can be tested without a browser or database.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	lister reaper.ProcessLister
}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create handles dependency injection and initialization. The reaper schedule
// is started when enabled and stopped by Shutdown.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{logger: logger}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Store (optional)
	var sessionStore session.Store
	if cfg.Database().URL != "" {
		s, cleanup, err := InitializeStore(ctx, cfg.Database(), logger)
		if err != nil {
			initializationErr = err
			return nil, initializationErr
		}
		components.Store, components.dbCleanup = s, cleanup
		sessionStore = s
		logger.Debug("Store initialized.")
	} else {
		logger.Warn("No database configured; sessions and blocks will only be logged.")
	}

	// 2. Engine launcher
	launcher, err := browser.NewFactory(cfg.Browser(), cfg.Flow().PollInterval, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize engine launcher: %w", err)
		return nil, initializationErr
	}
	components.Launcher = launcher

	// 3. Flow collaborators
	components.Sessions = session.NewManager(sessionStore, logger)
	components.Detector = blockdetect.New(logger, cfg.Flow().SnippetLength)
	components.Gate = otp.NewGate(cfg.OTP(), logger)

	deps := interpreter.Deps{
		Detector: components.Detector,
		Sessions: components.Sessions,
		Codes:    components.Gate,
	}
	if components.Store != nil {
		deps.Blocks = components.Store
	}
	in, err := interpreter.New(deps, interpreter.OptionsFromConfig(cfg.Flow(), cfg.OTP()), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize interpreter: %w", err)
		return nil, initializationErr
	}
	components.Interpreter = in

	// 4. Worker pool
	pool, err := engine.New(cfg, logger, launcher, in)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize flow pool: %w", err)
		return nil, initializationErr
	}
	components.Pool = pool

	// 5. Reaper and its schedule
	rc := cfg.Reaper()
	components.Reaper = reaper.New(f.lister, reaper.OptionsFromConfig(rc), logger)
	if rc.Enabled {
		sched, err := reaper.NewScheduler(components.Reaper, rc.Schedule, rc.MaxAge, logger)
		if err != nil {
			initializationErr = err
			return nil, initializationErr
		}
		if err := sched.Start(ctx); err != nil {
			initializationErr = err
			return nil, initializationErr
		}
		components.Scheduler = sched
	}

	logger.Info("All components initialized successfully.", zap.String("engine", string(launcher.Kind())))
	return components, nil
}
