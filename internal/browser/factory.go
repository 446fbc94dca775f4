package browser

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rpa-flow/internal/config"
)

// Factory launches engines of the configured kind.
type Factory struct {
	kind   Kind
	cfg    config.BrowserConfig
	poll   time.Duration
	logger *zap.Logger
}

var _ Launcher = (*Factory)(nil)

// NewFactory validates the configured engine kind up front, so an unknown
// engine fails at startup rather than on the first flow.
func NewFactory(cfg config.BrowserConfig, poll time.Duration, logger *zap.Logger) (*Factory, error) {
	kind, err := ParseKind(cfg.Engine)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		kind:   kind,
		cfg:    cfg,
		poll:   poll,
		logger: logger.Named("browser"),
	}, nil
}

// Kind reports which engine Launch starts.
func (f *Factory) Kind() Kind { return f.kind }

// Launch implements Launcher.
func (f *Factory) Launch(ctx context.Context) (Engine, error) {
	switch f.kind {
	case KindRod:
		return LaunchRod(ctx, f.cfg, f.poll, f.logger)
	default:
		return LaunchChromedp(ctx, f.cfg, f.poll, f.logger)
	}
}
