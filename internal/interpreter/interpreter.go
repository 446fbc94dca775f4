// Package interpreter executes declarative flows against a browser engine.
//
// A run moves Pending -> Running -> one terminal status. Whatever path ends
// the run (success, block, failure, timeout, cancellation or a panic), it
// leaves through a single deferred exit that saves the session exactly once.
package interpreter

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rpa-flow/internal/blockdetect"
	"github.com/xkilldash9x/rpa-flow/internal/browser"
	"github.com/xkilldash9x/rpa-flow/internal/config"
	"github.com/xkilldash9x/rpa-flow/internal/flow"
	"github.com/xkilldash9x/rpa-flow/internal/observability"
	"github.com/xkilldash9x/rpa-flow/internal/otp"
	"github.com/xkilldash9x/rpa-flow/internal/session"
	"github.com/xkilldash9x/rpa-flow/internal/store"
)

// -- Interfaces for Dependency Inversion --

// SessionSaver persists the engine's session state. It must not fail the caller.
type SessionSaver interface {
	Save(ctx context.Context, key session.Key, src session.Source, metadata map[string]interface{}) bool
}

// BlockStore records detected blocks.
type BlockStore interface {
	SaveBlock(ctx context.Context, b store.Block) (int64, error)
}

// CodeSource delivers one-time codes.
type CodeSource interface {
	Await(ctx context.Context, channel string, timeout time.Duration) (string, error)
	Drain(channel string) error
}

// Options tune waits the flow document does not specify.
type Options struct {
	IndicatorTimeout time.Duration
	SaveTimeout      time.Duration
	OTPTimeout       time.Duration
}

// OptionsFromConfig derives interpreter options from configuration.
func OptionsFromConfig(f config.FlowConfig, o config.OTPConfig) Options {
	return Options{
		IndicatorTimeout: f.IndicatorTimeout,
		SaveTimeout:      f.SaveTimeout,
		OTPTimeout:       o.Timeout,
	}
}

func (o Options) withDefaults() Options {
	if o.IndicatorTimeout <= 0 {
		o.IndicatorTimeout = 5 * time.Second
	}
	if o.SaveTimeout <= 0 {
		o.SaveTimeout = 30 * time.Second
	}
	if o.OTPTimeout <= 0 {
		o.OTPTimeout = 3 * time.Minute
	}
	return o
}

// Deps are the collaborators of an Interpreter. Blocks and Codes may be nil.
type Deps struct {
	Detector *blockdetect.Detector
	Sessions SessionSaver
	Blocks   BlockStore
	Codes    CodeSource
}

// Run is one execution request.
type Run struct {
	ID       string
	Flow     *flow.Flow
	Identity string
	Target   string
	// Values are the identity credentials step text may reference.
	Values   flow.Values
	Metadata map[string]interface{}
	OrderID  *int64
	UserID   *int64
}

// Interpreter walks flows step by step.
type Interpreter struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
}

// New creates an interpreter. A detector and session saver are required.
func New(deps Deps, opts Options, logger *zap.Logger) (*Interpreter, error) {
	if deps.Detector == nil {
		return nil, errors.New("block detector cannot be nil")
	}
	if deps.Sessions == nil {
		return nil, errors.New("session saver cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interpreter{
		deps:   deps,
		opts:   opts.withDefaults(),
		logger: logger.With(zap.String("component", "interpreter")),
	}, nil
}

// runState is the mutable per-run context.
type runState struct {
	run    Run
	engine browser.Engine
	values flow.Values
	logger *zap.Logger
}

// Execute runs r on engine and returns its outcome. The engine stays open;
// the caller owns its lifecycle.
func (in *Interpreter) Execute(ctx context.Context, engine browser.Engine, r Run) (out Outcome) {
	out = Outcome{RunID: r.ID, Status: StatusPending, StartedAt: time.Now()}

	flowType := ""
	if r.Flow != nil {
		flowType = r.Flow.Type
	}
	logger := in.logger.With(observability.FlowFields(r.ID, r.Identity, r.Target)...).
		With(zap.String("flow_type", flowType), zap.String("engine", string(engine.Kind())))

	// The single exit: every return path, panics included, passes here.
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Panic during flow execution", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			out.Status = StatusFailed
			out.ErrorKind = KindStepError
			out.Message = fmt.Sprintf("panic: %v", p)
		}
		in.finish(ctx, engine, r, &out, logger)
	}()

	if err := flow.Validate(r.Flow); err != nil {
		out.Status = StatusFailed
		out.ErrorKind = KindInvalidFlow
		out.Message = err.Error()
		return out
	}

	st := &runState{run: r, engine: engine, values: copyValues(r.Values), logger: logger}
	out.Status = StatusRunning
	logger.Info("Flow started", zap.Int("steps", len(r.Flow.Steps)))

	if r.Flow.SMSRequired && in.deps.Codes != nil {
		if err := in.deps.Codes.Drain(r.Identity); err != nil {
			logger.Warn("Failed to drain stale one-time codes", zap.Error(err))
		}
	}

	for _, step := range r.Flow.Steps {
		if err := ctx.Err(); err != nil {
			in.fail(ctx, &out, step.ID, err)
			return out
		}

		stepLogger := logger.With(zap.String("step_id", step.ID), zap.String("action", string(step.Action)))
		stepLogger.Debug("Executing step")

		skipped, err := in.executeStep(ctx, st, step, stepLogger)
		if err != nil {
			stepLogger.Warn("Step failed", zap.Error(err))
			in.fail(ctx, &out, step.ID, err)
			return out
		}
		if skipped {
			stepLogger.Info("Optional step skipped, no selector matched")
			continue
		}
		out.StepsCompleted++

		expected := ""
		if step.Action == flow.ActionNavigate {
			expected = st.resolveURL(step)
		}
		if blocked, info := in.deps.Detector.Check(ctx, engine, expected); blocked {
			out.Status = StatusBlocked
			out.ErrorKind = KindBlocked
			out.FailedStep = step.ID
			out.Block = info
			out.Message = info.Reason
			return out
		}
	}

	for _, ind := range r.Flow.SuccessIndicators {
		ok, err := in.checkIndicator(ctx, engine, ind)
		if err != nil {
			in.fail(ctx, &out, "", err)
			return out
		}
		if !ok {
			expect := flow.ExpectFound
			if ind.ExpectAbsent() {
				expect = flow.ExpectNotFound
			}
			out.Status = StatusFailed
			out.ErrorKind = KindPostconditionNotMet
			out.Message = fmt.Sprintf("success indicator %q expected %s", ind.Selector, expect)
			return out
		}
	}

	out.Status = StatusSucceeded
	return out
}

// fail records err as the terminal state. The flow context decides first, so
// an operation aborted by the run's own deadline reports TimedOut rather than
// whatever error the engine surfaced.
func (in *Interpreter) fail(ctx context.Context, out *Outcome, stepID string, err error) {
	out.FailedStep = stepID
	out.Message = err.Error()

	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		out.Status = StatusTimedOut
		return
	case errors.Is(ctxErr, context.Canceled):
		out.Status = StatusCancelled
		return
	}

	out.Status = StatusFailed
	var se *stepError
	switch {
	case errors.Is(err, otp.ErrTimeout):
		out.ErrorKind = KindOTPTimeout
	case errors.Is(err, browser.ErrNoMatch):
		out.ErrorKind = KindSelectorTimeout
	case errors.As(err, &se):
		out.ErrorKind = se.kind
	default:
		out.ErrorKind = KindStepError
	}
}

// finish is the single terminal path: it persists any block, saves the
// session once and logs the outcome. Neither write can change the outcome.
func (in *Interpreter) finish(ctx context.Context, engine browser.Engine, r Run, out *Outcome, logger *zap.Logger) {
	if !out.Status.Terminal() {
		out.Status = StatusFailed
		if out.ErrorKind == "" {
			out.ErrorKind = KindStepError
		}
	}

	// Persistence runs on a context that survives the run's cancellation.
	saveCtx, cancel := context.WithTimeout(browser.Detach(ctx), in.opts.SaveTimeout)
	defer cancel()

	if u, err := engine.CurrentURL(saveCtx); err == nil {
		out.FinalURL = u
	}

	if out.Status == StatusBlocked && out.Block != nil {
		out.BlockID = in.recordBlock(saveCtx, r, out.Block, logger)
	}

	out.SessionSaved = in.saveSession(saveCtx, engine, r, out, logger)
	out.FinishedAt = time.Now()

	fields := []zap.Field{
		zap.String("status", string(out.Status)),
		zap.String("error_kind", string(out.ErrorKind)),
		zap.String("failed_step", out.FailedStep),
		zap.Int("steps_completed", out.StepsCompleted),
		zap.Bool("session_saved", out.SessionSaved),
		zap.Duration("duration", out.Duration()),
	}
	if out.Status == StatusSucceeded {
		logger.Info("Flow finished", fields...)
	} else {
		logger.Warn("Flow finished", append(fields, zap.String("message", out.Message))...)
	}
}

func (in *Interpreter) saveSession(ctx context.Context, engine browser.Engine, r Run, out *Outcome, logger *zap.Logger) (saved bool) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Panic while saving session", zap.Any("panic", p))
			saved = false
		}
	}()

	meta := make(map[string]interface{}, len(r.Metadata)+4)
	for k, v := range r.Metadata {
		meta[k] = v
	}
	meta["run_id"] = r.ID
	meta["status"] = string(out.Status)
	if r.Flow != nil {
		meta["flow_type"] = r.Flow.Type
	}
	if out.ErrorKind != "" {
		meta["error_kind"] = string(out.ErrorKind)
	}

	return in.deps.Sessions.Save(ctx, session.Key{Identity: r.Identity, Target: r.Target}, engine, meta)
}

func (in *Interpreter) recordBlock(ctx context.Context, r Run, info *blockdetect.Info, logger *zap.Logger) int64 {
	if in.deps.Blocks == nil {
		return 0
	}
	var status *int
	if info.HTTPStatus != 0 {
		s := info.HTTPStatus
		status = &s
	}
	id, err := in.deps.Blocks.SaveBlock(ctx, store.Block{
		TargetID:    r.Target,
		OrderID:     r.OrderID,
		UserID:      r.UserID,
		BlockType:   string(info.Type),
		HTTPStatus:  status,
		Reason:      info.Reason,
		BlockedURL:  info.BlockedURL,
		HTMLSnippet: info.HTMLSnippet,
	})
	if err != nil {
		logger.Error("Failed to record block", zap.Error(err))
		return 0
	}
	return id
}

// checkIndicator evaluates one postcondition. Only context errors are returned.
func (in *Interpreter) checkIndicator(ctx context.Context, engine browser.Engine, ind flow.SuccessIndicator) (bool, error) {
	if ind.ExpectAbsent() {
		n, err := engine.CountMatches(ctx, ind.Selector)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, nil
		}
		return n == 0, nil
	}

	_, err := engine.WaitForAny(ctx, []string{ind.Selector}, in.opts.IndicatorTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	return true, nil
}

func copyValues(v flow.Values) flow.Values {
	out := make(flow.Values, len(v)+1)
	for k, val := range v {
		out[k] = val
	}
	return out
}
