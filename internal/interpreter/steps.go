package interpreter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rpa-flow/internal/browser"
	"github.com/xkilldash9x/rpa-flow/internal/flow"
	"github.com/xkilldash9x/rpa-flow/internal/otp"
)

// stepError carries an explicit error kind out of a step.
type stepError struct {
	kind ErrorKind
	err  error
}

func (e *stepError) Error() string { return e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func newStepError(kind ErrorKind, format string, args ...interface{}) error {
	return &stepError{kind: kind, err: fmt.Errorf(format, args...)}
}

// executeStep performs one step: resolve an element, act, wait for the
// follow-up selectors, then settle. skipped is true for an optional step
// whose selectors never matched.
func (in *Interpreter) executeStep(ctx context.Context, st *runState, step flow.Step, logger *zap.Logger) (skipped bool, err error) {
	engine := st.engine
	timeout := step.TimeoutDuration()

	var target string
	if step.Action.Interactive() || (step.Action == flow.ActionWait && len(step.Selectors) > 0) {
		target, err = engine.WaitForAny(ctx, step.Selectors, timeout)
		if err != nil {
			if step.Optional && errors.Is(err, browser.ErrNoMatch) && ctx.Err() == nil {
				return true, nil
			}
			return false, err
		}
		logger.Debug("Selector resolved", zap.String("selector", target))
	}

	if err := in.dispatch(ctx, st, step, target, logger); err != nil {
		return false, err
	}

	if step.WaitFor != nil && len(step.WaitFor.Selectors) > 0 {
		if _, err := engine.WaitForAny(ctx, step.WaitFor.Selectors, timeout); err != nil {
			return false, fmt.Errorf("wait_for: %w", err)
		}
	}

	if err := sleep(ctx, step.WaitAfterDuration()); err != nil {
		return false, err
	}
	return false, nil
}

func (in *Interpreter) dispatch(ctx context.Context, st *runState, step flow.Step, target string, logger *zap.Logger) error {
	engine := st.engine
	on := []string{target}

	switch step.Action {
	case flow.ActionNavigate:
		u := st.resolveURL(step)
		navCtx, cancel := context.WithTimeout(ctx, step.TimeoutDuration())
		defer cancel()
		if err := engine.Navigate(navCtx, u); err != nil {
			return err
		}
		return nil

	case flow.ActionWait:
		return nil

	case flow.ActionClick:
		_, err := engine.FindAndAct(ctx, on, browser.Interaction{Kind: browser.InteractClick})
		return err

	case flow.ActionClear:
		_, err := engine.FindAndAct(ctx, on, browser.Interaction{Kind: browser.InteractClear})
		return err

	case flow.ActionType:
		text, err := in.resolveText(ctx, st, step.Text, logger)
		if err != nil {
			return err
		}
		if err := clearIfRequested(ctx, engine, on, step); err != nil {
			return err
		}
		_, err = engine.FindAndAct(ctx, on, browser.Interaction{Kind: browser.InteractType, Text: text})
		return err

	case flow.ActionTypeDigitByDigit:
		text, err := in.resolveText(ctx, st, step.Text, logger)
		if err != nil {
			return err
		}
		if err := clearIfRequested(ctx, engine, on, step); err != nil {
			return err
		}
		return typeSlowly(ctx, engine, on, 0, []rune(text), step.DigitDelay())

	case flow.ActionTypeSMSCode:
		code, err := in.code(ctx, st, logger)
		if err != nil {
			return err
		}
		if step.CodeLength > 0 && len(code) != step.CodeLength {
			return newStepError(KindStepError, "one-time code has %d digits, step expects %d", len(code), step.CodeLength)
		}
		if step.IndividualInputs {
			return in.typeIntoBoxes(ctx, engine, target, code, step, logger)
		}
		if err := clearIfRequested(ctx, engine, on, step); err != nil {
			return err
		}
		if step.WaitBetweenDigits > 0 {
			return typeSlowly(ctx, engine, on, 0, []rune(code), step.DigitDelay())
		}
		_, err = engine.FindAndAct(ctx, on, browser.Interaction{Kind: browser.InteractType, Text: code})
		return err
	}

	return newStepError(KindInvalidFlow, "unsupported action %q", step.Action)
}

// typeIntoBoxes writes one digit per input element matched by selector.
func (in *Interpreter) typeIntoBoxes(ctx context.Context, engine browser.Engine, selector, code string, step flow.Step, logger *zap.Logger) error {
	boxes, err := engine.CountMatches(ctx, selector)
	if err != nil {
		return err
	}
	if boxes == 0 {
		return fmt.Errorf("%w: no code inputs for %q", browser.ErrNoMatch, selector)
	}

	digits := []rune(code)
	if len(digits) > boxes {
		logger.Warn("More code digits than input boxes, truncating",
			zap.Int("digits", len(digits)), zap.Int("boxes", boxes))
		digits = digits[:boxes]
	}

	on := []string{selector}
	for i, d := range digits {
		if _, err := engine.FindAndAct(ctx, on, browser.Interaction{Kind: browser.InteractClear, Index: i}); err != nil {
			return err
		}
		if _, err := engine.FindAndAct(ctx, on, browser.Interaction{Kind: browser.InteractType, Text: string(d), Index: i}); err != nil {
			return err
		}
		if i < len(digits)-1 {
			if err := sleep(ctx, step.DigitDelay()); err != nil {
				return err
			}
		}
	}
	return nil
}

// typeSlowly sends one character per interaction with delay between them.
func typeSlowly(ctx context.Context, engine browser.Engine, on []string, index int, chars []rune, delay time.Duration) error {
	for i, c := range chars {
		if _, err := engine.FindAndAct(ctx, on, browser.Interaction{Kind: browser.InteractType, Text: string(c), Index: index}); err != nil {
			return err
		}
		if i < len(chars)-1 {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
	return nil
}

func clearIfRequested(ctx context.Context, engine browser.Engine, on []string, step flow.Step) error {
	if !step.ClearFirst {
		return nil
	}
	_, err := engine.FindAndAct(ctx, on, browser.Interaction{Kind: browser.InteractClear})
	return err
}

// code returns the run's one-time code, waiting on the gate the first time.
func (in *Interpreter) code(ctx context.Context, st *runState, logger *zap.Logger) (string, error) {
	if c, ok := st.values[flow.KeySMSCode]; ok && c != "" {
		return c, nil
	}
	if in.deps.Codes == nil {
		return "", newStepError(KindStepError, "flow requires a one-time code but no code source is configured")
	}

	c, err := in.deps.Codes.Await(ctx, st.run.Identity, in.opts.OTPTimeout)
	if err != nil {
		return "", err
	}
	if !otp.ValidCode(c) {
		return "", newStepError(KindStepError, "received malformed one-time code")
	}
	logger.Info("One-time code obtained", zap.Int("digits", len(c)))
	st.values[flow.KeySMSCode] = c
	return c, nil
}

// resolveText expands placeholders. {sms_code} and its digit forms wait for
// the code if it has not arrived yet.
func (in *Interpreter) resolveText(ctx context.Context, st *runState, text string, logger *zap.Logger) (string, error) {
	resolved, missing := flow.Resolve(text, st.values)
	for _, key := range missing {
		if _, have := st.values[flow.KeySMSCode]; !have && flow.NeedsSMSCode(key) {
			if _, err := in.code(ctx, st, logger); err != nil {
				return "", err
			}
			resolved, missing = flow.Resolve(text, st.values)
			break
		}
	}
	if len(missing) > 0 {
		logger.Warn("Unresolved placeholders left verbatim", zap.Strings("placeholders", missing))
	}
	return resolved, nil
}

func (st *runState) resolveURL(step flow.Step) string {
	u, _ := flow.Resolve(st.run.Flow.NavigateURL(step), st.values)
	return u
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
