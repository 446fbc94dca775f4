package flow

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterStructValidation(stepStructLevel, Step{})
	})
	return validate
}

// stepStructLevel enforces the cross-field rules of a single step.
func stepStructLevel(sl validator.StructLevel) {
	s := sl.Current().Interface().(Step)
	if s.Action.Interactive() && len(s.Selectors) == 0 {
		sl.ReportError(s.Selectors, "Selectors", "selectors", "required_for_action", string(s.Action))
	}
	if s.Action == ActionTypeSMSCode && s.IndividualInputs && s.CodeLength == 0 {
		sl.ReportError(s.CodeLength, "CodeLength", "code_length", "required_with_individual_inputs", "")
	}
}

// Validate checks a flow against its structural invariants.
func Validate(f *Flow) error {
	if f == nil {
		return errors.New("flow is nil")
	}
	if err := validatorInstance().Struct(f); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return fmt.Errorf("invalid flow: %s", describe(validationErrors))
		}
		return fmt.Errorf("invalid flow: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Steps))
	for _, s := range f.Steps {
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("invalid flow: duplicate step id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.Action == ActionNavigate && f.NavigateURL(s) == "" {
			return fmt.Errorf("invalid flow: navigate step %q has no url and the flow has no auth_url", s.ID)
		}
		if s.Action == ActionTypeSMSCode && !f.SMSRequired {
			return fmt.Errorf("invalid flow: step %q enters an SMS code but sms_required is false", s.ID)
		}
	}
	return nil
}

func describe(errs validator.ValidationErrors) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		msg := fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg += fmt.Sprintf(" (%s)", fe.Param())
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, "; ")
}
