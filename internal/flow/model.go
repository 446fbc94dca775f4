// Package flow holds the declarative description of a browser automation flow:
// the ordered steps to run against a target site and the postconditions that
// decide whether the run succeeded.
package flow

import (
	"fmt"
	"strings"
	"time"

	json "github.com/json-iterator/go"
)

// Action is the kind of automation a step performs.
type Action string

const (
	ActionNavigate         Action = "navigate"
	ActionClick            Action = "click"
	ActionClear            Action = "clear"
	ActionType             Action = "type"
	ActionTypeDigitByDigit Action = "type_digit_by_digit"
	ActionTypeSMSCode      Action = "type_sms_code"
	ActionWait             Action = "wait"
)

// Interactive reports whether the action acts on an element and therefore
// needs at least one selector.
func (a Action) Interactive() bool {
	switch a {
	case ActionClick, ActionClear, ActionType, ActionTypeDigitByDigit, ActionTypeSMSCode:
		return true
	}
	return false
}

// Typing reports whether the action sends characters to an element.
func (a Action) Typing() bool {
	return a == ActionType || a == ActionTypeDigitByDigit || a == ActionTypeSMSCode
}

// Expectation values for a success indicator.
const (
	ExpectFound    = "found"
	ExpectNotFound = "not_found"
)

// Step is one atomic automation action. Durations are in milliseconds, as in
// the JSON documents external tooling produces.
type Step struct {
	ID        string   `json:"id" validate:"required"`
	Action    Action   `json:"action" validate:"required,oneof=navigate click clear type type_digit_by_digit type_sms_code wait"`
	Selectors []string `json:"selectors,omitempty" validate:"omitempty,dive,required"`
	URL       string   `json:"url,omitempty" validate:"omitempty,url"`
	Text      string   `json:"text,omitempty"`
	WaitFor   *WaitFor `json:"wait_for,omitempty"`
	Timeout   int      `json:"timeout,omitempty" validate:"gt=0"`
	WaitAfter int      `json:"wait_after,omitempty" validate:"gte=0"`

	WaitBetweenDigits int  `json:"wait_between_digits,omitempty" validate:"gte=0"`
	ClearFirst        bool `json:"clear_first,omitempty"`
	CodeLength        int  `json:"code_length,omitempty" validate:"gte=0"`
	IndividualInputs  bool `json:"individual_inputs,omitempty"`

	// Optional steps whose selectors never match are skipped.
	Optional bool `json:"optional,omitempty"`
}

// TimeoutDuration returns the step timeout.
func (s Step) TimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Millisecond
}

// WaitAfterDuration returns the settle delay after the action.
func (s Step) WaitAfterDuration() time.Duration {
	return time.Duration(s.WaitAfter) * time.Millisecond
}

// DigitDelay returns the pause between characters for digit-by-digit typing.
func (s Step) DigitDelay() time.Duration {
	return time.Duration(s.WaitBetweenDigits) * time.Millisecond
}

// WaitFor lists selectors of which at least one must appear before a step is
// complete. It decodes from {"selectors": [...]}, a bare list, or a single string.
type WaitFor struct {
	Selectors []string `json:"selectors" validate:"min=1,dive,required"`
}

// UnmarshalJSON accepts the three shapes found in flow documents.
func (w *WaitFor) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "null":
		return nil
	case strings.HasPrefix(trimmed, "{"):
		var obj struct {
			Selectors []string `json:"selectors"`
			Selector  string   `json:"selector"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("wait_for: %w", err)
		}
		w.Selectors = obj.Selectors
		if len(w.Selectors) == 0 && obj.Selector != "" {
			w.Selectors = []string{obj.Selector}
		}
	case strings.HasPrefix(trimmed, "["):
		if err := json.Unmarshal(data, &w.Selectors); err != nil {
			return fmt.Errorf("wait_for: %w", err)
		}
	default:
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return fmt.Errorf("wait_for: %w", err)
		}
		w.Selectors = []string{single}
	}
	return nil
}

// SuccessIndicator is a selector-based postcondition checked after the last step.
type SuccessIndicator struct {
	Selector string `json:"selector" validate:"required"`
	Expected string `json:"expected,omitempty" validate:"omitempty,oneof=found not_found"`
}

// ExpectAbsent reports whether the indicator asserts the element is missing.
func (i SuccessIndicator) ExpectAbsent() bool {
	return i.Expected == ExpectNotFound
}

// Flow is an immutable, named sequence of steps for one target site.
type Flow struct {
	Name              string             `json:"name,omitempty"`
	Type              string             `json:"type" validate:"required"`
	SMSRequired       bool               `json:"sms_required"`
	AuthURL           string             `json:"auth_url,omitempty" validate:"omitempty,url"`
	SuccessIndicators []SuccessIndicator `json:"success_indicators,omitempty" validate:"dive"`
	Steps             []Step             `json:"steps" validate:"required,min=1,dive"`
}

// NavigateURL returns the URL a navigate step should open.
func (f *Flow) NavigateURL(s Step) string {
	if s.URL != "" {
		return s.URL
	}
	return f.AuthURL
}

// IsXPath reports whether a selector uses XPath syntax rather than CSS.
func IsXPath(selector string) bool {
	return strings.HasPrefix(selector, "//") || strings.HasPrefix(selector, "(//")
}
