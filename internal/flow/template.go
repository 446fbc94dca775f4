package flow

import (
	"regexp"
	"strconv"
	"strings"
)

// Placeholder names with special handling.
const (
	KeyPhone         = "phone"
	KeySMSCode       = "sms_code"
	keyPhoneNoPrefix = "phone_no_prefix"
	keyPhoneWithout7 = "phone_without_7"
	keySMSCodeDigit  = "sms_code_digit_"
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Values are the identity credentials available to step text, e.g. "phone".
type Values map[string]string

// Resolve expands {name} placeholders in template. The derived phone forms are
// computed from "phone" and {sms_code_digit_N} from "sms_code". Placeholders
// with no value are left verbatim and returned in missing.
func Resolve(template string, values Values) (resolved string, missing []string) {
	resolved = placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		key := m[1 : len(m)-1]
		if v, ok := lookup(key, values); ok {
			return v
		}
		missing = append(missing, key)
		return m
	})
	return resolved, missing
}

func lookup(key string, values Values) (string, bool) {
	switch key {
	case keyPhoneNoPrefix:
		phone, ok := values[KeyPhone]
		if !ok {
			return "", false
		}
		return PhoneNoPrefix(phone), true
	case keyPhoneWithout7:
		phone, ok := values[KeyPhone]
		if !ok {
			return "", false
		}
		return PhoneWithout7(phone), true
	}
	if n, ok := smsDigit(key); ok {
		code := values[KeySMSCode]
		if n > len(code) {
			return "", false
		}
		return code[n-1 : n], true
	}
	v, ok := values[key]
	return v, ok
}

// smsDigit parses the 1-based position out of "sms_code_digit_N".
func smsDigit(key string) (int, bool) {
	rest, found := strings.CutPrefix(key, keySMSCodeDigit)
	if !found {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// NeedsSMSCode reports whether a placeholder is filled from the one-time
// code: {sms_code} or one of its {sms_code_digit_N} positions.
func NeedsSMSCode(key string) bool {
	if key == KeySMSCode {
		return true
	}
	_, ok := smsDigit(key)
	return ok
}

// PhoneNoPrefix strips a leading "+7" or "7".
func PhoneNoPrefix(phone string) string {
	if strings.HasPrefix(phone, "+7") {
		return phone[2:]
	}
	return strings.TrimPrefix(phone, "7")
}

// PhoneWithout7 strips the country code only from well-formed Russian numbers:
// "7" from 11 digits or "+7" from 12 characters.
func PhoneWithout7(phone string) string {
	switch {
	case strings.HasPrefix(phone, "7") && len(phone) == 11:
		return phone[1:]
	case strings.HasPrefix(phone, "+7") && len(phone) == 12:
		return phone[2:]
	}
	return phone
}
