package validation

import (
	"errors"
	"fmt"
	"slices"
)

// ConfigValidator collects the cross-field checks struct tags cannot
// express, such as settings one storage backend needs and another ignores.
// Every failure is kept.
type ConfigValidator struct {
	name   string
	errors []error
}

// NewConfigValidator prefixes every failure with name, e.g. "Options.Key".
func NewConfigValidator(name string) *ConfigValidator {
	return &ConfigValidator{name: name}
}

func (cv *ConfigValidator) fail(field string, err error) {
	cv.errors = append(cv.errors, fmt.Errorf("%s.%s: %w", cv.name, field, err))
}

// Required fails when value is empty.
func (cv *ConfigValidator) Required(field, value string) *ConfigValidator {
	if value == "" {
		cv.fail(field, errors.New("required field is empty"))
	}
	return cv
}

// OneOf fails when value is not in allowed.
func (cv *ConfigValidator) OneOf(field, value string, allowed []string) *ConfigValidator {
	if !slices.Contains(allowed, value) {
		cv.fail(field, fmt.Errorf("value %q must be one of %v", value, allowed))
	}
	return cv
}

// Custom records the error fn returns, if any, against field.
func (cv *ConfigValidator) Custom(field string, fn func() error) *ConfigValidator {
	if err := fn(); err != nil {
		cv.fail(field, err)
	}
	return cv
}

// When runs validations only if condition holds.
func (cv *ConfigValidator) When(condition bool, validations func(*ConfigValidator)) *ConfigValidator {
	if condition {
		validations(cv)
	}
	return cv
}

// Errors returns the failures recorded so far.
func (cv *ConfigValidator) Errors() []error {
	return cv.errors
}

// Validate joins the recorded failures. errors.Is sees through to each
// cause.
func (cv *ConfigValidator) Validate() error {
	switch len(cv.errors) {
	case 0:
		return nil
	case 1:
		return cv.errors[0]
	}
	return fmt.Errorf("%s: %d invalid settings: %w", cv.name, len(cv.errors), errors.Join(cv.errors...))
}

// DefaultOr returns value unless it is the zero value.
func DefaultOr[T comparable](value, defaultValue T) T {
	var zero T
	if value == zero {
		return defaultValue
	}
	return value
}
