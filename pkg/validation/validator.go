// Package validation holds the struct-tag validator shared by option and
// configuration types, plus path checks for drive operations.
package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// validate is a singleton validator instance
	validate *validator.Validate

	// MaxPathLength bounds a drive path in bytes.
	MaxPathLength = 4096
	// MaxSegmentLength bounds one path segment in bytes.
	MaxSegmentLength = 255

	ErrInvalidPath = errors.New("invalid path")
)

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("pow2", func(fl validator.FieldLevel) bool {
		v := fl.Field().Int()
		return v > 0 && v&(v-1) == 0
	})
}

// Struct validates v against its `validate` tags and reports the first
// failure in a readable form.
func Struct(v any) error {
	if v == nil {
		return errors.New("value cannot be nil")
	}
	if err := validate.Struct(v); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// ValidatePath checks a caller-supplied drive path before it is cleaned.
// Empty paths, NUL bytes and oversized segments are rejected.
func ValidatePath(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if len(p) > MaxPathLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidPath, MaxPathLength)
	}
	if strings.IndexByte(p, 0) >= 0 {
		return fmt.Errorf("%w: contains NUL byte", ErrInvalidPath)
	}
	for _, seg := range strings.Split(p, "/") {
		if len(seg) > MaxSegmentLength {
			return fmt.Errorf("%w: segment longer than %d bytes", ErrInvalidPath, MaxSegmentLength)
		}
	}
	return nil
}

// formatValidationError converts validator errors to a more user-friendly format
func formatValidationError(err error) error {
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	// Return the first validation error in a user-friendly format
	for _, e := range validationErrs {
		field := e.Namespace()
		param := e.Param()

		switch e.Tag() {
		case "required":
			return fmt.Errorf("%s: field is required", field)
		case "min", "gte":
			return fmt.Errorf("%s: must be at least %s", field, param)
		case "max", "lte":
			return fmt.Errorf("%s: must not exceed %s", field, param)
		case "oneof":
			return fmt.Errorf("%s: must be one of [%s]", field, param)
		case "pow2":
			return fmt.Errorf("%s: must be a power of two", field)
		default:
			return fmt.Errorf("%s: validation failed (%s)", field, e.Tag())
		}
	}

	return err
}
