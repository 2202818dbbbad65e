package rope

import (
	"errors"
	"fmt"
)

var (
	ErrMissingParameter   = errors.New("missing rope parameter")
	ErrInvalidFactor      = errors.New("invalid rope factor")
	ErrInvalidParameter   = errors.New("invalid rope parameter")
	ErrUnsupportedVariant = errors.New("unsupported rope variant")
)

// MissingParameterError reports a field the variant requires but the
// configuration omits.
type MissingParameterError struct {
	Variant Variant
	Name    string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("rope_type %q requires %s", e.Variant, e.Name)
}

func (e *MissingParameterError) Unwrap() error { return ErrMissingParameter }

type InvalidFactorError struct {
	Variant Variant
	Reason  string
}

func (e *InvalidFactorError) Error() string {
	return fmt.Sprintf("rope_type %q: %s", e.Variant, e.Reason)
}

func (e *InvalidFactorError) Unwrap() error { return ErrInvalidFactor }

type InvalidParameterError struct {
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return "invalid rope parameter: " + e.Reason
}

func (e *InvalidParameterError) Unwrap() error { return ErrInvalidParameter }

type UnsupportedVariantError struct {
	Variant Variant
}

func (e *UnsupportedVariantError) Error() string {
	return fmt.Sprintf("rope_type %q is not implemented", e.Variant)
}

func (e *UnsupportedVariantError) Unwrap() error { return ErrUnsupportedVariant }

func invalidParameterf(format string, args ...interface{}) error {
	return &InvalidParameterError{Reason: fmt.Sprintf(format, args...)}
}

// ErrorType is a short label for metrics.
func ErrorType(err error) string {
	switch {
	case errors.Is(err, ErrMissingParameter):
		return "missing_parameter"
	case errors.Is(err, ErrInvalidFactor):
		return "invalid_factor"
	case errors.Is(err, ErrInvalidParameter):
		return "invalid_parameter"
	case errors.Is(err, ErrUnsupportedVariant):
		return "unsupported_variant"
	default:
		return "other"
	}
}
