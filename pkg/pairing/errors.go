package pairing

import (
	"errors"
	"fmt"
)

// Decode errors.
var (
	// ErrMalformed indicates the input is not a property-list dictionary.
	ErrMalformed = errors.New("malformed pairing record")

	// ErrMissingField indicates a required field is absent or empty.
	ErrMissingField = errors.New("missing pairing record field")

	// ErrInvalidKeyMaterial indicates a certificate or key fails structural validation.
	ErrInvalidKeyMaterial = errors.New("invalid key material")
)

// MissingFieldError names the absent field.
type MissingFieldError struct {
	Name string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingField, e.Name)
}

// Unwrap allows errors.Is(err, ErrMissingField).
func (e *MissingFieldError) Unwrap() error {
	return ErrMissingField
}
