package billing

import (
	"errors"
	"fmt"
)

var (
	ErrBillNotFound        = errors.New("bill not found")
	ErrBillConfigNotFound  = errors.New("bill configuration not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrAlreadyCancelled    = errors.New("bill is already cancelled")
	ErrCannotCancelPaid    = errors.New("cannot cancel a paid bill")
	ErrBillCancelled       = errors.New("cannot add a payment to a cancelled bill")
	ErrVersionConflict     = errors.New("bill was modified concurrently")
	ErrDuplicateBillNumber = errors.New("bill number already in use")
	ErrOpenBillExists      = errors.New("patient already has an open bill for the day")
	ErrMalformedBillNumber = errors.New("malformed bill number")
	ErrRetriesExhausted    = errors.New("bill could not be saved after repeated concurrent updates")
)

// ValidationError reports a rejected request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
