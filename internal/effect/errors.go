package effect

import "errors"

// ErrRecordNotFound is returned when no effect record exists for an id.
var ErrRecordNotFound = errors.New("effect record not found")

// PermanentError marks a provider failure that must never be retried, such as
// a suppressed or invalid destination. The executor records it terminally
// instead of handing it back to the broker.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent provider failure: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError in its chain.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
