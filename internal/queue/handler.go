package queue

import (
	"context"
	"errors"
)

// Handler processes one job. Returning nil acknowledges the job. Returning an
// error wrapped by Reject terminates delivery; any other error is redelivered
// per the queue's backoff policy.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Handle(ctx context.Context, job Job) error { return f(ctx, job) }

// RejectError marks a job failure that must not be retried, e.g. malformed
// input or an invariant violation no redelivery can fix.
type RejectError struct {
	Err error
}

func (e *RejectError) Error() string { return "job rejected: " + e.Err.Error() }
func (e *RejectError) Unwrap() error { return e.Err }

// Reject wraps err so the router terminates delivery instead of retrying.
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return &RejectError{Err: err}
}

// IsReject reports whether err carries a RejectError anywhere in its chain.
func IsReject(err error) bool {
	var re *RejectError
	return errors.As(err, &re)
}
