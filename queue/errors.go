package queue

import "github.com/pkg/errors"

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrClaimLost is returned when a job is no longer held by the calling worker,
	// typically because the stale sweep handed it to someone else.
	ErrClaimLost = errors.New("job claim lost")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. MarkFailedOrRetry fails such jobs immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
