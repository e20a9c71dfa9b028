package stored

import (
	"github.com/pkg/errors"
)

var (
	// ErrCanceled means the job was canceled while waiting.
	ErrCanceled = errors.New("job canceled")

	// ErrDeviceBusy means no device can serve the job right now. Try again
	// later.
	ErrDeviceBusy = errors.New("device busy")

	// ErrNoVolume means no appendable volume was found and no operator
	// provided one.
	ErrNoVolume = errors.New("no volume available")

	// ErrWrongVolume means the medium in the drive is not the volume asked
	// for.
	ErrWrongVolume = errors.New("wrong volume mounted")

	// ErrTooManyTries means a retry loop ran out of attempts.
	ErrTooManyTries = errors.New("too many tries")

	// ErrEndOfData means every volume of a read job has been read.
	ErrEndOfData = errors.New("no more volumes to read")

	// ErrNoDevice means no configured device matches the request.
	ErrNoDevice = errors.New("no suitable device")

	// ErrNoRequest means there is no pending operator request with that id.
	ErrNoRequest = errors.New("no such operator request")
)

// A FatalError ends the job. Other errors may be retried.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }

// Cause returns the wrapped error, for errors.Cause.
func (e *FatalError) Cause() error { return e.Err }

func fatal(err error) error {
	if err == nil || IsFatal(err) {
		return err
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether a FatalError is anywhere in the chain of err.
func IsFatal(err error) bool {
	type causer interface {
		Cause() error
	}
	for err != nil {
		if _, ok := err.(*FatalError); ok {
			return true
		}
		c, ok := err.(causer)
		if !ok {
			return false
		}
		err = c.Cause()
	}
	return false
}

// IsRetryable reports whether err means the job should wait and try again
// rather than fail.
func IsRetryable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	switch errors.Cause(err) {
	case ErrDeviceBusy, ErrNoVolume, ErrWrongVolume:
		return true
	}
	return false
}
