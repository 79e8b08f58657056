// Package failure classifies errors crossing the effect protocol.
//
// Transient failures (broker saturated, RPC timeout) are retried at the call site
// or by requeueing the message. Permanent failures (malformed message, unknown
// effect type) are answered once and never requeued.
package failure

import (
	"errors"
)

var (
	_ error = (*wrappedError)(nil)
	_ error = (*permanentError)(nil)
)

func New(text string) error {
	return errors.New(text)
}

func Wrap(err error, text string) error {
	if err == nil {
		return nil
	}

	if len(text) == 0 {
		return err
	}

	return &wrappedError{
		err: err,
		msg: text,
	}
}

type wrappedError struct {
	err error
	msg string
}

const sep = ", err: "

func (err wrappedError) Error() string {
	if err.err == nil {
		return err.msg
	}

	return err.msg + sep + err.err.Error()
}

func (err wrappedError) Unwrap() error {
	if err.err == nil {
		return errors.New(err.msg)
	}

	return err.err
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether any error in the chain was marked permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type permanentError struct {
	err error
}

func (err *permanentError) Error() string {
	return err.err.Error()
}

func (err *permanentError) Unwrap() error {
	return err.err
}
