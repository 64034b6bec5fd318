package service

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so the transport can pick a status code.
type Kind int

const (
	KindInternal Kind = iota
	// KindValidation is a user-correctable request problem.
	KindValidation
	// KindUnavailable means the model is not loaded; retry later.
	KindUnavailable
	// KindProcessing covers save, decode, resize and inference failures.
	KindProcessing
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnavailable:
		return "unavailable"
	case KindProcessing:
		return "processing"
	default:
		return "internal"
	}
}

// Error is returned by the diagnosis pipeline.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

var ErrModelNotReady = &Error{Kind: KindUnavailable, Msg: "Model belum siap."}

func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Msg: msg}
}

func Processing(msg string, err error) *Error {
	return &Error{Kind: KindProcessing, Msg: msg, Err: err}
}

// KindOf extracts the Kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
