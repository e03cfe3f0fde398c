// Package status defines the result codes that cross the command boundary
// and the sentinel errors the rest of the manager maps onto them.
package status

import (
	stderrors "errors"
	"fmt"
)

// Code is the signed result code returned for every command. Zero is
// success; all failures are negative.
type Code int32

const (
	CodeSuccess         Code = 0
	CodeInvalidArgument Code = -1
	CodeBadAddress      Code = -2
	CodeOutOfMemory     Code = -3
	CodeBusy            Code = -4
	CodeTimedOut        Code = -5
	CodeIO              Code = -6
	CodeNotSupported    Code = -7
	CodeUnknown         Code = -99
)

var (
	ErrInvalidArgument = stderrors.New("invalid argument")
	ErrBadAddress      = stderrors.New("bad address")
	ErrOutOfMemory     = stderrors.New("out of memory")
	ErrBusy            = stderrors.New("device busy")
	ErrTimedOut        = stderrors.New("timed out")
	ErrIO              = stderrors.New("i/o error")
	ErrNotSupported    = stderrors.New("not supported")
	ErrUnknown         = stderrors.New("unknown error")
)

var sentinels = []struct {
	err  error
	code Code
}{
	{ErrInvalidArgument, CodeInvalidArgument},
	{ErrBadAddress, CodeBadAddress},
	{ErrOutOfMemory, CodeOutOfMemory},
	{ErrBusy, CodeBusy},
	{ErrTimedOut, CodeTimedOut},
	{ErrIO, CodeIO},
	{ErrNotSupported, CodeNotSupported},
}

// CodeOf maps an error to its wire code. Wrapped errors are unwrapped; an
// error that does not descend from one of the sentinels reports CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	for _, s := range sentinels {
		if stderrors.Is(err, s.err) {
			return s.code
		}
	}
	return CodeUnknown
}

// Err maps a wire code back onto its sentinel; success maps to nil. This is
// the inverse of CodeOf, used on the caller side of the command boundary.
func (c Code) Err() error {
	if c == CodeSuccess {
		return nil
	}
	for _, s := range sentinels {
		if s.code == c {
			return s.err
		}
	}
	return ErrUnknown
}

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeInvalidArgument:
		return "invalid argument"
	case CodeBadAddress:
		return "bad address"
	case CodeOutOfMemory:
		return "out of memory"
	case CodeBusy:
		return "device busy"
	case CodeTimedOut:
		return "timed out"
	case CodeIO:
		return "i/o error"
	case CodeNotSupported:
		return "not supported"
	default:
		return fmt.Sprintf("unknown (%d)", int32(c))
	}
}
