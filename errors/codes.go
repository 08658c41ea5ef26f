// Error codes for the storage engine. Every error returned by this module
// carries one of these codes so callers can decide, for example, whether to
// substitute NoData for a tile that can't be read.

package errors

import (
	"fmt"
)

type Code int

const (
	OK Code = iota
	Corrupted
	OutOfMemory
	UnsupportedVersion
	SizeLimitExceeded
	IOFailure
	InvalidArgument
	NotSupported
)

var ErrCorrupted = New(Corrupted)
var ErrOutOfMemory = New(OutOfMemory)
var ErrUnsupportedVersion = New(UnsupportedVersion)
var ErrSizeLimitExceeded = New(SizeLimitExceeded)
var ErrIOFailed = New(IOFailure)
var ErrInvalidArgument = New(InvalidArgument)
var ErrNotSupported = New(NotSupported)

var messagesByCode = map[Code]string{
	OK:                 "Success",
	Corrupted:          "Structure corrupted",
	OutOfMemory:        "Cannot allocate memory",
	UnsupportedVersion: "Unsupported directory version",
	SizeLimitExceeded:  "Size limit exceeded",
	IOFailure:          "Input/output error",
	InvalidArgument:    "Invalid argument",
	NotSupported:       "Operation not supported",
}

// StrError returns the default message for an error code.
func StrError(code Code) string {
	message, ok := messagesByCode[code]
	if ok {
		return message
	}
	return fmt.Sprintf("error %d not recognized.", int(code))
}

func (code Code) String() string {
	return StrError(code)
}
