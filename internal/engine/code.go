package engine

import (
	"errors"
	"fmt"
)

// Code is a transfer result code. The numbering is shared with curl so exit
// statuses mean the same thing to scripts.
type Code int

const (
	OK                     Code = 0
	UnsupportedProtocol    Code = 1
	FailedInit             Code = 2
	URLMalformat           Code = 3
	NotBuiltIn             Code = 4
	CouldntResolveHost     Code = 6
	CouldntConnect         Code = 7
	RemoteAccessDenied     Code = 9
	WriteError             Code = 23
	ReadError              Code = 26
	OutOfMemory            Code = 27
	OperationTimedout      Code = 28
	FileCouldntReadFile    Code = 37
	PeerFailedVerification Code = 60
	LoginDenied            Code = 67
	RemoteFileNotFound     Code = 78
	SSH                    Code = 79
	NoConnectionAvailable  Code = 89
)

var codeText = map[Code]string{
	OK:                     "No error",
	UnsupportedProtocol:    "Unsupported protocol",
	FailedInit:             "Failed initialization",
	URLMalformat:           "URL using bad/illegal format or missing URL",
	NotBuiltIn:             "A requested feature, protocol or option was not found built-in in this build",
	CouldntResolveHost:     "Could not resolve hostname",
	CouldntConnect:         "Could not connect to server",
	RemoteAccessDenied:     "Access denied to remote resource",
	WriteError:             "Failed writing received data to disk/application",
	ReadError:              "Failed to open/read local data from file/application",
	OutOfMemory:            "Out of memory",
	OperationTimedout:      "Timeout was reached",
	FileCouldntReadFile:    "Could not read a file:// file",
	PeerFailedVerification: "SSL peer certificate or SSH remote key was not OK",
	LoginDenied:            "Login denied",
	RemoteFileNotFound:     "Remote file not found",
	SSH:                    "Error in the SSH layer",
	NoConnectionAvailable:  "No connection available, the session will be queued",
}

func (c Code) String() string {
	if s, ok := codeText[c]; ok {
		return s
	}
	return fmt.Sprintf("Unknown error (%d)", int(c))
}

// Error is a failed transfer.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf returns the result code carried by err. Errors that did not come out
// of a transfer report FailedInit.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return FailedInit
}
