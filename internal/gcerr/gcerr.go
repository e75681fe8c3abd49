// Package gcerr defines the small error-code enum shared across backends,
// in the spirit of gocloud.dev/gcerrors: a backend's ErrorCode method maps a
// raw transport/API error down to one of these codes so that callers can
// branch on semantics instead of per-cloud status codes.
package gcerr

// Code classifies an error returned by a backend.
type Code int

const (
	Unknown Code = iota
	NotFound
	AlreadyExists
	PermissionDenied
	InvalidArgument
	FailedPrecondition
	Unimplemented
)

func (c Code) String() string {
	switch c {
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case PermissionDenied:
		return "PermissionDenied"
	case InvalidArgument:
		return "InvalidArgument"
	case FailedPrecondition:
		return "FailedPrecondition"
	case Unimplemented:
		return "Unimplemented"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying error with a Code, analogous to gcerr.Error in
// gocloud.dev/internal/gcerr.
type Error struct {
	Code    Code
	Err     error
	FuncName string
}

func (e *Error) Error() string {
	if e.FuncName != "" {
		return e.FuncName + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error.
func New(code Code, err error, funcName string) *Error {
	return &Error{Code: code, Err: err, FuncName: funcName}
}
