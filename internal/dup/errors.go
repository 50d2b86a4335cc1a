package dup

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures that callers handle differently.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidHashAlgorithm
	KindConsistencyMismatch
	KindFolderMissing
	KindContentVerificationFailed
	KindInvalidConfiguration
	KindBlocksMissing
	KindDatabaseMissing
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidHashAlgorithm:
		return "InvalidHashAlgorithm"
	case KindConsistencyMismatch:
		return "ConsistencyMismatch"
	case KindFolderMissing:
		return "FolderMissing"
	case KindContentVerificationFailed:
		return "ContentVerificationFailed"
	case KindInvalidConfiguration:
		return "InvalidConfiguration"
	case KindBlocksMissing:
		return "BlocksMissing"
	case KindDatabaseMissing:
		return "DatabaseMissing"
	default:
		return "Unknown"
	}
}

// Backend sentinel errors. Implementations wrap these so callers can tell a
// missing folder or object apart from generic I/O failures.
var (
	ErrFolderMissing = errors.New("remote folder does not exist")
	ErrFileNotFound  = errors.New("remote file not found")
)

// Error is a classified failure.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return e.Msg
	case e.Msg == "":
		return e.Err.Error()
	default:
		return e.Msg + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Err == nil
}

func newError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) ErrorKind {
	var ce *ConsistencyError
	if errors.As(err, &ce) {
		return KindConsistencyMismatch
	}
	if errors.Is(err, ErrFolderMissing) {
		return KindFolderMissing
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ConsistencyError reports drift between the local database and the remote listing.
type ConsistencyError struct {
	Extra      []string
	Missing    []string
	Unfinished []string
}

func (e *ConsistencyError) Error() string {
	var parts []string
	if len(e.Extra) > 0 {
		parts = append(parts, fmt.Sprintf("%d extra remote files", len(e.Extra)))
	}
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("%d missing remote files", len(e.Missing)))
	}
	if len(e.Unfinished) > 0 {
		parts = append(parts, fmt.Sprintf("%d unfinished remote files", len(e.Unfinished)))
	}
	return "remote listing does not match the local database: " + strings.Join(parts, ", ")
}
