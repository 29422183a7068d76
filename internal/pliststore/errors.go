package pliststore

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by Store matches exactly one of these
// with errors.Is.
var (
	ErrDoesNotExist  = errors.New("plist does not exist")
	ErrAlreadyExists = errors.New("plist already exists")
	ErrRead          = errors.New("plist read failed")
	ErrWrite         = errors.New("plist write failed")
	ErrDelete        = errors.New("plist delete failed")
	ErrParse         = errors.New("plist parse failed")
	ErrInvalidPath   = errors.New("invalid plist path")
	ErrUnknownKind   = errors.New("unknown plist kind")
)

// Error records a failed store operation on a record.
type Error struct {
	Op    string // "list", "new", "read", "write", "delete"
	ID    ID
	class error
	Err   error // underlying cause, may be nil
}

func newError(op string, id ID, class, err error) *Error {
	return &Error{Op: op, ID: id, class: class, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.class)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.ID, e.class, e.Err)
}

// Is reports whether target is the class of e.
func (e *Error) Is(target error) bool {
	return target == e.class
}

func (e *Error) Unwrap() error {
	return e.Err
}
