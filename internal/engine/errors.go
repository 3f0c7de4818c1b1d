package engine

import "fmt"

// ValidationError reports bad input caught before any write is attempted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// RemoteError wraps a failure from the persistence layer.
type RemoteError struct {
	Op  string
	Err error
}

func (e RemoteError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e RemoteError) Unwrap() error { return e.Err }

func remoteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return RemoteError{Op: op, Err: err}
}

func requireTitle(field, title string) error {
	if isBlank(title) {
		return ValidationError{Field: field, Reason: "is required"}
	}
	return nil
}
