package model

import "fmt"

// ConnectionError is returned by calendar sources when the remote service
// could not be reached or its answer could not be used. It is recoverable:
// the fetch cycle backs off and tries again.
type ConnectionError struct {
	Source string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("calendar source %s: %v", e.Source, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NotifyError is returned by notifiers when an alert could not be shown.
// It is never retried.
type NotifyError struct {
	Notifier string
	Err      error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notifier %s: %v", e.Notifier, e.Err)
}

func (e *NotifyError) Unwrap() error { return e.Err }
