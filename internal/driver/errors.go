package driver

import "errors"

var (
	// ErrUnavailable means the remote-debug connection is gone.
	ErrUnavailable = errors.New("driver: connection unavailable")
	// ErrNotFound means a locator matched zero elements.
	ErrNotFound = errors.New("driver: element not found")
	// ErrTimeout means a wait bound elapsed.
	ErrTimeout = errors.New("driver: timeout")
)
