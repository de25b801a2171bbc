package remote

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates no remote object exists with the given name
// or id. Not a failure: callers treat it as "nothing to reconcile" or
// "create instead of replace".
var ErrNotFound = errors.New("remote: object not found")

// PermissionError indicates HTTP 403: the remote API or its
// authorization scope is not correctly configured for this client.
// Fatal for the current attempt and never retried automatically;
// fixing it requires external configuration changes.
type PermissionError struct {
	Detail string
}

func (e *PermissionError) Error() string {
	msg := "remote: permission denied (HTTP 403): the storage API or its " +
		"authorization scope is not configured for this client; verify the " +
		"remote namespace settings and re-authorize"
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// TransportError indicates a network failure or an unexpected HTTP
// status. Recoverable: the next triggered operation retries naturally.
type TransportError struct {
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote: HTTP %d", e.Status)
	}
	return fmt.Sprintf("remote: request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
