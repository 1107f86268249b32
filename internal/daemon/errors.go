package daemon

import "errors"

var (
	// ErrDaemonAlreadyRunning is returned when Start finds another daemon
	// already bound to the configured listen address.
	ErrDaemonAlreadyRunning = errors.New("daemon already running")

	// ErrUnauthorized is returned when a request lacks a valid bearer
	// token. Unlike the rest of the API's errors, this one never reaches
	// meshmodel.StatusCode: authMiddleware rejects the request before a
	// handler (and the taxonomy it returns errors from) ever runs.
	ErrUnauthorized = errors.New("unauthorized")
)
