package upstream

import "errors"

// ErrTransient marks failures worth retrying: connectivity problems,
// timeouts, server-side 5xx responses, expired sessions.
var ErrTransient = errors.New("upstream_transient")

// ErrConfiguration marks failures that retries cannot fix: missing or
// rejected credentials, malformed base URL. Callers should fail the run
// immediately and surface the error.
var ErrConfiguration = errors.New("upstream_configuration")

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsConfiguration reports whether err is a fatal configuration problem.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
