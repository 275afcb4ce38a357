package models

import "errors"

// Failure taxonomy for pipeline processors. Anything not wrapped in one
// of these types is treated as transient and goes through retry/backoff.

// PermanentError marks a failure that must not be retried: policy
// rejections, malformed payloads, references to entities that no longer
// exist.
type PermanentError struct {
	Err error
}

func NewPermanentError(err error) *PermanentError {
	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// ConfigError marks a failure caused by missing or invalid configuration
// (absent account, bad credential). Retrying cannot help; the job fails
// and an operational alert is raised.
type ConfigError struct {
	Err error
}

func NewConfigError(err error) *ConfigError {
	return &ConfigError{Err: err}
}

func (e *ConfigError) Error() string { return "config: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// IsPermanent reports whether err must bypass the retry path.
// Config errors are permanent too: attempts cannot fix configuration.
func IsPermanent(err error) bool {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return true
	}
	return IsConfig(err)
}

func IsConfig(err error) bool {
	var cfg *ConfigError
	return errors.As(err, &cfg)
}
