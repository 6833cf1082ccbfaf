package billing

import (
	"errors"
	"fmt"
)

// ValidationError marks malformed caller input. It is never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Msg
}

// ConfigurationError marks missing or invalid provider credentials and other
// operator-level misconfiguration. Fatal, never auto-retried.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "configuration: " + e.Msg
}

// ProviderError is returned when the billing provider explicitly rejected a
// call (invalid state transition, unknown object, declined operation). The
// provider-supplied reason is surfaced verbatim.
type ProviderError struct {
	Code string
	Msg  string
	Err  error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider rejected call (%s): %s", e.Code, e.Msg)
	}
	return "provider rejected call: " + e.Msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// TransientError wraps timeouts, network failures and provider 5xx responses.
// Callers may retry with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ReconciliationError means the provider call succeeded but persisting the
// returned state locally failed. Local state now lags the provider and needs
// manual intervention; this must never be silently swallowed.
type ReconciliationError struct {
	Op                     string
	ExternalSubscriptionID string
	Err                    error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation required: %s succeeded at provider for %s but local persist failed: %v",
		e.Op, e.ExternalSubscriptionID, e.Err)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}

// NotFoundError marks an absent subscription, flag or event.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " not found: " + e.Key
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanentFailure reports whether err can never succeed on retry.
func IsPermanentFailure(err error) bool {
	var ve *ValidationError
	var ce *ConfigurationError
	return errors.As(err, &ve) || errors.As(err, &ce)
}
