package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ruteri/seedguard/interfaces"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// RequestError is an error with its HTTP status and wire reason.
type RequestError struct {
	StatusCode int
	Reason     string
	Err        error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s (%d): %v", e.Reason, e.StatusCode, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

const ReasonInternal = "internal"

// Specific sentinels come before the generic ones they may be wrapped with.
var reasons = []struct {
	err    error
	reason string
	status int
}{
	{interfaces.ErrUnderMaintenance, "under_maintenance", http.StatusServiceUnavailable},
	{interfaces.ErrWrongPassword, "wrong_password", http.StatusUnauthorized},
	{interfaces.ErrBiometryFailed, "biometry_failed", http.StatusUnauthorized},
	{interfaces.ErrUnauthorized, "unauthorized", http.StatusUnauthorized},
	{interfaces.ErrLocked, "locked", http.StatusForbidden},
	{interfaces.ErrAuthTypeMismatch, "auth_type_mismatch", http.StatusBadRequest},

	{interfaces.ErrIntentMismatch, "intent_mismatch", http.StatusConflict},
	{interfaces.ErrAccessOnAnotherDevice, "access_on_another_device", http.StatusConflict},
	{interfaces.ErrPolicySetupRequired, "policy_setup_required", http.StatusConflict},
	{interfaces.ErrPolicyRequired, "policy_required", http.StatusConflict},
	{interfaces.ErrAccessRequired, "access_required", http.StatusConflict},
	{interfaces.ErrAccessNotAvailable, "access_not_available", http.StatusConflict},
	{interfaces.ErrAccessExpired, "access_expired", http.StatusConflict},
	{interfaces.ErrInvalidTransition, "invalid_transition", http.StatusConflict},
	{interfaces.ErrNotFound, "not_found", http.StatusNotFound},

	{interfaces.ErrCannotVerifyKeyConfirmation, "cannot_verify_key_confirmation", http.StatusBadRequest},
	{interfaces.ErrContinuity, "continuity", http.StatusBadRequest},
	{interfaces.ErrSignatureVerification, "signature_verification", http.StatusBadRequest},
	{interfaces.ErrUnknownVariant, "unknown_variant", http.StatusBadRequest},
	{interfaces.ErrValidation, "invalid_request", http.StatusBadRequest},
}

// ErrorFor maps an error to its wire form. Unknown errors become internal
// server errors.
func ErrorFor(err error) *RequestError {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return &RequestError{StatusCode: r.status, Reason: r.reason, Err: err}
		}
	}
	return &RequestError{StatusCode: http.StatusInternalServerError, Reason: ReasonInternal, Err: err}
}

// Response returns the body written for the error.
func (e *RequestError) Response() ErrorResponse {
	msg := e.Err.Error()
	if e.StatusCode >= http.StatusInternalServerError && e.Reason == ReasonInternal {
		msg = "internal server error"
	}
	return ErrorResponse{Reason: e.Reason, Message: msg}
}

// ErrorFromResponse rebuilds an error from a failed response. Known reasons
// unwrap to their sentinel; anything else is a transport failure.
func ErrorFromResponse(statusCode int, body []byte) error {
	var resp ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Reason == "" {
		if statusCode == http.StatusServiceUnavailable {
			return &RequestError{StatusCode: statusCode, Reason: "under_maintenance", Err: interfaces.ErrUnderMaintenance}
		}
		return &RequestError{
			StatusCode: statusCode,
			Reason:     ReasonInternal,
			Err:        fmt.Errorf("%w: status %d", interfaces.ErrTransport, statusCode),
		}
	}
	for _, r := range reasons {
		if r.reason == resp.Reason {
			return &RequestError{StatusCode: statusCode, Reason: resp.Reason, Err: fmt.Errorf("%w: %s", r.err, resp.Message)}
		}
	}
	return &RequestError{
		StatusCode: statusCode,
		Reason:     resp.Reason,
		Err:        fmt.Errorf("%w: %s", interfaces.ErrTransport, resp.Message),
	}
}
