package ai

import (
	"errors"
	"fmt"
	"strings"
)

// Code is the closed, machine-readable failure taxonomy. Every provider or
// network failure is mapped into it before crossing the orchestrator
// boundary; raw provider errors never reach the client.
type Code string

const (
	CodeInvalidAPIKey           Code = "invalid_api_key"
	CodeOrgVerificationRequired Code = "org_verification_required"
	CodeBillingNotActive        Code = "billing_not_active"
	CodeMalformedResponse       Code = "malformed_ai_response"
	CodeAIError                 Code = "ai_error"
	CodeNoAPIKeyAvailable       Code = "no_api_key_available"
)

// ErrNotSupported is returned by capability methods a platform does not
// implement (e.g. audio). The orchestrator skips the modality without
// reporting an error.
var ErrNotSupported = errors.New("not supported")

// Error is a classified provider failure.
type Error struct {
	Code     Code
	Platform string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s: %s", e.Platform, e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s: %v", e.Platform, e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err into the taxonomy. If err is already classified its code wins.
func E(code Code, platform, op string, err error) *Error {
	var prev *Error
	if errors.As(err, &prev) {
		code = prev.Code
	}
	return &Error{Code: code, Platform: platform, Op: op, Err: err}
}

// CodeOf extracts the taxonomy code, defaulting to ai_error for anything
// unclassified.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeAIError
}

// Retryable reports whether the failure may be retried in a live session.
// Only malformed output qualifies; credential and billing failures need user
// action and generic errors are surfaced immediately to keep latency low.
func Retryable(err error) bool {
	return CodeOf(err) == CodeMalformedResponse
}

// Actionable reports whether the code tells the user to fix their
// credentials or billing, rather than indicating a transient server problem.
func Actionable(code Code) bool {
	switch code {
	case CodeInvalidAPIKey, CodeBillingNotActive, CodeOrgVerificationRequired:
		return true
	default:
		return false
	}
}

// ClassifyStatus maps a provider HTTP response onto the taxonomy. The org
// verification case is recognized by the provider's error text because it is
// delivered with a generic 403.
func ClassifyStatus(platform, op string, status int, body string) *Error {
	lower := strings.ToLower(body)
	code := CodeAIError
	switch {
	case status == 401:
		code = CodeInvalidAPIKey
	case status == 403 && strings.Contains(lower, "verif"):
		code = CodeOrgVerificationRequired
	case status == 402 || strings.Contains(lower, "billing"):
		code = CodeBillingNotActive
	case status == 429 && strings.Contains(lower, "quota"):
		code = CodeBillingNotActive
	}
	return &Error{Code: code, Platform: platform, Op: op, Err: fmt.Errorf("provider status %d: %s", status, truncate(body, 280))}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
