/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package apierror defines the failure taxonomy shared by every component and
// the standardized response produced from it.
package apierror

import (
	"fmt"
	"strings"
)

type ErrorCode string

const (
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrConflict       ErrorCode = "CONFLICT"
	ErrBadRequest     ErrorCode = "BAD_REQUEST"
	ErrInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrInternalServer ErrorCode = "INTERNAL_SERVER_ERROR"

	ErrUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrForbidden           ErrorCode = "FORBIDDEN"
	ErrRateLimited         ErrorCode = "RATE_LIMITED"
	ErrQuotaExceeded       ErrorCode = "QUOTA_EXCEEDED"
	ErrUpstream            ErrorCode = "UPSTREAM_ERROR"
	ErrUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	ErrProcessing          ErrorCode = "PROCESSING_ERROR"
	ErrInsufficientFunds   ErrorCode = "INSUFFICIENT_FUNDS"
	ErrNetwork             ErrorCode = "NETWORK_ERROR"
	ErrTimeout             ErrorCode = "TIMEOUT"
	ErrUnknown             ErrorCode = "UNKNOWN_ERROR"
)

// Kind is the closed set of failure categories.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindSecurity    Kind = "security"
	KindRateLimit   Kind = "rate_limit"
	KindUpstreamAPI Kind = "upstream_api"
	KindProcessing  Kind = "processing"
	KindNetwork     Kind = "network"
	KindTimeout     Kind = "timeout"
	KindUnknown     Kind = "unknown"
)

// Severity is ordered: SeverityLow < SeverityMedium < SeverityHigh < SeverityCritical.
// The zero value means "use the kind's default".
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unset"
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "low":
		*s = SeverityLow
	case "medium":
		*s = SeverityMedium
	case "high":
		*s = SeverityHigh
	case "critical":
		*s = SeverityCritical
	default:
		return fmt.Errorf("unknown severity %q", string(text))
	}
	return nil
}

// APIError is the error record created at the classification boundary.
// Message on validation, security, rate limit and processing errors is safe
// to show to callers; on every other kind it is treated as internal.
type APIError struct {
	Code       ErrorCode   `json:"code"`
	Message    string      `json:"message"`
	Kind       Kind        `json:"kind,omitempty"`
	Severity   Severity    `json:"severity,omitempty"`
	RetryAfter int         `json:"retry_after,omitempty"`
	Details    interface{} `json:"details,omitempty"`

	cause error
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e APIError) Unwrap() error {
	return e.cause
}

// WithSeverity returns a copy of e carrying an explicit severity.
func (e APIError) WithSeverity(s Severity) APIError {
	e.Severity = s
	return e
}

// WithCause returns a copy of e wrapping cause.
func (e APIError) WithCause(cause error) APIError {
	e.cause = cause
	return e
}

// NewAPIError builds an error whose kind is derived from its code. When details
// is an error it also becomes the unwrap target.
func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	e := APIError{
		Code:    code,
		Message: message,
		Kind:    kindForCode(code),
		Details: details,
	}
	if cause, ok := details.(error); ok {
		e.cause = cause
		e.Details = cause.Error()
	}
	return e
}

func Validation(message string) APIError {
	return APIError{Code: ErrInvalidInput, Message: message, Kind: KindValidation}
}

func Security(code ErrorCode, message string) APIError {
	return APIError{Code: code, Message: message, Kind: KindSecurity}
}

// RateLimited is the signal returned when a caller exceeds its allowance.
// retryAfterSeconds is raised to 1 when lower.
func RateLimited(retryAfterSeconds int) APIError {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	return APIError{
		Code:       ErrRateLimited,
		Message:    fmt.Sprintf("Too many requests. Please retry after %d seconds.", retryAfterSeconds),
		Kind:       KindRateLimit,
		RetryAfter: retryAfterSeconds,
	}
}

func Upstream(code ErrorCode, message string, cause error) APIError {
	return APIError{Code: code, Message: message, Kind: KindUpstreamAPI, cause: cause}
}

func Processing(code ErrorCode, message string) APIError {
	return APIError{Code: code, Message: message, Kind: KindProcessing}
}

func InsufficientFunds(message string) APIError {
	return Processing(ErrInsufficientFunds, message)
}

func Network(message string, cause error) APIError {
	return APIError{Code: ErrNetwork, Message: message, Kind: KindNetwork, cause: cause}
}

func Timeout(message string, cause error) APIError {
	return APIError{Code: ErrTimeout, Message: message, Kind: KindTimeout, cause: cause}
}

func NotFound(message string, cause error) APIError {
	return APIError{Code: ErrNotFound, Message: message, Kind: KindValidation, cause: cause}
}

func kindForCode(code ErrorCode) Kind {
	switch code {
	case ErrNotFound, ErrConflict, ErrBadRequest, ErrInvalidInput:
		return KindValidation
	case ErrUnauthorized, ErrForbidden:
		return KindSecurity
	case ErrRateLimited:
		return KindRateLimit
	case ErrQuotaExceeded, ErrUpstream, ErrUpstreamUnavailable:
		return KindUpstreamAPI
	case ErrProcessing, ErrInsufficientFunds:
		return KindProcessing
	case ErrNetwork:
		return KindNetwork
	case ErrTimeout:
		return KindTimeout
	default:
		return KindUnknown
	}
}
