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

package apierror

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"time"
)

var defaultSeverity = map[Kind]Severity{
	KindValidation:  SeverityLow,
	KindSecurity:    SeverityHigh,
	KindRateLimit:   SeverityMedium,
	KindUpstreamAPI: SeverityMedium,
	KindProcessing:  SeverityLow,
	KindNetwork:     SeverityMedium,
	KindTimeout:     SeverityMedium,
	KindUnknown:     SeverityMedium,
}

// Markers used to recognise failures that arrive as plain strings.
var (
	timeoutMarkers = []string{"timeout", "timed out", "etimedout", "deadline exceeded"}
	networkMarkers = []string{"econnreset", "econnrefused", "enotfound", "econnaborted", "epipe", "connection", "network", "socket hang up", "broken pipe"}

	// retryKeywords is the loose last-resort check for unstructured failures.
	retryKeywords = []string{"network", "timeout", "connection", "reset", "refused"}
)

// Classifier maps arbitrary failures onto the taxonomy. It has no side effects.
type Classifier struct {
	retryableKinds map[Kind]struct{}
	retryableCodes map[ErrorCode]struct{}
	now            func() time.Time
}

type Option func(*Classifier)

// WithRetryableKinds replaces the default retryable kinds (network, timeout).
func WithRetryableKinds(kinds ...Kind) Option {
	return func(c *Classifier) {
		c.retryableKinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			c.retryableKinds[k] = struct{}{}
		}
	}
}

// WithRetryableCodes adds machine codes that are always retried.
func WithRetryableCodes(codes ...ErrorCode) Option {
	return func(c *Classifier) {
		for _, code := range codes {
			c.retryableCodes[code] = struct{}{}
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Classifier) {
		c.now = now
	}
}

func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{
		retryableKinds: map[Kind]struct{}{
			KindNetwork: {},
			KindTimeout: {},
		},
		retryableCodes: map[ErrorCode]struct{}{
			ErrNetwork:             {},
			ErrTimeout:             {},
			ErrUpstreamUnavailable: {},
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Default is a classifier with the stock retry rules.
var Default = NewClassifier()

// Classify returns the kind and effective severity of err.
func (c *Classifier) Classify(err error) (Kind, Severity) {
	rec := c.Record(err)
	return rec.Kind, rec.Severity
}

// Record returns the error record for err with kind, code and severity filled in.
// Errors that are not an APIError are inferred from their type and message.
func (c *Classifier) Record(err error) APIError {
	if err == nil {
		return APIError{}
	}

	var apiErr APIError
	if errors.As(err, &apiErr) {
		if apiErr.Kind == "" {
			apiErr.Kind = kindForCode(apiErr.Code)
		}
		if apiErr.Code == "" {
			apiErr.Code = codeForKind(apiErr.Kind)
		}
		if apiErr.Severity == 0 {
			apiErr.Severity = severityFor(apiErr.Kind, apiErr.Code)
		}
		return apiErr
	}

	kind := inferKind(err)
	return APIError{
		Code:     codeForKind(kind),
		Message:  err.Error(),
		Kind:     kind,
		Severity: severityFor(kind, ""),
		cause:    err,
	}
}

// IsRetryable reports whether err is worth another attempt. Rate limit failures
// never are; otherwise the kind, the code and finally the message are checked.
func (c *Classifier) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	rec := c.Record(err)
	if isRateLimit(rec) {
		return false
	}
	if _, ok := c.retryableKinds[rec.Kind]; ok {
		return true
	}
	if _, ok := c.retryableCodes[rec.Code]; ok {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, keyword := range retryKeywords {
		if strings.Contains(msg, keyword) {
			return true
		}
	}
	return false
}

func isRateLimit(rec APIError) bool {
	return rec.Kind == KindRateLimit || rec.Code == ErrRateLimited || rec.Code == ErrQuotaExceeded
}

func inferKind(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	if containsAny(msg, timeoutMarkers) {
		return KindTimeout
	}
	if containsAny(msg, networkMarkers) {
		return KindNetwork
	}
	return KindUnknown
}

func severityFor(kind Kind, code ErrorCode) Severity {
	if kind == KindSecurity && code == ErrRateLimited {
		return SeverityMedium
	}
	if s, ok := defaultSeverity[kind]; ok {
		return s
	}
	return SeverityMedium
}

func codeForKind(kind Kind) ErrorCode {
	switch kind {
	case KindValidation:
		return ErrInvalidInput
	case KindSecurity:
		return ErrForbidden
	case KindRateLimit:
		return ErrRateLimited
	case KindUpstreamAPI:
		return ErrUpstream
	case KindProcessing:
		return ErrProcessing
	case KindNetwork:
		return ErrNetwork
	case KindTimeout:
		return ErrTimeout
	default:
		return ErrUnknown
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
