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
	"net/http"
	"time"
)

// StandardResponse is the failure body handed to callers.
type StandardResponse struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Kind       Kind      `json:"kind"`
	Severity   Severity  `json:"severity"`
	Timestamp  string    `json:"timestamp"`
	RetryAfter *int      `json:"retry_after,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
}

// ResponseContext carries request-scoped values copied into a response.
type ResponseContext struct {
	RequestID string
}

var userMessages = map[Kind]string{
	KindValidation:  "The request is invalid. Please check your input and try again.",
	KindSecurity:    "You are not allowed to perform this action.",
	KindRateLimit:   "Too many requests. Please slow down and try again later.",
	KindUpstreamAPI: "An upstream service is currently unavailable. Please try again later.",
	KindProcessing:  "The request could not be processed.",
	KindNetwork:     "A network error occurred. Please try again.",
	KindTimeout:     "The request timed out. Please try again.",
	KindUnknown:     "An unexpected error occurred. Please try again later.",
}

// Kinds whose own message is written for the caller.
var safeMessageKinds = map[Kind]bool{
	KindValidation: true,
	KindSecurity:   true,
	KindRateLimit:  true,
	KindProcessing: true,
}

var kindStatus = map[Kind]int{
	KindValidation:  http.StatusBadRequest,
	KindSecurity:    http.StatusForbidden,
	KindRateLimit:   http.StatusTooManyRequests,
	KindUpstreamAPI: http.StatusBadGateway,
	KindProcessing:  http.StatusUnprocessableEntity,
	KindNetwork:     http.StatusBadGateway,
	KindTimeout:     http.StatusGatewayTimeout,
	KindUnknown:     http.StatusInternalServerError,
}

// Codes that pin a status regardless of kind.
var codeStatus = map[ErrorCode]int{
	ErrNotFound:       http.StatusNotFound,
	ErrConflict:       http.StatusConflict,
	ErrUnauthorized:   http.StatusUnauthorized,
	ErrRateLimited:    http.StatusTooManyRequests,
	ErrQuotaExceeded:  http.StatusTooManyRequests,
	ErrInternalServer: http.StatusInternalServerError,
}

// ToResponse turns err into the standardized failure body. Raw messages of
// internal kinds are replaced with a generic text.
func (c *Classifier) ToResponse(err error, rc ResponseContext) StandardResponse {
	rec := c.Record(err)

	message := userMessages[rec.Kind]
	if safeMessageKinds[rec.Kind] && rec.Message != "" {
		message = rec.Message
	}
	if message == "" {
		message = userMessages[KindUnknown]
	}

	resp := StandardResponse{
		Code:      rec.Code,
		Message:   message,
		Kind:      rec.Kind,
		Severity:  rec.Severity,
		Timestamp: c.now().UTC().Format(time.RFC3339),
		RequestID: rc.RequestID,
	}
	if isRateLimit(rec) && rec.RetryAfter > 0 {
		retryAfter := rec.RetryAfter
		resp.RetryAfter = &retryAfter
	}
	return resp
}

// StatusFor derives the HTTP status code for a response.
func StatusFor(resp StandardResponse) int {
	if status, ok := codeStatus[resp.Code]; ok {
		return status
	}
	if status, ok := kindStatus[resp.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// MapErrorToHTTPStatus classifies err with the default classifier and returns its status.
func MapErrorToHTTPStatus(err error) int {
	return StatusFor(Default.ToResponse(err, ResponseContext{}))
}
