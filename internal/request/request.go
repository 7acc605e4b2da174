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

// Package request holds the small JSON-over-HTTP helpers used for outbound
// calls such as error notifications.
package request

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jerry-enebeli/creditguard/internal/apierror"
)

const defaultTimeout = 10 * time.Second

var client = &http.Client{Timeout: defaultTimeout}

// ToJsonReq encodes payload as a JSON request body.
func ToJsonReq(payload interface{}) (*bytes.Buffer, error) {
	c, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(c), nil
}

// Call sends req as JSON. Non-2xx answers are returned as upstream errors,
// classified so that callers can decide whether to retry. When response is
// nil the body is discarded; otherwise it is decoded as JSON into response.
func Call(req *http.Request, response interface{}) (*http.Response, error) {
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return resp, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return resp, statusError(resp.StatusCode, body)
	}

	if response == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return resp, err
	}
	return resp, nil
}

func statusError(status int, body []byte) error {
	msg := fmt.Sprintf("upstream responded %d: %s", status, bytes.TrimSpace(body))
	switch {
	case status == http.StatusTooManyRequests:
		return apierror.Upstream(apierror.ErrQuotaExceeded, msg, nil)
	case status >= 500:
		return apierror.Upstream(apierror.ErrUpstreamUnavailable, msg, nil)
	default:
		return apierror.Upstream(apierror.ErrUpstream, msg, nil)
	}
}
