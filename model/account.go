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

package model

import "time"

// MetadataIdempotencyKey is the metadata entry that makes an adjustment
// safe to replay.
const MetadataIdempotencyKey = "idempotency_key"

// Account holds the authoritative, non-negative credit balance of a user.
type Account struct {
	AccountID string                 `json:"account_id"`
	Balance   int64                  `json:"balance"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	MetaData  map[string]interface{} `json:"meta_data,omitempty"`
}

// Adjustment is one signed change to an account balance. BalanceBefore and
// BalanceAfter are filled in by the store.
type Adjustment struct {
	AdjustmentID   string                 `json:"adjustment_id"`
	AccountID      string                 `json:"account_id"`
	Delta          int64                  `json:"delta"`
	BalanceBefore  int64                  `json:"balance_before"`
	BalanceAfter   int64                  `json:"balance_after"`
	Reason         string                 `json:"reason"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	MetaData       map[string]interface{} `json:"meta_data,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	// Replayed is set when the store returned a previously recorded
	// adjustment for the same idempotency key.
	Replayed bool `json:"replayed,omitempty"`
}

// Charge asks the guard to consume Amount credits from an account on behalf
// of a session.
type Charge struct {
	AccountID      string
	SessionID      string
	Amount         int64
	Endpoint       string
	Reason         string
	IdempotencyKey string
	MetaData       map[string]interface{}
}

// Grant adds credits to an account.
type Grant struct {
	AccountID      string
	Amount         int64
	Reason         string
	IdempotencyKey string
	MetaData       map[string]interface{}
}

// Receipt is what a successful charge or grant returns.
type Receipt struct {
	AdjustmentID  string    `json:"adjustment_id"`
	AccountID     string    `json:"account_id"`
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balance_before"`
	Balance       int64     `json:"balance"`
	Remaining     int       `json:"remaining_requests,omitempty"`
	Replayed      bool      `json:"replayed,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ReceiptFor builds the receipt of a recorded adjustment.
func ReceiptFor(adj Adjustment) Receipt {
	amount := adj.Delta
	if amount < 0 {
		amount = -amount
	}
	return Receipt{
		AdjustmentID:  adj.AdjustmentID,
		AccountID:     adj.AccountID,
		Amount:        amount,
		BalanceBefore: adj.BalanceBefore,
		Balance:       adj.BalanceAfter,
		Replayed:      adj.Replayed,
		CreatedAt:     adj.CreatedAt,
	}
}

// WithIdempotencyKey returns a copy of metadata carrying key, or metadata
// itself when key is empty.
func WithIdempotencyKey(metadata map[string]interface{}, key string) map[string]interface{} {
	if key == "" {
		return metadata
	}
	out := make(map[string]interface{}, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out[MetadataIdempotencyKey] = key
	return out
}
