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

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateUUIDWithSuffix(t *testing.T) {
	id := GenerateUUIDWithSuffix("acc")

	require.True(t, strings.HasPrefix(id, "acc_"))
	_, err := uuid.Parse(strings.TrimPrefix(id, "acc_"))
	assert.NoError(t, err)
	assert.NotEqual(t, id, GenerateUUIDWithSuffix("acc"))
}

func TestReceiptFor(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		adj    Adjustment
		amount int64
	}{
		{"debit", Adjustment{AdjustmentID: "adj_1", AccountID: "acc_1", Delta: -5, BalanceBefore: 20, BalanceAfter: 15, CreatedAt: at}, 5},
		{"credit", Adjustment{AdjustmentID: "adj_2", AccountID: "acc_1", Delta: 7, BalanceBefore: 15, BalanceAfter: 22, CreatedAt: at, Replayed: true}, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ReceiptFor(tt.adj)
			assert.Equal(t, tt.amount, r.Amount)
			assert.Equal(t, tt.adj.BalanceBefore, r.BalanceBefore)
			assert.Equal(t, tt.adj.BalanceAfter, r.Balance)
			assert.Equal(t, tt.adj.Replayed, r.Replayed)
			assert.Equal(t, at, r.CreatedAt)
		})
	}
}

func TestWithIdempotencyKey(t *testing.T) {
	original := map[string]interface{}{"endpoint": "/generate"}

	assert.Equal(t, original, WithIdempotencyKey(original, ""))

	out := WithIdempotencyKey(original, "req-1")
	assert.Equal(t, "req-1", out[MetadataIdempotencyKey])
	assert.Equal(t, "/generate", out["endpoint"])
	assert.NotContains(t, original, MetadataIdempotencyKey, "input is not modified")

	assert.Equal(t, map[string]interface{}{MetadataIdempotencyKey: "req-2"}, WithIdempotencyKey(nil, "req-2"))
}
