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

package database

import (
	"context"

	"github.com/jerry-enebeli/creditguard/model"
)

// IDataSource is everything the service needs from persistent storage.
type IDataSource interface {
	AccountStore
	account
	Ping(ctx context.Context) error
}

// AccountStore is the authoritative source of balances. It is the only
// dependency the guard and the ledger cache have on storage.
type AccountStore interface {
	// FetchBalance returns the balance of accountID, or a NOT_FOUND APIError.
	FetchBalance(ctx context.Context, accountID string) (int64, error)
	// Adjust applies adj.Delta atomically. A result below zero is rejected
	// with INSUFFICIENT_FUNDS and nothing is written.
	Adjust(ctx context.Context, adj model.Adjustment) (model.Adjustment, error)
}

type account interface {
	CreateAccount(ctx context.Context, account model.Account) (model.Account, error)
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)
	GetAdjustments(ctx context.Context, accountID string, limit, offset int) ([]model.Adjustment, error)
}
