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
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jerry-enebeli/creditguard/internal/apierror"
	"github.com/jerry-enebeli/creditguard/model"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// CreateAccount inserts a new account. An empty AccountID is generated.
func (d Datasource) CreateAccount(ctx context.Context, account model.Account) (model.Account, error) {
	ctx, span := tracer.Start(ctx, "database.CreateAccount")
	defer span.End()

	if account.Balance < 0 {
		return account, apierror.Validation("initial balance cannot be negative")
	}

	metaDataJSON, err := json.Marshal(account.MetaData)
	if err != nil {
		return account, err
	}

	if account.AccountID == "" {
		account.AccountID = model.GenerateUUIDWithSuffix("acc")
	}
	account.CreatedAt = time.Now().UTC()
	account.UpdatedAt = account.CreatedAt

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO creditguard.accounts (account_id, balance, meta_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, account.AccountID, account.Balance, metaDataJSON, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		return account, errors.Wrap(err, "insert account")
	}
	return account, nil
}

// GetAccount returns the account, or a NOT_FOUND APIError.
func (d Datasource) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	ctx, span := tracer.Start(ctx, "database.GetAccount")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT account_id, balance, meta_data, created_at, updated_at
		FROM creditguard.accounts
		WHERE account_id = $1
	`, accountID)

	var (
		account      model.Account
		metaDataJSON []byte
	)
	err := row.Scan(&account.AccountID, &account.Balance, &metaDataJSON, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, accountNotFound(accountID)
		}
		span.RecordError(err)
		return nil, errors.Wrap(err, "get account")
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &account.MetaData); err != nil {
			return nil, err
		}
	}
	return &account, nil
}

func (d Datasource) FetchBalance(ctx context.Context, accountID string) (int64, error) {
	ctx, span := tracer.Start(ctx, "database.FetchBalance", trace.WithAttributes(attribute.String("account.id", accountID)))
	defer span.End()

	var balance int64
	err := d.Conn.QueryRowContext(ctx, `SELECT balance FROM creditguard.accounts WHERE account_id = $1`, accountID).Scan(&balance)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, accountNotFound(accountID)
		}
		span.RecordError(err)
		return 0, errors.Wrapf(err, "fetch balance of %s", accountID)
	}
	return balance, nil
}

// Adjust applies a signed delta under a row lock and records it. When the
// adjustment carries an idempotency key, directly or in its metadata, a key
// seen before returns the recorded adjustment with Replayed set and nothing
// is written. A key recorded for another account or delta is a conflict.
func (d Datasource) Adjust(ctx context.Context, adj model.Adjustment) (model.Adjustment, error) {
	ctx, span := tracer.Start(ctx, "database.Adjust", trace.WithAttributes(
		attribute.String("account.id", adj.AccountID),
		attribute.Int64("delta", adj.Delta),
	))
	defer span.End()

	if adj.IdempotencyKey == "" {
		if key, ok := adj.MetaData[model.MetadataIdempotencyKey].(string); ok {
			adj.IdempotencyKey = key
		}
	}

	metaDataJSON, err := json.Marshal(adj.MetaData)
	if err != nil {
		return adj, err
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return adj, errors.Wrap(err, "begin adjustment")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var before int64
	err = tx.QueryRowContext(ctx, `
		SELECT balance FROM creditguard.accounts WHERE account_id = $1 FOR UPDATE
	`, adj.AccountID).Scan(&before)
	if err != nil {
		if err == sql.ErrNoRows {
			return adj, accountNotFound(adj.AccountID)
		}
		span.RecordError(err)
		return adj, errors.Wrap(err, "lock account")
	}

	if adj.IdempotencyKey != "" {
		recorded, found, err := findAdjustmentByKey(ctx, tx, adj.IdempotencyKey)
		if err != nil {
			span.RecordError(err)
			return adj, err
		}
		if found {
			if recorded.AccountID != adj.AccountID || recorded.Delta != adj.Delta {
				return adj, apierror.NewAPIError(apierror.ErrConflict,
					fmt.Sprintf("idempotency key %s was already used for a different adjustment", adj.IdempotencyKey), nil)
			}
			if err := tx.Commit(); err != nil {
				return adj, errors.Wrap(err, "commit replayed adjustment")
			}
			recorded.Replayed = true
			span.SetAttributes(attribute.Bool("replayed", true))
			return recorded, nil
		}
	}

	after := before + adj.Delta
	if after < 0 {
		return adj, apierror.InsufficientFunds(fmt.Sprintf("insufficient balance: %d available, %d requested", before, -adj.Delta))
	}

	adj.AdjustmentID = model.GenerateUUIDWithSuffix("adj")
	adj.BalanceBefore = before
	adj.BalanceAfter = after
	adj.CreatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE creditguard.accounts SET balance = $1, updated_at = $2 WHERE account_id = $3
	`, after, adj.CreatedAt, adj.AccountID)
	if err != nil {
		span.RecordError(err)
		return adj, errors.Wrap(err, "update balance")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO creditguard.account_adjustments
			(adjustment_id, account_id, delta, balance_before, balance_after, reason, idempotency_key, meta_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, adj.AdjustmentID, adj.AccountID, adj.Delta, adj.BalanceBefore, adj.BalanceAfter, adj.Reason,
		sql.NullString{String: adj.IdempotencyKey, Valid: adj.IdempotencyKey != ""}, metaDataJSON, adj.CreatedAt)
	if err != nil {
		span.RecordError(err)
		return adj, errors.Wrap(err, "record adjustment")
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return adj, errors.Wrap(err, "commit adjustment")
	}
	return adj, nil
}

// GetAdjustments lists the adjustments of an account, newest first.
func (d Datasource) GetAdjustments(ctx context.Context, accountID string, limit, offset int) ([]model.Adjustment, error) {
	ctx, span := tracer.Start(ctx, "database.GetAdjustments")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+adjustmentColumns+`
		FROM creditguard.account_adjustments
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "list adjustments")
	}
	defer rows.Close()

	var adjustments []model.Adjustment
	for rows.Next() {
		adj, err := scanAdjustment(rows)
		if err != nil {
			return nil, err
		}
		adjustments = append(adjustments, adj)
	}
	return adjustments, rows.Err()
}

const adjustmentColumns = `adjustment_id, account_id, delta, balance_before, balance_after, reason, idempotency_key, meta_data, created_at`

func findAdjustmentByKey(ctx context.Context, tx *sql.Tx, key string) (model.Adjustment, bool, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+adjustmentColumns+`
		FROM creditguard.account_adjustments
		WHERE idempotency_key = $1
	`, key)

	adj, err := scanAdjustment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Adjustment{}, false, nil
		}
		return model.Adjustment{}, false, err
	}
	return adj, true, nil
}

func scanAdjustment(row rowScanner) (model.Adjustment, error) {
	var (
		adj          model.Adjustment
		reason       sql.NullString
		key          sql.NullString
		metaDataJSON []byte
	)
	err := row.Scan(&adj.AdjustmentID, &adj.AccountID, &adj.Delta, &adj.BalanceBefore, &adj.BalanceAfter,
		&reason, &key, &metaDataJSON, &adj.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return adj, err
		}
		return adj, errors.Wrap(err, "scan adjustment")
	}
	adj.Reason = reason.String
	adj.IdempotencyKey = key.String
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &adj.MetaData); err != nil {
			return adj, err
		}
	}
	return adj, nil
}

func accountNotFound(accountID string) error {
	return apierror.NotFound(fmt.Sprintf("account with ID '%s' not found", accountID), nil)
}
