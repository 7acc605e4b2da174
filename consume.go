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

package creditguard

import (
	"context"
	"errors"
	"fmt"

	"github.com/jerry-enebeli/creditguard/internal/apierror"
	"github.com/jerry-enebeli/creditguard/internal/retry"
	"github.com/jerry-enebeli/creditguard/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Consume charges charge.Amount credits to the account on behalf of the
// session. The session limit is checked first, then the cached balance, and
// only then is the account store written. A charge the cached balance
// cannot cover never reaches the store.
func (g *Guard) Consume(ctx context.Context, charge model.Charge) (model.Receipt, error) {
	ctx, span := tracer.Start(ctx, "creditguard.Consume", trace.WithAttributes(
		attribute.String("account.id", charge.AccountID),
		attribute.Int64("amount", charge.Amount),
	))
	defer span.End()

	if err := validateAmount(charge.AccountID, charge.Amount); err != nil {
		span.RecordError(err)
		return model.Receipt{}, err
	}

	sessionID := charge.SessionID
	if sessionID == "" {
		sessionID = charge.AccountID
	}
	endpoint := charge.Endpoint
	if endpoint == "" {
		endpoint = "consume"
	}

	if err := g.sessions.CheckLimit(sessionID); err != nil {
		span.RecordError(err)
		return model.Receipt{}, err
	}

	balance, err := g.balances.GetBalance(ctx, charge.AccountID)
	if err != nil {
		return model.Receipt{}, g.failRequest(span, sessionID, endpoint, err)
	}
	if balance < charge.Amount {
		err := apierror.InsufficientFunds(fmt.Sprintf("insufficient balance: %d available, %d requested", balance, charge.Amount))
		return model.Receipt{}, g.failRequest(span, sessionID, endpoint, err)
	}

	recorded, err := g.adjust(ctx, model.Adjustment{
		AccountID:      charge.AccountID,
		Delta:          -charge.Amount,
		Reason:         charge.Reason,
		IdempotencyKey: charge.IdempotencyKey,
		MetaData:       charge.MetaData,
	})
	if err != nil {
		if isInsufficientFunds(err) {
			// the cached balance was ahead of the store
			g.balances.Clear(charge.AccountID)
		}
		return model.Receipt{}, g.failRequest(span, sessionID, endpoint, err)
	}

	g.applyRecorded(ctx, recorded)
	g.sessions.RecordRequest(sessionID, endpoint, true)

	receipt := model.ReceiptFor(recorded)
	receipt.Remaining = g.sessions.Remaining(sessionID)
	return receipt, nil
}

// Credit adds grant.Amount credits to the account.
func (g *Guard) Credit(ctx context.Context, grant model.Grant) (model.Receipt, error) {
	ctx, span := tracer.Start(ctx, "creditguard.Credit", trace.WithAttributes(
		attribute.String("account.id", grant.AccountID),
		attribute.Int64("amount", grant.Amount),
	))
	defer span.End()

	if err := validateAmount(grant.AccountID, grant.Amount); err != nil {
		span.RecordError(err)
		return model.Receipt{}, err
	}

	recorded, err := g.adjust(ctx, model.Adjustment{
		AccountID:      grant.AccountID,
		Delta:          grant.Amount,
		Reason:         grant.Reason,
		IdempotencyKey: grant.IdempotencyKey,
		MetaData:       grant.MetaData,
	})
	if err != nil {
		return model.Receipt{}, g.surface(span, err)
	}

	g.applyRecorded(ctx, recorded)
	return model.ReceiptFor(recorded), nil
}

// adjust writes adj to the store. Only adjustments carrying an idempotency
// key are retried, since replaying a keyless write could apply it twice.
func (g *Guard) adjust(ctx context.Context, adj model.Adjustment) (model.Adjustment, error) {
	if adj.IdempotencyKey == "" {
		if key, ok := adj.MetaData[model.MetadataIdempotencyKey].(string); ok {
			adj.IdempotencyKey = key
		}
	}
	adj.MetaData = model.WithIdempotencyKey(adj.MetaData, adj.IdempotencyKey)

	opts := []retry.PolicyOption{retry.WithOperation("adjust_balance")}
	if adj.IdempotencyKey == "" {
		opts = append(opts, retry.WithMaxAttempts(1))
	}

	op := func(ctx context.Context) (model.Adjustment, error) {
		return g.store.Adjust(ctx, adj)
	}
	if g.timeout > 0 {
		return retry.ExecuteWithTimeout(ctx, g.retrier, g.timeout, op, opts...)
	}
	return retry.Execute(ctx, g.retrier, op, opts...)
}

// applyRecorded moves the cache to the balance the store committed. A
// replayed adjustment reports a historical balance, so the cache is cleared
// instead.
func (g *Guard) applyRecorded(ctx context.Context, recorded model.Adjustment) {
	if recorded.Replayed {
		logrus.WithFields(logrus.Fields{
			"account_id":      recorded.AccountID,
			"adjustment_id":   recorded.AdjustmentID,
			"idempotency_key": recorded.IdempotencyKey,
		}).Info("adjustment replayed")
		g.balances.Clear(recorded.AccountID)
		return
	}
	g.balances.UpdateBalance(ctx, recorded.AccountID, recorded.BalanceAfter)
}

func (g *Guard) failRequest(span trace.Span, sessionID, endpoint string, err error) error {
	g.sessions.RecordRequest(sessionID, endpoint, false)
	return g.surface(span, err)
}

// surface records err on the span and notifies critical failures.
func (g *Guard) surface(span trace.Span, err error) error {
	span.RecordError(err)
	kind, severity := g.classifier.Classify(err)
	span.SetAttributes(
		attribute.String("error.kind", string(kind)),
		attribute.String("error.severity", severity.String()),
	)
	if severity >= apierror.SeverityCritical && g.notify != nil {
		g.notify(err)
	}
	return err
}

func validateAmount(accountID string, amount int64) error {
	if accountID == "" {
		return apierror.Validation("account_id is required")
	}
	if amount <= 0 {
		return apierror.Validation("amount must be greater than zero")
	}
	return nil
}

func isInsufficientFunds(err error) bool {
	var apiErr apierror.APIError
	return errors.As(err, &apiErr) && apiErr.Code == apierror.ErrInsufficientFunds
}
