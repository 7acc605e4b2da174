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
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/jerry-enebeli/creditguard/config"
	"github.com/jerry-enebeli/creditguard/database/mocks"
	"github.com/jerry-enebeli/creditguard/internal/apierror"
	"github.com/jerry-enebeli/creditguard/internal/cache"
	"github.com/jerry-enebeli/creditguard/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type notifications struct {
	mu   sync.Mutex
	errs []error
}

func (n *notifications) notify(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, err)
}

func (n *notifications) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.errs)
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestGuard(t *testing.T, store *mocks.MockDataSource, opts ...Option) (*Guard, *testClock, *notifications) {
	t.Helper()
	clock := newTestClock()
	sent := &notifications{}
	cfg := config.Defaults()
	cfg.Retry.TimeoutMs = 0

	opts = append([]Option{WithClock(clock.Now), WithSleep(noSleep), WithNotifier(sent.notify)}, opts...)
	g, err := NewGuard(store, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g, clock, sent
}

func committed(accountID string, delta, before int64) model.Adjustment {
	return model.Adjustment{
		AdjustmentID:  gofakeit.UUID(),
		AccountID:     accountID,
		Delta:         delta,
		BalanceBefore: before,
		BalanceAfter:  before + delta,
		CreatedAt:     time.Now(),
	}
}

func TestNewGuard_RequiresStore(t *testing.T) {
	_, err := NewGuard(nil, nil)
	assert.Error(t, err)
}

func TestConsume(t *testing.T) {
	ctx := context.Background()
	accountID := gofakeit.UUID()
	store := new(mocks.MockDataSource)
	store.On("FetchBalance", mock.Anything, accountID).Return(int64(20), nil).Once()
	store.On("Adjust", mock.Anything, mock.MatchedBy(func(adj model.Adjustment) bool {
		return adj.AccountID == accountID && adj.Delta == -5 && adj.Reason == "image generation"
	})).Return(committed(accountID, -5, 20), nil).Once()

	g, _, _ := newTestGuard(t, store)

	var seen []int64
	unsubscribe := g.Subscribe(accountID, func(balance int64) { seen = append(seen, balance) })
	defer unsubscribe()

	receipt, err := g.Consume(ctx, model.Charge{
		AccountID: accountID,
		SessionID: "sess_1",
		Amount:    5,
		Endpoint:  "/generate",
		Reason:    "image generation",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), receipt.Amount)
	assert.Equal(t, int64(15), receipt.Balance)
	assert.Equal(t, 9, receipt.Remaining)

	balance, err := g.Balance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(15), balance)
	assert.Equal(t, []int64{20, 15}, seen)

	snap, ok := g.Sessions().Session("sess_1")
	require.True(t, ok)
	require.Len(t, snap.History, 1)
	assert.True(t, snap.History[0].Success)
	assert.Equal(t, "/generate", snap.History[0].Endpoint)

	store.AssertExpectations(t)
}

func TestConsume_InsufficientCachedBalanceSkipsStore(t *testing.T) {
	accountID := gofakeit.UUID()
	store := new(mocks.MockDataSource)
	store.On("FetchBalance", mock.Anything, accountID).Return(int64(3), nil).Once()

	g, _, sent := newTestGuard(t, store)

	_, err := g.Consume(context.Background(), model.Charge{AccountID: accountID, SessionID: "sess_1", Amount: 5})
	require.Error(t, err)

	var apiErr apierror.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierror.ErrInsufficientFunds, apiErr.Code)
	assert.Equal(t, apierror.KindProcessing, apiErr.Kind)

	store.AssertNotCalled(t, "Adjust", mock.Anything, mock.Anything)
	assert.Equal(t, 0, sent.count())

	snap, ok := g.Sessions().Session("sess_1")
	require.True(t, ok)
	require.Len(t, snap.History, 1)
	assert.False(t, snap.History[0].Success)
}

func TestConsume_StoreRejectsClearsCache(t *testing.T) {
	ctx := context.Background()
	accountID := gofakeit.UUID()
	store := new(mocks.MockDataSource)
	store.On("FetchBalance", mock.Anything, accountID).Return(int64(10), nil).Once()
	store.On("Adjust", mock.Anything, mock.Anything).
		Return(model.Adjustment{}, apierror.InsufficientFunds("insufficient balance: 2 available, 5 requested")).Once()
	store.On("FetchBalance", mock.Anything, accountID).Return(int64(2), nil).Once()

	g, _, _ := newTestGuard(t, store)

	_, err := g.Consume(ctx, model.Charge{AccountID: accountID, Amount: 5})
	require.Error(t, err)

	balance, err := g.Balance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance)
	store.AssertExpectations(t)
}

func TestConsume_RateLimited(t *testing.T) {
	accountID := gofakeit.UUID()
	store := new(mocks.MockDataSource)
	store.On("FetchBalance", mock.Anything, accountID).Return(int64(1000), nil).Once()
	store.On("Adjust", mock.Anything, mock.Anything).Return(committed(accountID, -1, 1000), nil)

	g, clock, _ := newTestGuard(t, store)
	charge := model.Charge{AccountID: accountID, SessionID: "sess_1", Amount: 1}

	for i := 0; i < 10; i++ {
		_, err := g.Consume(context.Background(), charge)
		require.NoError(t, err, "request %d", i+1)
	}

	_, err := g.Consume(context.Background(), charge)
	var apiErr apierror.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierror.KindRateLimit, apiErr.Kind)
	assert.Equal(t, 60, apiErr.RetryAfter)
	store.AssertNumberOfCalls(t, "Adjust", 10)

	clock.Advance(time.Minute)
	assert.NoError(t, g.CheckSession("sess_1"))
}

func TestConsume_Validation(t *testing.T) {
	store := new(mocks.MockDataSource)
	g, _, _ := newTestGuard(t, store)

	_, err := g.Consume(context.Background(), model.Charge{AccountID: "acc_1", Amount: 0})
	assert.Equal(t, apierror.KindValidation, g.Classifier().Record(err).Kind)

	_, err = g.Consume(context.Background(), model.Charge{Amount: 1})
	assert.Equal(t, apierror.KindValidation, g.Classifier().Record(err).Kind)

	store.AssertNotCalled(t, "FetchBalance", mock.Anything, mock.Anything)
}

func TestConsume_KeylessAdjustIsNotRetried(t *testing.T) {
	accountID := gofakeit.UUID()
	store := new(mocks.MockDataSource)
	store.On("FetchBalance", mock.Anything, accountID).Return(int64(10), nil).Once()
	store.On("Adjust", mock.Anything, mock.Anything).Return(model.Adjustment{}, apierror.Network("connection reset by peer", nil)).Once()

	g, _, _ := newTestGuard(t, store)

	_, err := g.Consume(context.Background(), model.Charge{AccountID: accountID, Amount: 1})
	require.Error(t, err)
	store.AssertNumberOfCalls(t, "Adjust", 1)
}

func TestConsume_KeyedAdjustIsRetried(t *testing.T) {
	accountID := gofakeit.UUID()
	store := new(mocks.MockDataSource)
	store.On("FetchBalance", mock.Anything, accountID).Return(int64(10), nil).Once()
	store.On("Adjust", mock.Anything, mock.MatchedBy(func(adj model.Adjustment) bool {
		return adj.IdempotencyKey == "req-42" && adj.MetaData[model.MetadataIdempotencyKey] == "req-42"
	})).Return(model.Adjustment{}, apierror.Network("connection reset by peer", nil)).Once()
	store.On("Adjust", mock.Anything, mock.Anything).Return(committed(accountID, -4, 10), nil).Once()

	g, _, _ := newTestGuard(t, store)

	receipt, err := g.Consume(context.Background(), model.Charge{AccountID: accountID, Amount: 4, IdempotencyKey: "req-42"})
	require.NoError(t, err)
	assert.Equal(t, int64(6), receipt.Balance)
	store.AssertNumberOfCalls(t, "Adjust", 2)
}

func TestConsume_ReplayClearsCache(t *testing.T) {
	ctx := context.Background()
	accountID := gofakeit.UUID()
	replayed := committed(accountID, -4, 10)
	replayed.Replayed = true

	store := new(mocks.MockDataSource)
	store.On("FetchBalance", mock.Anything, accountID).Return(int64(6), nil).Twice()
	store.On("Adjust", mock.Anything, mock.Anything).Return(replayed, nil).Once()

	g, _, _ := newTestGuard(t, store)

	receipt, err := g.Consume(ctx, model.Charge{AccountID: accountID, Amount: 4, IdempotencyKey: "req-42"})
	require.NoError(t, err)
	assert.True(t, receipt.Replayed)

	balance, err := g.Balance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), balance)
	store.AssertNumberOfCalls(t, "FetchBalance", 2)
}

func TestConsume_CriticalFailureNotifies(t *testing.T) {
	accountID := gofakeit.UUID()
	store := new(mocks.MockDataSource)
	store.On("FetchBalance", mock.Anything, accountID).Return(int64(10), nil).Once()
	critical := apierror.Processing(apierror.ErrProcessing, "ledger write lost").WithSeverity(apierror.SeverityCritical)
	store.On("Adjust", mock.Anything, mock.Anything).Return(model.Adjustment{}, critical).Once()

	g, _, sent := newTestGuard(t, store)

	_, err := g.Consume(context.Background(), model.Charge{AccountID: accountID, Amount: 1})
	require.Error(t, err)
	assert.Equal(t, 1, sent.count())
}

func TestConsume_StoreTimeout(t *testing.T) {
	accountID := gofakeit.UUID()
	store := new(mocks.MockDataSource)
	store.On("FetchBalance", mock.Anything, accountID).Return(int64(10), nil).Once()
	store.On("Adjust", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(model.Adjustment{}, context.DeadlineExceeded).Once()

	cfg := config.Defaults()
	cfg.Retry.TimeoutMs = 20
	g, err := NewGuard(store, cfg, WithSleep(noSleep), WithNotifier(func(error) {}))
	require.NoError(t, err)
	defer g.Close()

	_, err = g.Consume(context.Background(), model.Charge{AccountID: accountID, Amount: 1})
	var apiErr apierror.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierror.ErrTimeout, apiErr.Code)
}

func TestCredit(t *testing.T) {
	ctx := context.Background()
	accountID := gofakeit.UUID()
	store := new(mocks.MockDataSource)
	store.On("Adjust", mock.Anything, mock.MatchedBy(func(adj model.Adjustment) bool {
		return adj.Delta == 50 && adj.Reason == "top up"
	})).Return(committed(accountID, 50, 10), nil).Once()

	g, _, _ := newTestGuard(t, store)

	receipt, err := g.Credit(ctx, model.Grant{AccountID: accountID, Amount: 50, Reason: "top up"})
	require.NoError(t, err)
	assert.Equal(t, int64(60), receipt.Balance)

	balance, err := g.Balance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), balance)
	store.AssertNotCalled(t, "FetchBalance", mock.Anything, mock.Anything)
}

func TestCredit_RejectsNonPositive(t *testing.T) {
	store := new(mocks.MockDataSource)
	g, _, _ := newTestGuard(t, store)

	_, err := g.Credit(context.Background(), model.Grant{AccountID: "acc_1", Amount: -5})
	assert.Error(t, err)
	store.AssertNotCalled(t, "Adjust", mock.Anything, mock.Anything)
}

func TestBalanceCaching(t *testing.T) {
	ctx := context.Background()
	accountID := gofakeit.UUID()
	store := new(mocks.MockDataSource)
	store.On("FetchBalance", mock.Anything, accountID).Return(int64(20), nil).Once()
	store.On("FetchBalance", mock.Anything, accountID).Return(int64(25), nil).Once()
	store.On("FetchBalance", mock.Anything, accountID).Return(int64(30), nil).Once()

	g, clock, _ := newTestGuard(t, store)

	balance, err := g.Balance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance)

	clock.Advance(59 * time.Second)
	balance, err = g.Balance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance)

	balance, err = g.RefreshBalance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), balance)

	g.InvalidateBalance("")
	balance, err = g.Balance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)

	store.AssertExpectations(t)
}

func TestCheckIP(t *testing.T) {
	store := new(mocks.MockDataSource)
	g, _, _ := newTestGuard(t, store)

	addr := gofakeit.IPv4Address() + ":5123"
	for i := 0; i < 10; i++ {
		require.NoError(t, g.CheckIP(addr))
		g.IPs().RecordRequest(addr, "/balances", true)
	}
	assert.Error(t, g.CheckIP(addr))
	assert.NoError(t, g.CheckSession("other"))
}

func TestSharedTier(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	shared := cache.NewWithClient(client, 0)

	accountID := gofakeit.UUID()
	first := new(mocks.MockDataSource)
	first.On("FetchBalance", mock.Anything, accountID).Return(int64(42), nil).Once()
	g1, _, _ := newTestGuard(t, first, WithSharedCache(shared))

	balance, err := g1.Balance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), balance)

	second := new(mocks.MockDataSource)
	g2, _, _ := newTestGuard(t, second, WithSharedCache(shared))

	balance, err = g2.Balance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), balance)
	second.AssertNotCalled(t, "FetchBalance", mock.Anything, mock.Anything)

	first.On("FetchBalance", mock.Anything, accountID).Return(int64(50), nil).Once()
	g1.InvalidateBalance("")
	balance, err = g1.Balance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance, "clearing every balance ignores the shared tier")
	first.AssertExpectations(t)
}

func TestStartAndClose(t *testing.T) {
	store := new(mocks.MockDataSource)
	g, err := NewGuard(store, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Start(ctx)
	assert.NoError(t, g.Close())
}
