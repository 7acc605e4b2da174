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

// Package ledgercache keeps a short lived copy of account balances so that
// hot paths do not hit the account store on every request.
//
// Concurrent reads of the same account share one load. Clear detaches any
// load in flight: its result is returned to the callers already waiting on it
// but is neither cached nor broadcast. Shared tier snapshots fetched before a
// clear are ignored by this cache.
package ledgercache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jerry-enebeli/creditguard/config"
	"github.com/jerry-enebeli/creditguard/internal/apierror"
	"github.com/jerry-enebeli/creditguard/internal/cache"
	"github.com/jerry-enebeli/creditguard/internal/retry"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("creditguard.ledgercache")

const sharedKeyPrefix = "creditguard:balance:"

// Loader reads the authoritative balance of an account.
type Loader interface {
	FetchBalance(ctx context.Context, accountID string) (int64, error)
}

type LoaderFunc func(ctx context.Context, accountID string) (int64, error)

func (f LoaderFunc) FetchBalance(ctx context.Context, accountID string) (int64, error) {
	return f(ctx, accountID)
}

type Options struct {
	TTL time.Duration
	// FailurePolicy is config.FailurePolicyRetain or config.FailurePolicyZero.
	FailurePolicy string
	// Shared is consulted before the loader and written after it. Optional.
	Shared cache.Cache
	// Retrier wraps every load when set.
	Retrier    *retry.Retrier
	Classifier *apierror.Classifier
	Now        func() time.Time
}

// OptionsFromConfig maps the ledger cache section of the configuration.
func OptionsFromConfig(cfg config.LedgerCacheConfig) Options {
	return Options{
		TTL:           cfg.TTL(),
		FailurePolicy: cfg.FailurePolicy,
	}
}

type entry struct {
	value     int64
	fetchedAt time.Time
	// degraded entries hold a fallback after a failed load and are never fresh.
	degraded bool
}

// token identifies the cache state a load was started against.
type token struct {
	epoch uint64
	gen   uint64
}

type sharedBalance struct {
	Value     int64     `json:"value"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Cache is safe for concurrent use.
type Cache struct {
	loader     Loader
	ttl        time.Duration
	zeroOnFail bool
	shared     cache.Cache
	retrier    *retry.Retrier
	classifier *apierror.Classifier
	now        func() time.Time

	group singleflight.Group

	mu          sync.Mutex
	entries     map[string]*entry
	generations map[string]uint64
	seq         uint64
	epoch       uint64
	subscribers map[string][]*subscriber
	// deliveries serialises balance changes of one account with their
	// delivery to subscribers.
	deliveries map[string]*sync.Mutex

	// clearedAt and clearedAllAt bound the shared snapshots still usable.
	clearedAt    map[string]time.Time
	clearedAllAt time.Time
}

func New(loader Loader, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	if opts.Classifier == nil {
		opts.Classifier = apierror.Default
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		loader:      loader,
		ttl:         opts.TTL,
		zeroOnFail:  opts.FailurePolicy == config.FailurePolicyZero,
		shared:      opts.Shared,
		retrier:     opts.Retrier,
		classifier:  opts.Classifier,
		now:         opts.Now,
		entries:     make(map[string]*entry),
		generations: make(map[string]uint64),
		subscribers: make(map[string][]*subscriber),
		deliveries:  make(map[string]*sync.Mutex),
		clearedAt:   make(map[string]time.Time),
	}
}

// GetBalance returns the cached balance while it is fresh and loads it
// otherwise. On a failed load the error is returned together with the
// fallback value dictated by the failure policy.
func (c *Cache) GetBalance(ctx context.Context, accountID string) (int64, error) {
	c.mu.Lock()
	if e, ok := c.entries[accountID]; ok && c.freshLocked(e) {
		v := e.value
		c.mu.Unlock()
		return v, nil
	}
	tok := c.tokenLocked(accountID)
	c.mu.Unlock()

	return c.load(ctx, accountID, tok, false)
}

// Refresh loads the balance from the account store even when the cached one
// is still fresh. The shared tier is not read.
func (c *Cache) Refresh(ctx context.Context, accountID string) (int64, error) {
	c.mu.Lock()
	tok := c.tokenLocked(accountID)
	c.mu.Unlock()

	return c.load(ctx, accountID, tok, true)
}

// UpdateBalance records an authoritative balance, such as the result of a
// store adjustment, and notifies subscribers. Loads already in flight are
// detached so they cannot overwrite it.
func (c *Cache) UpdateBalance(ctx context.Context, accountID string, balance int64) {
	if balance < 0 {
		balance = 0
	}
	d := c.deliveryLock(accountID)
	d.Lock()
	defer d.Unlock()

	now := c.now()
	c.mu.Lock()
	c.bumpLocked(accountID)
	c.entries[accountID] = &entry{value: balance, fetchedAt: now}
	subs := c.subscribersLocked(accountID)
	c.mu.Unlock()

	c.writeShared(ctx, accountID, balance, now)
	notify(accountID, subs, balance)
}

// Deduct lowers the cached balance by amount without touching the store. It
// floors at zero and does nothing when no balance is cached or amount is
// negative. The returned flag reports whether a cached balance was changed.
func (c *Cache) Deduct(accountID string, amount int64) (int64, bool) {
	if amount < 0 {
		return c.unchanged(accountID)
	}
	return c.adjustLocal(accountID, -amount)
}

// Add raises the cached balance by amount without touching the store. A
// negative amount is ignored.
func (c *Cache) Add(accountID string, amount int64) (int64, bool) {
	if amount < 0 {
		return c.unchanged(accountID)
	}
	return c.adjustLocal(accountID, amount)
}

func (c *Cache) unchanged(accountID string) (int64, bool) {
	v, _ := c.Peek(accountID)
	return v, false
}

func (c *Cache) adjustLocal(accountID string, delta int64) (int64, bool) {
	d := c.deliveryLock(accountID)
	d.Lock()
	defer d.Unlock()

	c.mu.Lock()
	e, ok := c.entries[accountID]
	if !ok {
		c.mu.Unlock()
		return 0, false
	}
	v := e.value + delta
	if v < 0 {
		v = 0
	}
	c.entries[accountID] = &entry{value: v, fetchedAt: e.fetchedAt, degraded: e.degraded}
	subs := c.subscribersLocked(accountID)
	c.mu.Unlock()

	notify(accountID, subs, v)
	return v, true
}

// Clear forgets the cached balance and detaches any load in flight. Shared
// tier snapshots fetched up to now are no longer used, so the next load reads
// the store. Clearing twice is the same as clearing once.
func (c *Cache) Clear(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, accountID)
	c.bumpLocked(accountID)
	if c.shared != nil {
		c.clearedAt[accountID] = c.now()
	}
}

// ClearAll forgets every cached balance and detaches every load in flight.
// Shared tier entries stay for other instances but this cache ignores the
// ones fetched before the call.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	c.epoch = c.seq
	c.entries = make(map[string]*entry)
	c.generations = make(map[string]uint64)
	if c.shared != nil {
		c.clearedAllAt = c.now()
		c.clearedAt = make(map[string]time.Time)
	}
}

// Peek returns the last known balance without loading or checking freshness.
func (c *Cache) Peek(accountID string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[accountID]
	if !ok {
		return 0, false
	}
	return e.value, true
}

func (c *Cache) freshLocked(e *entry) bool {
	return !e.degraded && c.now().Sub(e.fetchedAt) < c.ttl
}

func (c *Cache) tokenLocked(accountID string) token {
	return token{epoch: c.epoch, gen: c.generations[accountID]}
}

func (c *Cache) currentLocked(accountID string, tok token) bool {
	return c.tokenLocked(accountID) == tok
}

func (c *Cache) bumpLocked(accountID string) {
	c.seq++
	c.generations[accountID] = c.seq
}

func (c *Cache) load(ctx context.Context, accountID string, tok token, refresh bool) (int64, error) {
	key := fmt.Sprintf("%s#%d.%d", accountID, tok.epoch, tok.gen)

	// The shared load outlives any single caller.
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.fetch(loadCtx, accountID, tok, refresh)
	})

	select {
	case res := <-ch:
		v, _ := res.Val.(int64)
		return v, res.Err
	case <-ctx.Done():
		v, _ := c.Peek(accountID)
		return v, ctx.Err()
	}
}

func (c *Cache) fetch(ctx context.Context, accountID string, tok token, refresh bool) (int64, error) {
	ctx, span := tracer.Start(ctx, "ledgercache.load", trace.WithAttributes(
		attribute.String("account.id", accountID),
		attribute.Bool("refresh", refresh),
	))
	defer span.End()

	if c.shared != nil && !refresh {
		if snap, ok := c.readShared(ctx, accountID); ok && c.usableShared(accountID, snap) {
			span.SetAttributes(attribute.Bool("shared_hit", true))
			return c.commit(ctx, accountID, tok, snap.Value, snap.FetchedAt, false), nil
		}
	}

	balance, err := c.fetchFromStore(ctx, accountID)
	if err != nil {
		span.RecordError(err)
		return c.fail(accountID, tok, err), errors.Wrapf(err, "load balance for %s", accountID)
	}
	span.SetAttributes(attribute.Int64("balance", balance))
	return c.commit(ctx, accountID, tok, balance, c.now(), c.shared != nil), nil
}

func (c *Cache) fetchFromStore(ctx context.Context, accountID string) (int64, error) {
	fetch := func(ctx context.Context) (int64, error) {
		return c.loader.FetchBalance(ctx, accountID)
	}

	var (
		balance int64
		err     error
	)
	if c.retrier != nil {
		balance, err = retry.Execute(ctx, c.retrier, fetch, retry.WithOperation("fetch_balance"))
	} else {
		balance, err = fetch(ctx)
	}

	if err != nil {
		var apiErr apierror.APIError
		if errors.As(err, &apiErr) && apiErr.Code == apierror.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	if balance < 0 {
		balance = 0
	}
	return balance, nil
}

// commit caches a loaded balance and notifies subscribers, unless the load
// was detached while in flight.
func (c *Cache) commit(ctx context.Context, accountID string, tok token, balance int64, fetchedAt time.Time, writeShared bool) int64 {
	d := c.deliveryLock(accountID)
	d.Lock()
	defer d.Unlock()

	c.mu.Lock()
	if !c.currentLocked(accountID, tok) {
		c.mu.Unlock()
		logrus.WithField("account_id", accountID).Debug("discarding balance from detached load")
		return balance
	}
	c.entries[accountID] = &entry{value: balance, fetchedAt: fetchedAt}
	subs := c.subscribersLocked(accountID)
	c.mu.Unlock()

	if writeShared {
		c.writeShared(ctx, accountID, balance, fetchedAt)
	}
	notify(accountID, subs, balance)
	return balance
}

// fail applies the failure policy and returns the fallback balance.
func (c *Cache) fail(accountID string, tok token, err error) int64 {
	kind, severity := c.classifier.Classify(err)
	logrus.WithFields(logrus.Fields{
		"account_id": accountID,
		"kind":       kind,
		"severity":   severity.String(),
		"error":      err.Error(),
	}).Error("failed to load balance")

	d := c.deliveryLock(accountID)
	d.Lock()
	defer d.Unlock()

	c.mu.Lock()
	if !c.currentLocked(accountID, tok) {
		defer c.mu.Unlock()
		if e, ok := c.entries[accountID]; ok {
			return e.value
		}
		return 0
	}

	if c.zeroOnFail {
		c.entries[accountID] = &entry{value: 0, fetchedAt: c.now(), degraded: true}
		subs := c.subscribersLocked(accountID)
		c.mu.Unlock()
		notify(accountID, subs, 0)
		return 0
	}

	defer c.mu.Unlock()
	e, ok := c.entries[accountID]
	if !ok {
		return 0
	}
	c.entries[accountID] = &entry{value: e.value, fetchedAt: e.fetchedAt, degraded: true}
	return e.value
}

// usableShared reports whether a shared snapshot is within the ttl and was
// fetched after the last clear of the account.
func (c *Cache) usableShared(accountID string, snap sharedBalance) bool {
	now := c.now()
	if now.Sub(snap.FetchedAt) >= c.ttl {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !snap.FetchedAt.After(c.clearedAllAt) {
		return false
	}
	cleared, ok := c.clearedAt[accountID]
	if !ok {
		return true
	}
	if now.Sub(cleared) >= c.ttl {
		// every snapshot older than this clear has expired
		delete(c.clearedAt, accountID)
		return true
	}
	return snap.FetchedAt.After(cleared)
}

func (c *Cache) deliveryLock(accountID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.deliveries[accountID]
	if !ok {
		d = &sync.Mutex{}
		c.deliveries[accountID] = d
	}
	return d
}

func (c *Cache) readShared(ctx context.Context, accountID string) (sharedBalance, bool) {
	var snap sharedBalance
	err := c.shared.Get(ctx, sharedKeyPrefix+accountID, &snap)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			logrus.WithFields(logrus.Fields{
				"account_id": accountID,
				"error":      err.Error(),
			}).Warn("shared balance tier unavailable, reading from store")
		}
		return sharedBalance{}, false
	}
	return snap, true
}

func (c *Cache) writeShared(ctx context.Context, accountID string, balance int64, fetchedAt time.Time) {
	if c.shared == nil {
		return
	}
	ttl := c.ttl - c.now().Sub(fetchedAt)
	if ttl <= 0 {
		return
	}
	err := c.shared.Set(ctx, sharedKeyPrefix+accountID, sharedBalance{Value: balance, FetchedAt: fetchedAt}, ttl)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"account_id": accountID,
			"error":      err.Error(),
		}).Warn("failed to write shared balance")
	}
}
