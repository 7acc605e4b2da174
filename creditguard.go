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
	"embed"
	"errors"
	"time"

	"github.com/jerry-enebeli/creditguard/config"
	"github.com/jerry-enebeli/creditguard/database"
	"github.com/jerry-enebeli/creditguard/internal/apierror"
	"github.com/jerry-enebeli/creditguard/internal/cache"
	"github.com/jerry-enebeli/creditguard/internal/ledgercache"
	"github.com/jerry-enebeli/creditguard/internal/notification"
	"github.com/jerry-enebeli/creditguard/internal/ratelimit"
	"github.com/jerry-enebeli/creditguard/internal/retry"
	"go.opentelemetry.io/otel"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

var tracer = otel.Tracer("creditguard")

// Guard meters credit consumption. It owns the balance cache, the session
// and IP rate limiters, the retry engine and the error classifier, and
// composes them around an external account store.
type Guard struct {
	store      database.AccountStore
	classifier *apierror.Classifier
	retrier    *retry.Retrier
	balances   *ledgercache.Cache
	sessions   *ratelimit.Limiter
	ips        *ratelimit.IPLimiter
	timeout    time.Duration
	notify     func(error)

	shared cache.Cache
	closer func() error
}

type guardOptions struct {
	now        func() time.Time
	sleep      retry.SleepFunc
	shared     cache.Cache
	notify     func(error)
	classifier *apierror.Classifier
}

type Option func(*guardOptions)

// WithClock replaces the wall clock of the cache, the limiters and the classifier.
func WithClock(now func() time.Time) Option {
	return func(o *guardOptions) {
		o.now = now
	}
}

// WithSleep replaces how the retry engine waits between attempts.
func WithSleep(sleep retry.SleepFunc) Option {
	return func(o *guardOptions) {
		o.sleep = sleep
	}
}

// WithSharedCache sets the shared balance tier instead of connecting to the
// configured Redis deployment.
func WithSharedCache(c cache.Cache) Option {
	return func(o *guardOptions) {
		o.shared = c
	}
}

// WithNotifier replaces the handler of critical failures.
func WithNotifier(fn func(error)) Option {
	return func(o *guardOptions) {
		o.notify = fn
	}
}

func WithClassifier(c *apierror.Classifier) Option {
	return func(o *guardOptions) {
		o.classifier = c
	}
}

// NewGuard wires a Guard over store. A nil cfg uses config.Defaults().
func NewGuard(store database.AccountStore, cfg *config.Configuration, opts ...Option) (*Guard, error) {
	if store == nil {
		return nil, errors.New("creditguard: account store is required")
	}
	if cfg == nil {
		cfg = config.Defaults()
	}

	o := guardOptions{notify: notification.NotifyError}
	for _, opt := range opts {
		opt(&o)
	}

	g := &Guard{
		store:   store,
		timeout: cfg.Retry.Timeout(),
		notify:  o.notify,
		shared:  o.shared,
	}

	if g.shared == nil && cfg.LedgerCache.SharedTier {
		shared, err := cache.NewCache(cfg.Redis)
		if err != nil {
			return nil, err
		}
		g.shared = shared
		g.closer = shared.Close
	}

	g.classifier = o.classifier
	if g.classifier == nil {
		var classifierOpts []apierror.Option
		if o.now != nil {
			classifierOpts = append(classifierOpts, apierror.WithClock(o.now))
		}
		g.classifier = apierror.NewClassifier(classifierOpts...)
	}

	retryOpts := []retry.Option{retry.WithClassifier(g.classifier)}
	if o.sleep != nil {
		retryOpts = append(retryOpts, retry.WithSleep(o.sleep))
	}
	g.retrier = retry.New(retry.PolicyFromConfig(cfg.Retry), retryOpts...)

	var limiterOpts []ratelimit.Option
	if o.now != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithClock(o.now))
	}
	limits := ratelimit.Config{
		MaxRequests:     cfg.RateLimit.MaxRequests,
		Window:          cfg.RateLimit.Window(),
		CleanupInterval: cfg.RateLimit.CleanupInterval(),
		HistoryCapacity: cfg.RateLimit.HistoryCapacity,
		HistoryTrimTo:   cfg.RateLimit.HistoryTrimTo,
	}
	g.sessions = ratelimit.New(limits, limiterOpts...)
	g.ips = ratelimit.NewIPLimiter(ratelimit.New(limits, limiterOpts...))

	cacheOpts := ledgercache.OptionsFromConfig(cfg.LedgerCache)
	cacheOpts.Shared = g.shared
	cacheOpts.Retrier = g.retrier
	cacheOpts.Classifier = g.classifier
	cacheOpts.Now = o.now
	g.balances = ledgercache.New(store, cacheOpts)

	return g, nil
}

// Start runs the limiter cleanup loops until ctx is done or Close is called.
func (g *Guard) Start(ctx context.Context) {
	g.sessions.Start(ctx)
	g.ips.Start(ctx)
}

// Close stops background work and releases the shared tier connection.
func (g *Guard) Close() error {
	g.sessions.Stop()
	g.ips.Stop()
	if g.closer != nil {
		return g.closer()
	}
	return nil
}

func (g *Guard) Classifier() *apierror.Classifier {
	return g.classifier
}

func (g *Guard) Sessions() *ratelimit.Limiter {
	return g.sessions
}

func (g *Guard) IPs() *ratelimit.IPLimiter {
	return g.ips
}

// Balance returns the cached balance of an account, loading it when stale.
func (g *Guard) Balance(ctx context.Context, accountID string) (int64, error) {
	return g.balances.GetBalance(ctx, accountID)
}

// RefreshBalance reloads the balance from the account store.
func (g *Guard) RefreshBalance(ctx context.Context, accountID string) (int64, error) {
	return g.balances.Refresh(ctx, accountID)
}

// InvalidateBalance drops the cached balance. An empty accountID drops every account.
func (g *Guard) InvalidateBalance(accountID string) {
	if accountID == "" {
		g.balances.ClearAll()
		return
	}
	g.balances.Clear(accountID)
}

// Subscribe registers fn for balance changes of accountID.
func (g *Guard) Subscribe(accountID string, fn ledgercache.Subscriber) (unsubscribe func()) {
	return g.balances.Subscribe(accountID, fn)
}

// CheckSession reports whether the session may make another metered request.
func (g *Guard) CheckSession(sessionID string) error {
	return g.sessions.CheckLimit(sessionID)
}

// CheckIP is CheckSession for callers identified only by their address.
func (g *Guard) CheckIP(addr string) error {
	return g.ips.CheckLimit(addr)
}
