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

// Package retry runs fallible operations with bounded attempts and jittered
// exponential backoff, using the apierror classifier to decide what is worth
// retrying.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jerry-enebeli/creditguard/config"
	"github.com/jerry-enebeli/creditguard/internal/apierror"
	"github.com/sirupsen/logrus"
)

// JitterFactor is the relative spread applied around every computed delay.
const JitterFactor = 0.25

// Policy controls one execution.
type Policy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Operation         string

	// Retryable overrides the classifier when set. Rate limit failures are
	// still never retried.
	Retryable func(error) bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
		Operation:         "operation",
	}
}

// PolicyFromConfig builds a policy from the retry section of the configuration.
func PolicyFromConfig(cfg config.RetryConfig) Policy {
	p := DefaultPolicy()
	p.MaxAttempts = cfg.MaxAttempts
	p.BaseDelay = cfg.BaseDelay()
	p.MaxDelay = cfg.MaxDelay()
	p.BackoffMultiplier = cfg.BackoffMultiplier
	return p.normalized()
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = d.BackoffMultiplier
	}
	if p.Operation == "" {
		p.Operation = d.Operation
	}
	return p
}

// PolicyOption adjusts the policy of a single call.
type PolicyOption func(*Policy)

func WithMaxAttempts(n int) PolicyOption {
	return func(p *Policy) {
		p.MaxAttempts = n
	}
}

func WithOperation(name string) PolicyOption {
	return func(p *Policy) {
		p.Operation = name
	}
}

func WithDelays(base, max time.Duration) PolicyOption {
	return func(p *Policy) {
		p.BaseDelay = base
		p.MaxDelay = max
	}
}

func WithRetryable(fn func(error) bool) PolicyOption {
	return func(p *Policy) {
		p.Retryable = fn
	}
}

// Context describes a retry about to happen.
type Context struct {
	Attempt   int
	Delay     time.Duration
	Operation string
	Err       error
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Retrier holds the defaults shared by every execution. It is safe for
// concurrent use.
type Retrier struct {
	policy     Policy
	classifier *apierror.Classifier
	sleep      SleepFunc
	onRetry    func(Context)
}

type Option func(*Retrier)

func WithClassifier(c *apierror.Classifier) Option {
	return func(r *Retrier) {
		r.classifier = c
	}
}

func WithSleep(fn SleepFunc) Option {
	return func(r *Retrier) {
		r.sleep = fn
	}
}

// OnRetry registers a hook called before each backoff sleep.
func OnRetry(fn func(Context)) Option {
	return func(r *Retrier) {
		r.onRetry = fn
	}
}

func New(policy Policy, opts ...Option) *Retrier {
	r := &Retrier{
		policy:     policy.normalized(),
		classifier: apierror.Default,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the default policy of r.
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Execute runs op until it succeeds, fails with a non-retryable error or
// runs out of attempts. The last failure is returned unchanged.
func Execute[T any](ctx context.Context, r *Retrier, op func(ctx context.Context) (T, error), opts ...PolicyOption) (T, error) {
	policy := r.policy
	for _, opt := range opts {
		opt(&policy)
	}
	policy = policy.normalized()

	b := newBackOff(policy)

	var zero T
	for attempt := 1; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		if attempt >= policy.MaxAttempts || !r.shouldRetry(policy, err) {
			return zero, err
		}

		delay := b.NextBackOff()
		if delay < 0 {
			delay = 0
		}

		logrus.WithFields(logrus.Fields{
			"operation": policy.Operation,
			"attempt":   attempt,
			"delay":     delay.String(),
			"error":     err.Error(),
		}).Debug("retrying after failure")

		if r.onRetry != nil {
			r.onRetry(Context{Attempt: attempt, Delay: delay, Operation: policy.Operation, Err: err})
		}

		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return zero, fmt.Errorf("%s: retry aborted after attempt %d: %w", policy.Operation, attempt, sleepErr)
		}
	}
}

// Do is Execute for operations without a result.
func Do(ctx context.Context, r *Retrier, op func(ctx context.Context) error, opts ...PolicyOption) error {
	_, err := Execute(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}

func (r *Retrier) shouldRetry(policy Policy, err error) bool {
	rec := r.classifier.Record(err)
	if rec.Kind == apierror.KindRateLimit || rec.Code == apierror.ErrRateLimited || rec.Code == apierror.ErrQuotaExceeded {
		return false
	}
	if policy.Retryable != nil {
		return policy.Retryable(err)
	}
	return r.classifier.IsRetryable(err)
}

// newBackOff yields min(base*mult^(n-1), max) for the n-th retry, spread by
// JitterFactor in both directions.
func newBackOff(p Policy) *backoff.ExponentialBackOff {
	initial := p.BaseDelay
	if initial > p.MaxDelay {
		initial = p.MaxDelay
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: JitterFactor,
		Multiplier:          p.BackoffMultiplier,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
