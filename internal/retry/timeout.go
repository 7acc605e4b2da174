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

package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jerry-enebeli/creditguard/internal/apierror"
)

type outcome[T any] struct {
	value T
	err   error
}

// WithTimeout races op against a timer of d. When the timer wins, op's
// context is cancelled and a timeout error is returned without waiting for
// op to return. A cancelled parent context is returned as is.
func WithTimeout[T any](ctx context.Context, d time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if d <= 0 {
		return op(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		v, err := op(tctx)
		done <- outcome[T]{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && timedOut(ctx, tctx) {
			return zero, timeoutError(d, tctx)
		}
		return out.value, out.err
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, timeoutError(d, tctx)
	}
}

// timedOut reports whether tctx ended because of its own deadline rather than
// the parent's.
func timedOut(parent, tctx context.Context) bool {
	return parent.Err() == nil && tctx.Err() != nil
}

func timeoutError(d time.Duration, tctx context.Context) error {
	return apierror.Timeout(fmt.Sprintf("operation timed out after %s", d), tctx.Err())
}

// ExecuteWithTimeout bounds the whole retried execution by d. No attempt is
// started once the timer has fired.
func ExecuteWithTimeout[T any](ctx context.Context, r *Retrier, d time.Duration, op func(ctx context.Context) (T, error), opts ...PolicyOption) (T, error) {
	return WithTimeout(ctx, d, func(tctx context.Context) (T, error) {
		return Execute(tctx, r, op, opts...)
	})
}
