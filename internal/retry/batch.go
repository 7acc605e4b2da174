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

	"golang.org/x/sync/errgroup"
)

type BatchOptions struct {
	// Concurrency is the size of each group. Groups run one after another.
	Concurrency int
	// FailFast stops at the first failure instead of collecting every result.
	FailFast bool
}

// Result is the outcome of one operation in a batch.
type Result[T any] struct {
	Value T
	Err   error
}

// ExecuteBatch runs every op through Execute, Concurrency at a time.
//
// With FailFast the first failure cancels the rest of its group, no later
// group is started, and that failure is returned alongside the partial
// results. Otherwise every op runs and failures are reported per Result; the
// returned error is nil.
func ExecuteBatch[T any](ctx context.Context, r *Retrier, ops []func(ctx context.Context) (T, error), opts BatchOptions, policy ...PolicyOption) ([]Result[T], error) {
	size := opts.Concurrency
	if size < 1 {
		size = 1
	}

	results := make([]Result[T], len(ops))
	for start := 0; start < len(ops); start += size {
		end := start + size
		if end > len(ops) {
			end = len(ops)
		}

		if err := ctx.Err(); err != nil {
			return results, err
		}

		if opts.FailFast {
			g, gctx := errgroup.WithContext(ctx)
			for i := start; i < end; i++ {
				i := i
				g.Go(func() error {
					v, err := Execute(gctx, r, ops[i], policy...)
					results[i] = Result[T]{Value: v, Err: err}
					return err
				})
			}
			if err := g.Wait(); err != nil {
				return results, err
			}
			continue
		}

		var g errgroup.Group
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				v, err := Execute(ctx, r, ops[i], policy...)
				results[i] = Result[T]{Value: v, Err: err}
				return nil
			})
		}
		_ = g.Wait()
	}
	return results, nil
}
