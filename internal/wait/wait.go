/*
Copyright 2025.

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

// Package wait polls a condition at a fixed interval with a deadline.
package wait

import (
	"context"
	"fmt"
	"time"

	"k8s.io/utils/clock"
)

// ConditionFunc reports whether the awaited condition holds. A non-nil error
// aborts the wait.
type ConditionFunc func(ctx context.Context) (bool, error)

// Until evaluates condition immediately and then once per interval until it
// returns true or an error. When timeout elapses first Until returns false
// with a nil error; the final evaluation happens at the deadline. A done ctx
// returns its error.
func Until(ctx context.Context, clk clock.Clock, interval, timeout time.Duration, condition ConditionFunc) (bool, error) {
	if interval <= 0 {
		return false, fmt.Errorf("poll interval must be positive, got %s", interval)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	start := clk.Now()
	for {
		done, err := condition(ctx)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}

		remaining := timeout - clk.Since(start)
		if remaining <= 0 {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-clk.After(min(interval, remaining)):
		}
	}
}
