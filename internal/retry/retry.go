/*
Copyright 2024 Mextic Authors.

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
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mextic/recargas-sub003/internal/errclass"
)

// Options configures one retried operation. CorrelationID attributes
// every attempt and outcome in the logs to the originating candidate.
type Options struct {
	OperationName     string
	CorrelationID     string
	MaxAttempts       int
	BaseDelay         time.Duration
	BackoffMultiplier float64
}

// Executor runs operations under a bounded-retry policy with exponential
// backoff. The sleep function is injectable so tests can verify the
// backoff schedule without real timers.
type Executor struct {
	sleep func(context.Context, time.Duration) error
}

func NewExecutor() *Executor {
	return &Executor{sleep: sleepCtx}
}

// NewExecutorWithSleep builds an Executor with a custom sleep function.
func NewExecutorWithSleep(sleep func(context.Context, time.Duration) error) *Executor {
	return &Executor{sleep: sleep}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Delay returns the backoff delay before retrying after the given
// 1-based attempt: BaseDelay * BackoffMultiplier^(attempt-1).
func (o Options) Delay(attempt int) time.Duration {
	factor := math.Pow(o.BackoffMultiplier, float64(attempt-1))
	return time.Duration(float64(o.BaseDelay) * factor)
}

// Execute runs the operation until it succeeds, fails fatally, or the
// attempt budget is exhausted. Fatal failures are returned immediately
// with zero added latency. The last error is wrapped with the attempt
// count when the budget runs out.
func (e *Executor) Execute(ctx context.Context, opts Options, operation func(context.Context) error) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	log := logrus.WithFields(logrus.Fields{
		"operation":      opts.OperationName,
		"correlation_id": opts.CorrelationID,
	})

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		err := operation(ctx)
		if err == nil {
			if attempt > 1 {
				log.Infof("operation succeeded on attempt %d/%d", attempt, opts.MaxAttempts)
			}
			return nil
		}
		lastErr = err

		if errclass.Classify(err) == errclass.Fatal {
			log.WithField("attempt", attempt).Errorf("fatal error, not retrying: %v", err)
			return err
		}

		if attempt == opts.MaxAttempts {
			break
		}

		delay := opts.Delay(attempt)
		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warnf("retriable error, backing off: %v", err)

		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}

	log.Errorf("operation failed after %d attempts: %v", opts.MaxAttempts, lastErr)
	return fmt.Errorf("%s failed after %d attempts: %w", opts.OperationName, opts.MaxAttempts, lastErr)
}
