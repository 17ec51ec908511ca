package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/joeycumines/orchestrator/internal/task"
)

// outcome classifies how an attempt loop ended, for the caller to decide
// the task's terminal status and failure reason.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailed
	outcomeCancelled
)

// executeResult is the result of runWithRetry.
type executeResult struct {
	outcome       outcome
	result        map[string]any
	retries       int
	lastErr       error
	failureReason task.FailureReason
}

// attemptTimeoutError marks a single attempt exceeding task_timeout,
// distinct from a handler-returned error, for retry/circuit accounting
// (spec.md §7: AttemptTimeout "retried like any other error").
type attemptTimeoutError struct{}

func (attemptTimeoutError) Error() string { return "attempt timed out" }

// handlerPanicError wraps a recovered panic from a service handler so it
// is accounted exactly like any other HandlerError (SPEC_FULL.md §4.6
// step 5a): the worker goroutine itself must never crash.
type handlerPanicError struct{ value any }

func (e handlerPanicError) Error() string { return fmt.Sprintf("handler panicked: %v", e.value) }

// runWithRetry implements spec.md §4.7: for each attempt, compute the
// per-attempt timeout (bounded by the task's absolute deadline if set),
// invoke the handler, and on failure apply exponential backoff up to
// retryAttempts total tries.
func runWithRetry(
	ctx context.Context,
	handler Handler,
	payload map[string]any,
	deadline *time.Time,
	taskTimeout time.Duration,
	retryAttempts int,
	backoffFactor time.Duration,
	onFailure func(err error),
) executeResult {
	var lastErr error

	for i := 0; i < retryAttempts; i++ {
		timeout := taskTimeout
		if deadline != nil {
			remaining := time.Until(*deadline)
			if remaining < timeout {
				timeout = remaining
			}
		}
		if timeout <= 0 {
			return executeResult{
				outcome:       outcomeFailed,
				retries:       i,
				lastErr:       errDeadlineExceeded,
				failureReason: task.FailureDeadlineExceeded,
			}
		}

		result, err := invokeOnce(ctx, handler, payload, timeout)
		if err == nil {
			return executeResult{outcome: outcomeSuccess, result: result, retries: i}
		}

		if errors.Is(err, context.Canceled) && ctx.Err() == context.Canceled {
			// the task's own context (not the attempt timeout) was
			// cancelled: this is a facade-initiated cancellation, never
			// retried.
			return executeResult{
				outcome:       outcomeCancelled,
				retries:       i,
				lastErr:       err,
				failureReason: task.FailureCancelled,
			}
		}

		lastErr = err
		if onFailure != nil {
			onFailure(err)
		}

		if i+1 >= retryAttempts {
			break
		}

		sleep := time.Duration(float64(backoffFactor) * math.Pow(2, float64(i)))
		if sleep > 0 {
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return executeResult{
					outcome:       outcomeCancelled,
					retries:       i + 1,
					lastErr:       ctx.Err(),
					failureReason: task.FailureCancelled,
				}
			}
		}
	}

	reason := task.FailureHandlerError
	if errors.Is(lastErr, attemptTimeoutError{}) {
		reason = task.FailureAttemptTimeout
	}
	return executeResult{
		outcome:       outcomeFailed,
		retries:       retryAttempts - 1,
		lastErr:       lastErr,
		failureReason: reason,
	}
}

var errDeadlineExceeded = errors.New("deadline exceeded before attempt could start")

// invokeOnce runs handler under a per-attempt timeout derived from ctx,
// recovering a panic into a handlerPanicError rather than propagating it.
func invokeOnce(ctx context.Context, handler Handler, payload map[string]any, timeout time.Duration) (result map[string]any, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type callResult struct {
		result map[string]any
		err    error
	}
	done := make(chan callResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: handlerPanicError{value: r}}
			}
		}()
		res, err := handler(attemptCtx, payload)
		done <- callResult{result: res, err: err}
	}()

	select {
	case cr := <-done:
		if cr.err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, attemptTimeoutError{}
		}
		return cr.result, cr.err
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, attemptTimeoutError{}
		}
		return nil, attemptCtx.Err()
	}
}
