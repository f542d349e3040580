package dispatch

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/dotsetgreg/tiermem/pkg/logger"
)

type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 5, Delay: 30 * time.Second}
}

// Task describes one fallible background action. OnSuccess and OnFailure are
// posted to the Dispatcher and run on the host goroutine.
type Task[T any] struct {
	Name      string
	Action    func(ctx context.Context) (T, error)
	OnSuccess func(T)
	OnFailure func(error)
	// NoticeKey and Notice are shown once when all attempts fail.
	NoticeKey string
	Notice    string
}

// Runner executes Tasks with a fixed retry policy under a shared Lifetime.
type Runner struct {
	lifetime *Lifetime
	dispatch *Dispatcher
	notifier Notifier
	policy   RetryPolicy
	wg       sync.WaitGroup
}

func NewRunner(lt *Lifetime, d *Dispatcher, n Notifier, policy RetryPolicy) *Runner {
	if policy.Attempts <= 0 {
		policy.Attempts = DefaultRetryPolicy().Attempts
	}
	if policy.Delay < 0 {
		policy.Delay = 0
	}
	if n == nil {
		n = LogNotifier{}
	}
	return &Runner{lifetime: lt, dispatch: d, notifier: n, policy: policy}
}

func (r *Runner) Lifetime() *Lifetime     { return r.lifetime }
func (r *Runner) Dispatcher() *Dispatcher { return r.dispatch }
func (r *Runner) Policy() RetryPolicy     { return r.policy }

// Wait blocks until every submitted task has settled.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Submit starts task in its own goroutine. If the lifetime is cancelled
// before the task settles, neither callback fires.
func Submit[T any](r *Runner, task Task[T]) {
	ctx := r.lifetime.Context()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		runTask(ctx, r, task)
	}()
}

func runTask[T any](ctx context.Context, r *Runner, task Task[T]) {
	var lastErr error
	for attempt := 1; attempt <= r.policy.Attempts; attempt++ {
		if ctx.Err() != nil {
			return
		}

		result, err := attemptOnce(ctx, task)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			r.post(ctx, func() {
				if task.OnSuccess != nil {
					task.OnSuccess(result)
				}
			})
			return
		}

		lastErr = err
		logger.WarnCF("dispatch", "Task attempt failed", map[string]interface{}{
			"task":     task.Name,
			"attempt":  attempt,
			"attempts": r.policy.Attempts,
			"error":    err.Error(),
		})

		if attempt == r.policy.Attempts {
			break
		}
		if !sleepCtx(ctx, r.policy.Delay) {
			return
		}
	}

	failure := fmt.Errorf("%w: %s: %v", ErrExhausted, task.Name, lastErr)
	logger.ErrorCF("dispatch", "Task failed after all attempts", map[string]interface{}{
		"task":  task.Name,
		"error": failure.Error(),
	})
	r.post(ctx, func() {
		if task.OnFailure != nil {
			task.OnFailure(failure)
		}
		if task.Notice != "" {
			key := task.NoticeKey
			if key == "" {
				key = task.Name
			}
			r.notifier.Notify(key, task.Notice)
		}
	})
}

func attemptOnce[T any](ctx context.Context, task Task[T]) (result T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, p)
		}
	}()
	if task.Action == nil {
		return result, fmt.Errorf("%w: no action", ErrInvalidResult)
	}
	result, err = task.Action(ctx)
	if err != nil {
		return result, err
	}
	if !IsValidResult(result) {
		return result, ErrInvalidResult
	}
	return result, nil
}

// post queues fn for the host loop, dropping it if the session that started
// the task has ended by the time the host drains it.
func (r *Runner) post(ctx context.Context, fn func()) {
	r.dispatch.Post(func() {
		if ctx.Err() != nil {
			return
		}
		fn()
	})
}

// IsValidResult reports whether v is non-nil and, for collections and
// strings, non-empty.
func IsValidResult(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Func, reflect.Chan:
		return !rv.IsNil()
	case reflect.Slice, reflect.Map:
		return !rv.IsNil() && rv.Len() > 0
	case reflect.String, reflect.Array:
		return rv.Len() > 0
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
