package cloud

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog/log"
)

// RetryingAdapter wraps another Adapter with bounded exponential backoff.
// Transient provider failures (network blips) are retried locally at this
// boundary; errors marked Permanent propagate immediately.
type RetryingAdapter struct {
	inner       Adapter
	maxRetries  uint64
	callTimeout time.Duration
}

// WithRetry decorates adapter with bounded retry and a per-call timeout.
func WithRetry(adapter Adapter, maxRetries int, callTimeout time.Duration) *RetryingAdapter {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &RetryingAdapter{
		inner:       adapter,
		maxRetries:  uint64(maxRetries),
		callTimeout: callTimeout,
	}
}

func (r *RetryingAdapter) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.maxRetries),
		callCtx,
	)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		log.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Msg("cloud call failed, will retry")
		return err
	}, policy)
}

func (r *RetryingAdapter) StartTask(ctx context.Context, spec TaskSpec) (TaskHandle, error) {
	var handle TaskHandle
	err := r.retry(ctx, "start_task", func(ctx context.Context) error {
		var err error
		handle, err = r.inner.StartTask(ctx, spec)
		return err
	})
	return handle, err
}

func (r *RetryingAdapter) StopTask(ctx context.Context, taskID string) error {
	return r.retry(ctx, "stop_task", func(ctx context.Context) error {
		return r.inner.StopTask(ctx, taskID)
	})
}

func (r *RetryingAdapter) ListRunningTasks(ctx context.Context) ([]TaskHandle, error) {
	var handles []TaskHandle
	err := r.retry(ctx, "list_tasks", func(ctx context.Context) error {
		var err error
		handles, err = r.inner.ListRunningTasks(ctx)
		return err
	})
	return handles, err
}

func (r *RetryingAdapter) CreateSecurityGroup(ctx context.Context, req GroupRequest) (string, error) {
	var id string
	err := r.retry(ctx, "create_group", func(ctx context.Context) error {
		var err error
		id, err = r.inner.CreateSecurityGroup(ctx, req)
		return err
	})
	return id, err
}

func (r *RetryingAdapter) DeleteSecurityGroup(ctx context.Context, groupID string) error {
	return r.retry(ctx, "delete_group", func(ctx context.Context) error {
		return r.inner.DeleteSecurityGroup(ctx, groupID)
	})
}

func (r *RetryingAdapter) PushImage(ctx context.Context, sourceRef, targetRef string) error {
	return r.retry(ctx, "push_image", func(ctx context.Context) error {
		return r.inner.PushImage(ctx, sourceRef, targetRef)
	})
}

func (r *RetryingAdapter) PullImage(ctx context.Context, ref string) error {
	return r.retry(ctx, "pull_image", func(ctx context.Context) error {
		return r.inner.PullImage(ctx, ref)
	})
}

func (r *RetryingAdapter) RemoveImage(ctx context.Context, ref string) error {
	return r.retry(ctx, "remove_image", func(ctx context.Context) error {
		return r.inner.RemoveImage(ctx, ref)
	})
}

func (r *RetryingAdapter) Healthy(ctx context.Context) bool {
	return r.inner.Healthy(ctx)
}
