package cloud

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// InstrumentedAdapter times every provider call by operation. It composes
// with the other decorators; placed outermost it measures retries and
// per-call timeouts as the caller experiences them.
type InstrumentedAdapter struct {
	inner Adapter
	calls *prometheus.HistogramVec
}

func WithInstrumentation(adapter Adapter, calls *prometheus.HistogramVec) *InstrumentedAdapter {
	return &InstrumentedAdapter{inner: adapter, calls: calls}
}

func (i *InstrumentedAdapter) observe(op string, start time.Time) {
	i.calls.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (i *InstrumentedAdapter) StartTask(ctx context.Context, spec TaskSpec) (TaskHandle, error) {
	defer i.observe("start_task", time.Now())
	return i.inner.StartTask(ctx, spec)
}

func (i *InstrumentedAdapter) StopTask(ctx context.Context, taskID string) error {
	defer i.observe("stop_task", time.Now())
	return i.inner.StopTask(ctx, taskID)
}

func (i *InstrumentedAdapter) ListRunningTasks(ctx context.Context) ([]TaskHandle, error) {
	defer i.observe("list_tasks", time.Now())
	return i.inner.ListRunningTasks(ctx)
}

func (i *InstrumentedAdapter) CreateSecurityGroup(ctx context.Context, req GroupRequest) (string, error) {
	defer i.observe("create_group", time.Now())
	return i.inner.CreateSecurityGroup(ctx, req)
}

func (i *InstrumentedAdapter) DeleteSecurityGroup(ctx context.Context, groupID string) error {
	defer i.observe("delete_group", time.Now())
	return i.inner.DeleteSecurityGroup(ctx, groupID)
}

func (i *InstrumentedAdapter) PushImage(ctx context.Context, sourceRef, targetRef string) error {
	defer i.observe("push_image", time.Now())
	return i.inner.PushImage(ctx, sourceRef, targetRef)
}

func (i *InstrumentedAdapter) PullImage(ctx context.Context, ref string) error {
	defer i.observe("pull_image", time.Now())
	return i.inner.PullImage(ctx, ref)
}

func (i *InstrumentedAdapter) RemoveImage(ctx context.Context, ref string) error {
	defer i.observe("remove_image", time.Now())
	return i.inner.RemoveImage(ctx, ref)
}

func (i *InstrumentedAdapter) Healthy(ctx context.Context) bool {
	return i.inner.Healthy(ctx)
}
