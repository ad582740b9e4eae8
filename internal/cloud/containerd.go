package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/images"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

// Container labels the reaper relies on to map tasks back to sessions.
const (
	labelSession = "cyberlab.session.id"
	labelMachine = "cyberlab.machine.id"
)

const taskPrefix = "lab-"

// LocalAdapter drives a containerd daemon as the compute substrate. It is
// the substrate used for single-host and development deployments; cloud
// providers implement the same Adapter against their fleet APIs.
//
// Security groups have no provider object on a single host, so the adapter
// keeps them as local records. The group IDs it hands out are stable and
// deletion is idempotent, which is all the isolator requires.
type LocalAdapter struct {
	inner     *containerd.Client
	socket    string
	namespace string

	mu     sync.RWMutex
	groups map[string]GroupRequest
	closed bool
}

// NewLocalAdapter connects to containerd and verifies the connection.
func NewLocalAdapter(ctx context.Context, socket, namespace string) (*LocalAdapter, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socket, err)
	}

	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("containerd health check failed: %w", err)
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &LocalAdapter{
		inner:     inner,
		socket:    socket,
		namespace: namespace,
		groups:    make(map[string]GroupRequest),
	}, nil
}

func (a *LocalAdapter) withNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, a.namespace)
}

// Healthy checks if the containerd connection is alive.
func (a *LocalAdapter) Healthy(ctx context.Context) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return false
	}

	_, err := a.inner.Version(ctx)
	return err == nil
}

// Close shuts down the containerd client.
func (a *LocalAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	if a.inner != nil {
		return a.inner.Close()
	}
	return nil
}

// StartTask creates and starts one machine container.
func (a *LocalAdapter) StartTask(ctx context.Context, spec TaskSpec) (TaskHandle, error) {
	nsCtx := a.withNamespace(ctx)

	image, err := a.getOrPull(nsCtx, spec.Image)
	if err != nil {
		return TaskHandle{}, &OpError{Op: "start_task", Err: err}
	}

	taskID := fmt.Sprintf("%s%s-%s", taskPrefix, spec.SessionID, spec.MachineID)

	container, err := a.inner.NewContainer(nsCtx, taskID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(taskID+"-snapshot", image),
		containerd.WithContainerLabels(map[string]string{
			labelSession: spec.SessionID,
			labelMachine: spec.MachineID,
		}),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithHostname(spec.MachineName),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				applyProfile(s, spec.Profile)
				applyHardening(s, hardeningFor(spec.Role))
				return nil
			},
		),
	)
	if err != nil {
		if errdefs.IsAlreadyExists(err) {
			// A crashed previous start left this container behind. Tear it
			// down and let the caller's retry take another pass.
			_ = a.StopTask(ctx, taskID)
		}
		return TaskHandle{}, &OpError{Op: "start_task", TaskID: taskID, Err: err}
	}

	task, err := container.NewTask(nsCtx, cio.NullIO)
	if err != nil {
		_ = container.Delete(nsCtx, containerd.WithSnapshotCleanup)
		return TaskHandle{}, &OpError{Op: "start_task", TaskID: taskID, Err: err}
	}

	if err := task.Start(nsCtx); err != nil {
		_, _ = task.Delete(nsCtx, containerd.WithProcessKill)
		_ = container.Delete(nsCtx, containerd.WithSnapshotCleanup)
		return TaskHandle{}, &OpError{Op: "start_task", TaskID: taskID, Err: err}
	}

	log.Info().
		Str("task_id", taskID).
		Str("session_id", spec.SessionID).
		Str("machine", spec.MachineName).
		Msg("task started")

	return TaskHandle{
		ID:        taskID,
		SessionID: spec.SessionID,
		MachineID: spec.MachineID,
		StartedAt: time.Now().UTC(),
	}, nil
}

// StopTask kills and removes a task. A task that is already gone is treated
// as successfully stopped.
func (a *LocalAdapter) StopTask(ctx context.Context, taskID string) error {
	nsCtx := a.withNamespace(ctx)
	logger := log.With().Str("task_id", taskID).Logger()

	container, err := a.inner.LoadContainer(nsCtx, taskID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return &OpError{Op: "stop_task", TaskID: taskID, Err: err}
	}

	if task, err := container.Task(nsCtx, nil); err == nil {
		if status, err := task.Status(nsCtx); err == nil && status.Status != containerd.Stopped {
			logger.Debug().Msg("killing running task")
			_ = task.Kill(nsCtx, 9)

			waitCtx, waitCancel := context.WithTimeout(nsCtx, 5*time.Second)
			exitCh, _ := task.Wait(waitCtx)
			if exitCh != nil {
				select {
				case <-exitCh:
				case <-waitCtx.Done():
					logger.Warn().Msg("timed out waiting for task to stop")
				}
			}
			waitCancel()
		}

		if _, err := task.Delete(nsCtx, containerd.WithProcessKill); err != nil {
			if !errdefs.IsNotFound(err) {
				logger.Warn().Err(err).Msg("failed to delete task")
			}
		}
	}

	if err := container.Delete(nsCtx, containerd.WithSnapshotCleanup); err != nil {
		if !errdefs.IsNotFound(err) {
			return &OpError{Op: "stop_task", TaskID: taskID, Err: err}
		}
	}

	logger.Debug().Msg("task stopped")
	return nil
}

// ListRunningTasks returns a handle for every live lab task in the
// namespace, regardless of whether a session still tracks it.
func (a *LocalAdapter) ListRunningTasks(ctx context.Context) ([]TaskHandle, error) {
	nsCtx := a.withNamespace(ctx)

	containerList, err := a.inner.Containers(nsCtx)
	if err != nil {
		return nil, &OpError{Op: "list_tasks", Err: err}
	}

	var handles []TaskHandle
	for _, c := range containerList {
		info, err := c.Info(nsCtx)
		if err != nil {
			continue
		}
		if len(info.ID) < len(taskPrefix) || info.ID[:len(taskPrefix)] != taskPrefix {
			continue
		}

		task, err := c.Task(nsCtx, nil)
		if err != nil {
			continue
		}
		status, err := task.Status(nsCtx)
		if err != nil || status.Status != containerd.Running {
			continue
		}

		handles = append(handles, TaskHandle{
			ID:        info.ID,
			SessionID: info.Labels[labelSession],
			MachineID: info.Labels[labelMachine],
			StartedAt: info.CreatedAt,
		})
	}

	return handles, nil
}

// CreateSecurityGroup records an isolation group and returns its provider ID.
func (a *LocalAdapter) CreateSecurityGroup(ctx context.Context, req GroupRequest) (string, error) {
	if req.Name == "" {
		return "", Permanent(&OpError{Op: "create_group", Err: fmt.Errorf("group name is empty")})
	}

	groupID := "sg-" + uuid.New().String()

	a.mu.Lock()
	a.groups[groupID] = req
	a.mu.Unlock()

	log.Debug().
		Str("group_id", groupID).
		Str("session_id", req.SessionID).
		Str("name", req.Name).
		Msg("security group created")

	return groupID, nil
}

// DeleteSecurityGroup removes an isolation group. Deleting a group that no
// longer exists is a success.
func (a *LocalAdapter) DeleteSecurityGroup(ctx context.Context, groupID string) error {
	a.mu.Lock()
	delete(a.groups, groupID)
	a.mu.Unlock()
	return nil
}

// PullImage pulls an image if it is not already available.
func (a *LocalAdapter) PullImage(ctx context.Context, ref string) error {
	nsCtx := a.withNamespace(ctx)
	if _, err := a.getOrPull(nsCtx, ref); err != nil {
		return &OpError{Op: "pull_image", Err: err}
	}
	return nil
}

// PushImage promotes sourceRef to targetRef in the image store. On the local
// substrate this is a re-tag; fleet adapters push to a real registry.
func (a *LocalAdapter) PushImage(ctx context.Context, sourceRef, targetRef string) error {
	nsCtx := a.withNamespace(ctx)

	source, err := a.inner.ImageService().Get(nsCtx, sourceRef)
	if err != nil {
		return &OpError{Op: "push_image", Err: fmt.Errorf("resolving %s: %w", sourceRef, err)}
	}

	target := images.Image{
		Name:   targetRef,
		Target: source.Target,
		Labels: source.Labels,
	}

	if _, err := a.inner.ImageService().Create(nsCtx, target); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return &OpError{Op: "push_image", Err: err}
		}
		if _, err := a.inner.ImageService().Update(nsCtx, target); err != nil {
			return &OpError{Op: "push_image", Err: err}
		}
	}

	log.Info().Str("source", sourceRef).Str("target", targetRef).Msg("image promoted")
	return nil
}

// RemoveImage deletes an image record. A missing image is a success.
func (a *LocalAdapter) RemoveImage(ctx context.Context, ref string) error {
	nsCtx := a.withNamespace(ctx)

	if err := a.inner.ImageService().Delete(nsCtx, ref); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return &OpError{Op: "remove_image", Err: err}
	}

	log.Info().Str("ref", ref).Msg("image removed")
	return nil
}

func (a *LocalAdapter) getOrPull(nsCtx context.Context, ref string) (containerd.Image, error) {
	image, err := a.inner.GetImage(nsCtx, ref)
	if err == nil {
		return image, nil
	}

	log.Info().Str("ref", ref).Msg("pulling image")

	image, err = a.inner.Pull(nsCtx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return image, nil
}

func applyProfile(s *specs.Spec, p ResourceProfile) {
	if p.CPUShares == 0 && p.MemoryMB == 0 && p.PidsLimit == 0 {
		p = DefaultProfile()
	}
	if s.Linux == nil {
		s.Linux = &specs.Linux{}
	}
	if s.Linux.Resources == nil {
		s.Linux.Resources = &specs.LinuxResources{}
	}

	if p.CPUShares > 0 {
		shares := uint64(p.CPUShares)
		s.Linux.Resources.CPU = &specs.LinuxCPU{Shares: &shares}
	}
	if p.MemoryMB > 0 {
		memoryBytes := p.MemoryMB * 1024 * 1024
		s.Linux.Resources.Memory = &specs.LinuxMemory{Limit: &memoryBytes}
	}
	if p.PidsLimit > 0 {
		s.Linux.Resources.Pids = &specs.LinuxPids{Limit: p.PidsLimit}
	}
}
