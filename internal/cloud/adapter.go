// Package cloud is the boundary to the compute/network/registry provider.
// The engine only talks to the Adapter interface; everything behind it is
// external infrastructure.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for typed error checking.
var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrGroupNotFound = errors.New("security group not found")
	ErrUnavailable   = errors.New("cloud provider unavailable")
)

// ResourceProfile is the machine-size profile a task runs with. HourlyRate
// feeds cost estimation; the engine has no real metering, only elapsed time
// times this rate.
type ResourceProfile struct {
	CPUShares  int64   `json:"cpu_shares"` // 1024 = 1 CPU
	MemoryMB   int64   `json:"memory_mb"`
	PidsLimit  int64   `json:"pids_limit"`
	HourlyRate float64 `json:"hourly_rate"`
}

// DefaultProfile is the machine size used when a scenario does not declare one.
func DefaultProfile() ResourceProfile {
	return ResourceProfile{
		CPUShares:  512,
		MemoryMB:   512,
		PidsLimit:  200,
		HourlyRate: 0.10,
	}
}

// TaskSpec describes one machine task to start. Role selects the
// host-protection policy: service machines get a confined syscall allowlist,
// attacker and internal machines a permissive profile with host-reach
// syscalls denied.
type TaskSpec struct {
	SessionID       string          `json:"session_id"`
	MachineID       string          `json:"machine_id"`
	MachineName     string          `json:"machine_name"`
	Image           string          `json:"image"`
	Role            string          `json:"role"`
	Profile         ResourceProfile `json:"profile"`
	SecurityGroupID string          `json:"security_group_id"`
}

// TaskHandle identifies a running provider task and carries the labels the
// reaper needs to map it back to a session.
type TaskHandle struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	MachineID string    `json:"machine_id"`
	StartedAt time.Time `json:"started_at"`
}

// GroupRequest describes a provider security group to realize.
type GroupRequest struct {
	Name           string   `json:"name"`
	SessionID      string   `json:"session_id"`
	MachineID      string   `json:"machine_id"`
	IngressSources []string `json:"ingress_sources"`
	EgressTargets  []string `json:"egress_targets"`
	GatewayPorts   []int32  `json:"gateway_ports"`
}

// Adapter is the provider surface the engine drives. StopTask and
// DeleteSecurityGroup are idempotent: acting on an already-gone resource
// returns nil.
type Adapter interface {
	StartTask(ctx context.Context, spec TaskSpec) (TaskHandle, error)
	StopTask(ctx context.Context, taskID string) error
	ListRunningTasks(ctx context.Context) ([]TaskHandle, error)
	CreateSecurityGroup(ctx context.Context, req GroupRequest) (string, error)
	DeleteSecurityGroup(ctx context.Context, groupID string) error
	PushImage(ctx context.Context, sourceRef, targetRef string) error
	PullImage(ctx context.Context, ref string) error
	RemoveImage(ctx context.Context, ref string) error
	Healthy(ctx context.Context) bool
}

// permanentError marks a provider failure that retrying cannot fix (quota
// exhausted, malformed rule). The retry decorator passes these through.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the retry decorator will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked non-retryable.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// OpError wraps provider call failures with operation context.
type OpError struct {
	Op     string
	TaskID string
	Err    error
}

func (e *OpError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("cloud %s %s: %s", e.Op, e.TaskID, e.Err)
	}
	return fmt.Sprintf("cloud %s: %s", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
