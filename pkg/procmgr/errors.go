package procmgr

import "errors"

var (
	// ErrCgroupNotFound is returned by AssignCgroup when the target
	// cgroup does not exist on disk.
	ErrCgroupNotFound = errors.New("procmgr: cgroup not found")

	// ErrCgroupNotManaged is returned by AssignCgroup when the target
	// cgroup exists but is not registered with this controller.
	ErrCgroupNotManaged = errors.New("procmgr: cgroup not managed by this controller")

	// ErrPolicyConflict is returned when a PID's current scheduling
	// policy is incompatible with the requested mutation.
	ErrPolicyConflict = errors.New("procmgr: policy conflict")

	// ErrUnsupportedPolicy is returned for policies outside the allowed
	// writable set (SCHED_DEADLINE, SCHED_BATCH, SCHED_IDLE).
	ErrUnsupportedPolicy = errors.New("procmgr: unsupported scheduling policy")
)
