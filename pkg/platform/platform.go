// Package platform defines the external "kernel-interface" contracts
// enumerated in spec §6: cgroup v1 CPU-controller primitives, PID-to-cgroup
// resolution and POSIX scheduling policy get/set. These are deliberately
// out of the core's scope per spec §1 ("only their contracts are
// specified"); this package supplies one concrete Linux implementation
// (Linux) grounded on the mountinfo-parsing style of
// pkg/system/cgroup/cgroup.go and the cgroup v1 CPU-controller write
// ordering of runc's libcontainer/cgroups/fs cpu.go.
package platform

import (
	"context"
	"fmt"
)

// SchedPolicyKind identifies a POSIX scheduling policy family, independent
// of the write-protocol grammar in pkg/protocol (this package talks to the
// kernel; pkg/protocol talks to command-file bodies).
type SchedPolicyKind int

const (
	SchedOther SchedPolicyKind = iota
	SchedFIFO
	SchedRR
	SchedBatch
	SchedIdle
	SchedDeadline
)

// SchedPolicy is a scheduling policy plus, for FIFO/RR, its priority.
type SchedPolicy struct {
	Kind     SchedPolicyKind
	Priority uint32
}

// IsOther reports whether p is SCHED_OTHER.
func (p SchedPolicy) IsOther() bool { return p.Kind == SchedOther }

// String renders p the way /proc/<pid>/sched_policy reads it back,
// without the trailing newline (spec §4.6).
func (p SchedPolicy) String() string {
	switch p.Kind {
	case SchedOther:
		return "SCHED_OTHER"
	case SchedFIFO:
		return fmt.Sprintf("SCHED_FIFO(%d)", p.Priority)
	case SchedRR:
		return fmt.Sprintf("SCHED_RR(%d)", p.Priority)
	case SchedBatch:
		return "SCHED_BATCH"
	case SchedIdle:
		return "SCHED_IDLE"
	case SchedDeadline:
		return "SCHED_DEADLINE"
	default:
		return "SCHED_UNKNOWN"
	}
}

// Platform is the contract this repository requires from the underlying
// kernel. Every method is a thin wrapper over a single syscall or sysfs
// file; no retries, no caching — callers (cgroupmgr, procmgr) own all
// policy decisions.
type Platform interface {
	// CgroupExists reports whether name has a corresponding cgroup
	// directory on disk.
	CgroupExists(ctx context.Context, name string) (bool, error)

	// CreateCgroup creates the cgroup directory for name. Callers do not
	// check CgroupExists first; the Linux implementation treats an
	// already-existing directory as success.
	CreateCgroup(ctx context.Context, name string) error

	// DeleteCgroup removes the cgroup directory for name. The directory
	// must be empty of tasks for this to succeed on most kernels.
	DeleteCgroup(ctx context.Context, name string) error

	// GetCgroupRuntimeUs / SetCgroupRuntimeUs read and write
	// cpu.rt_runtime_us for name.
	GetCgroupRuntimeUs(ctx context.Context, name string) (int64, error)
	SetCgroupRuntimeUs(ctx context.Context, name string, us int64) error

	// GetCgroupPeriodUs / SetCgroupPeriodUs read and write
	// cpu.rt_period_us for name.
	GetCgroupPeriodUs(ctx context.Context, name string) (uint64, error)
	SetCgroupPeriodUs(ctx context.Context, name string, us uint64) error

	// CgroupPids lists the PIDs currently in the cgroup's tasks file.
	CgroupPids(ctx context.Context, name string) ([]int, error)

	// AssignPidToCgroup writes pid into name's tasks file.
	AssignPidToCgroup(ctx context.Context, name string, pid int) error

	// GetPidCgroup returns the cgroup path the CPU controller currently
	// places pid in, relative to the controller root.
	GetPidCgroup(ctx context.Context, pid int) (string, error)

	// GetSchedPolicy / SetSchedPolicy read and apply pid's scheduling
	// policy via sched_getscheduler/sched_setscheduler.
	GetSchedPolicy(ctx context.Context, pid int) (SchedPolicy, error)
	SetSchedPolicy(ctx context.Context, pid int, policy SchedPolicy) error

	// KillPid sends SIGKILL to pid. The only place the controller is
	// permitted to kill a process (force-destroy teardown, spec §4.1).
	KillPid(ctx context.Context, pid int) error

	// PidExists reports whether pid is still alive.
	PidExists(pid int) bool
}

// Utilisation is runtime_us/period_us as a float in [0, 1]. period_us == 0
// is treated as zero utilisation rather than dividing by zero; callers
// never construct a Reservation with period_us == 0 (spec §3 invariant
// 0 < runtime_us ≤ period_us), but live kernel state might momentarily be
// in that shape mid-write, and admission must not panic on it.
func Utilisation(runtimeUs int64, periodUs uint64) float64 {
	if periodUs == 0 {
		return 0
	}
	return float64(runtimeUs) / float64(periodUs)
}
