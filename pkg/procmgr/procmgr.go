// Package procmgr implements the managed-process registry and migration
// rules of spec §4.2: ProcManager. It tracks every PID this controller has
// touched, remembers each one's pre-interference cgroup for restoration,
// and enforces the policy-migration rules that gate RT scheduling behind
// cgroup management.
package procmgr

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/hcbsmanager/hcbsmanager/pkg/platform"
)

// CgroupRegistry is the subset of cgroupmgr.Manager this package depends
// on. Declared locally (rather than importing cgroupmgr directly) so the
// two managers have no compile-time dependency on each other; hcbs.Manager
// wires a *cgroupmgr.Manager in as this interface at call time, matching
// spec §4.3's "passing the CgroupManager to ProcManager at call time".
type CgroupRegistry interface {
	IsManaged(name string) bool
}

// managedProcess is the registry entry for a PID this controller has
// mutated at least once.
type managedProcess struct {
	originalCgroup string
}

// Manager is the process registry. Not safe for concurrent use; the FUSE
// transport serialises all calls (spec §5).
type Manager struct {
	platform      platform.Platform
	logger        hclog.Logger
	restoreOnExit bool
	managed       map[int]*managedProcess
}

// New constructs a Manager. restoreOnExit controls Close's behavior per
// spec §4.2 Teardown and the closed Open Question in SPEC_FULL.md §D (OQ1).
func New(p platform.Platform, logger hclog.Logger, restoreOnExit bool) *Manager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Manager{
		platform:      p,
		logger:        logger.Named("proc"),
		restoreOnExit: restoreOnExit,
		managed:       make(map[int]*managedProcess),
	}
}

// IsManaged reports whether pid has a registry entry.
func (m *Manager) IsManaged(pid int) bool {
	_, ok := m.managed[pid]
	return ok
}

// register lazily inserts pid into the registry, capturing its current
// cgroup as original_cgroup if this is the first time the controller has
// touched it (spec §3 ManagedProcess lifecycle).
func (m *Manager) register(ctx context.Context, pid int) error {
	if _, ok := m.managed[pid]; ok {
		return nil
	}
	cgroup, err := m.platform.GetPidCgroup(ctx, pid)
	if err != nil {
		return fmt.Errorf("read original cgroup for pid %d: %w", pid, err)
	}
	m.managed[pid] = &managedProcess{originalCgroup: cgroup}
	m.logger.Debug("registered process", "pid", pid, "original_cgroup", cgroup)
	return nil
}

// AssignCgroup migrates pid into cgroup, per spec §4.2 assign_cgroup.
func (m *Manager) AssignCgroup(ctx context.Context, cgroups CgroupRegistry, pid int, cgroup string) error {
	exists, err := m.platform.CgroupExists(ctx, cgroup)
	if err != nil {
		return fmt.Errorf("check cgroup existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %q", ErrCgroupNotFound, cgroup)
	}
	if !cgroups.IsManaged(cgroup) {
		return fmt.Errorf("%w: %q", ErrCgroupNotManaged, cgroup)
	}

	policy, err := m.platform.GetSchedPolicy(ctx, pid)
	if err != nil {
		return fmt.Errorf("read scheduling policy for pid %d: %w", pid, err)
	}
	if !policy.IsOther() {
		return fmt.Errorf("%w: pid %d must be SCHED_OTHER before cgroup migration", ErrPolicyConflict, pid)
	}

	if err := m.register(ctx, pid); err != nil {
		return err
	}

	if err := m.platform.AssignPidToCgroup(ctx, cgroup, pid); err != nil {
		return fmt.Errorf("assign pid %d to cgroup %q: %w", pid, cgroup, err)
	}
	m.logger.Info("process migrated", "pid", pid, "cgroup", cgroup)
	return nil
}

// SetPolicy applies policy to pid, enforcing spec §4.2's rules: SCHED_OTHER
// is always allowed; SCHED_FIFO/SCHED_RR are allowed only when pid's
// current cgroup is managed; SCHED_DEADLINE/BATCH/IDLE are unsupported.
func (m *Manager) SetPolicy(ctx context.Context, cgroups CgroupRegistry, pid int, policy platform.SchedPolicy) error {
	switch policy.Kind {
	case platform.SchedDeadline, platform.SchedBatch, platform.SchedIdle:
		return fmt.Errorf("%w: %v", ErrUnsupportedPolicy, policy.Kind)
	}

	if policy.Kind == platform.SchedFIFO || policy.Kind == platform.SchedRR {
		currentCgroup, err := m.platform.GetPidCgroup(ctx, pid)
		if err != nil {
			return fmt.Errorf("read current cgroup for pid %d: %w", pid, err)
		}
		if !cgroups.IsManaged(currentCgroup) {
			return fmt.Errorf("%w: pid %d is not in a managed cgroup", ErrPolicyConflict, pid)
		}
	}

	if err := m.register(ctx, pid); err != nil {
		return err
	}

	if err := m.platform.SetSchedPolicy(ctx, pid, policy); err != nil {
		return fmt.Errorf("set scheduling policy for pid %d: %w", pid, err)
	}
	m.logger.Info("scheduling policy changed", "pid", pid, "policy", policy.Kind, "priority", policy.Priority)
	return nil
}

// NotifyDead removes every pid in dead from the registry without touching
// the system (spec §4.2 notify_dead).
func (m *Manager) NotifyDead(dead []int) {
	for _, pid := range dead {
		if _, ok := m.managed[pid]; ok {
			delete(m.managed, pid)
			m.logger.Debug("pid removed from registry", "pid", pid)
		}
	}
}

// Close restores every still-alive managed process to SCHED_OTHER and its
// original cgroup, if restoreOnExit is set (spec §4.2 Teardown). If not,
// the registry is simply dropped. Failures are logged and do not prevent
// restoring the rest.
func (m *Manager) Close(ctx context.Context) error {
	if !m.restoreOnExit {
		m.managed = make(map[int]*managedProcess)
		return nil
	}

	var result *multierror.Error
	for pid, entry := range m.managed {
		if !m.platform.PidExists(pid) {
			continue
		}
		if err := m.platform.SetSchedPolicy(ctx, pid, platform.SchedPolicy{Kind: platform.SchedOther}); err != nil {
			m.logger.Warn("restore policy failed", "pid", pid, "error", err)
			result = multierror.Append(result, fmt.Errorf("restore policy for pid %d: %w", pid, err))
		}
		if err := m.platform.AssignPidToCgroup(ctx, entry.originalCgroup, pid); err != nil {
			m.logger.Warn("restore cgroup failed", "pid", pid, "cgroup", entry.originalCgroup, "error", err)
			result = multierror.Append(result, fmt.Errorf("restore cgroup for pid %d: %w", pid, err))
		}
	}
	m.managed = make(map[int]*managedProcess)
	return result.ErrorOrNil()
}
