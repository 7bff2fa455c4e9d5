// Package hcbs implements HCBSManager, the façade of spec §4.3 binding
// CgroupManager and ProcManager behind a single entry point, and owning
// the root bandwidth reservation lifecycle of SPEC_FULL.md §C.2.
package hcbs

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/hcbsmanager/hcbsmanager/pkg/cgroupmgr"
	"github.com/hcbsmanager/hcbsmanager/pkg/platform"
	"github.com/hcbsmanager/hcbsmanager/pkg/procmgr"
)

// RootCgroup is the name of the cgroup the root bandwidth share is
// reserved against. It is the CPU controller's top-level group and is
// never created or deleted by this controller — only its runtime/period
// are adjusted at startup and, optionally, restored at shutdown.
const RootCgroup = "."

// Manager binds a CgroupManager and a ProcManager and enforces the
// cross-component rule of spec §4.2: RT policy changes and cgroup
// migrations are checked against the live CgroupManager registry.
type Manager struct {
	platform platform.Platform
	logger   hclog.Logger

	Cgroups *cgroupmgr.Manager
	Procs   *procmgr.Manager

	rootPeriodUs  uint64
	rootRuntimeUs int64
	started       bool
}

// New constructs a Manager. restoreOnExit is forwarded to the process
// registry; the cgroup registry's teardown is unconditional per spec
// §4.1/§9 and SPEC_FULL.md OQ1.
func New(p platform.Platform, logger hclog.Logger, restoreOnExit bool) *Manager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("hcbs")
	return &Manager{
		platform: p,
		logger:   logger,
		Cgroups:  cgroupmgr.New(p, logger),
		Procs:    procmgr.New(p, logger, restoreOnExit),
	}
}

// Start reserves the root cgroup's bandwidth share at the given fraction
// of (0, 1], remembering the prior runtime_us for restoration on Close
// (SPEC_FULL.md §C.2). It must be called exactly once, before any FUSE
// traffic is served.
func (m *Manager) Start(ctx context.Context, bandwidth float64) error {
	if bandwidth <= 0 || bandwidth > 1 {
		return fmt.Errorf("hcbs: bandwidth must be in (0, 1], got %v", bandwidth)
	}

	periodUs, err := m.platform.GetCgroupPeriodUs(ctx, RootCgroup)
	if err != nil {
		return fmt.Errorf("read root period_us: %w", err)
	}
	runtimeUs, err := m.platform.GetCgroupRuntimeUs(ctx, RootCgroup)
	if err != nil {
		return fmt.Errorf("read root runtime_us: %w", err)
	}
	m.rootPeriodUs = periodUs
	m.rootRuntimeUs = runtimeUs

	newRuntimeUs := int64(float64(periodUs) * bandwidth)
	if err := m.platform.SetCgroupRuntimeUs(ctx, RootCgroup, newRuntimeUs); err != nil {
		return fmt.Errorf("reserve root bandwidth: %w", err)
	}

	m.started = true
	m.logger.Info("root bandwidth reserved", "bandwidth", bandwidth, "runtime_us", newRuntimeUs, "period_us", periodUs)
	return nil
}

// AssignCgroup migrates pid into cgroup, enforcing the cross-component
// rule by passing m.Cgroups as the CgroupRegistry.
func (m *Manager) AssignCgroup(ctx context.Context, pid int, cgroup string) error {
	return m.Procs.AssignCgroup(ctx, m.Cgroups, pid, cgroup)
}

// SetPolicy applies a scheduling policy to pid, enforcing the
// cross-component rule the same way as AssignCgroup.
func (m *Manager) SetPolicy(ctx context.Context, pid int, policy platform.SchedPolicy) error {
	return m.Procs.SetPolicy(ctx, m.Cgroups, pid, policy)
}

// PidCgroup returns the cgroup pid currently belongs to, per the CPU
// controller. A thin passthrough so pkg/vfs never imports pkg/platform
// directly for a read-only lookup.
func (m *Manager) PidCgroup(ctx context.Context, pid int) (string, error) {
	return m.platform.GetPidCgroup(ctx, pid)
}

// PidSchedPolicy returns pid's current scheduling policy.
func (m *Manager) PidSchedPolicy(ctx context.Context, pid int) (platform.SchedPolicy, error) {
	return m.platform.GetSchedPolicy(ctx, pid)
}

// Close tears down processes first, then cgroups, matching spec §4.3's
// drop order: restore policy/cgroup while the managed cgroups the
// processes might be returning from still exist, then reclaim bandwidth.
// If Start reserved the root bandwidth and restoreOnExit was requested,
// the root's prior runtime_us is restored last.
func (m *Manager) Close(ctx context.Context, restoreRootBandwidth bool) error {
	var result *multierror.Error

	if err := m.Procs.Close(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("process teardown: %w", err))
	}
	if err := m.Cgroups.Close(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("cgroup teardown: %w", err))
	}

	if m.started && restoreRootBandwidth {
		if err := m.platform.SetCgroupRuntimeUs(ctx, RootCgroup, m.rootRuntimeUs); err != nil {
			m.logger.Warn("restore root runtime_us failed", "error", err)
			result = multierror.Append(result, fmt.Errorf("restore root runtime_us: %w", err))
		}
	}

	return result.ErrorOrNil()
}
