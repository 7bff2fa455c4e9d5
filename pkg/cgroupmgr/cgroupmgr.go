// Package cgroupmgr implements the admission-controlled cgroup reservation
// registry: spec §4.1's CgroupManager. It is the core of the control plane
// — every bandwidth reservation the filesystem exposes passes through
// Create/Update/Destroy here, gated by the admission test.
package cgroupmgr

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/hcbsmanager/hcbsmanager/pkg/platform"
)

// MaxUtilisation is the admission cap Σ runtime_us/period_us must never
// exceed (spec §3, MAX_UTIL).
const MaxUtilisation = 0.95

// killReapDelay is how long teardown waits after SIGKILL before writing
// runtime_us=0 and deleting, so the kernel has reaped the tasks file
// (spec §4.1 Teardown).
const killReapDelay = 100 * time.Millisecond

// Reservation is a (runtime_us, period_us) pair. Utilisation is
// runtime_us/period_us.
type Reservation struct {
	RuntimeUs uint64
	PeriodUs  uint64
}

// Utilisation returns runtime_us/period_us as a fraction of CPU bandwidth.
func (r Reservation) Utilisation() float64 {
	return platform.Utilisation(int64(r.RuntimeUs), r.PeriodUs)
}

func (r Reservation) validate() error {
	if r.RuntimeUs == 0 || r.RuntimeUs > r.PeriodUs {
		return fmt.Errorf("%w: runtime_us=%d period_us=%d", ErrInvalidReservation, r.RuntimeUs, r.PeriodUs)
	}
	return nil
}

// Manager owns the set of cgroups this controller has created, and is the
// sole authority permitted to mutate them. Not safe for concurrent use —
// the FUSE transport serialises all calls (spec §5).
type Manager struct {
	platform platform.Platform
	logger   hclog.Logger

	// managed is the registry: name -> current reservation. Membership
	// here must track kernel existence 1:1 (spec §3 ManagedCgroup
	// invariant).
	managed map[string]Reservation
}

// New constructs a Manager bound to a platform implementation.
func New(p platform.Platform, logger hclog.Logger) *Manager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Manager{
		platform: p,
		logger:   logger.Named("cgroup"),
		managed:  make(map[string]Reservation),
	}
}

// IsManaged is a pure registry lookup.
func (m *Manager) IsManaged(name string) bool {
	_, ok := m.managed[name]
	return ok
}

// Names returns the managed cgroup names in sorted order, for readdir.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.managed))
	for name := range m.managed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reservation returns the registry's cached reservation for name.
func (m *Manager) Reservation(name string) (Reservation, bool) {
	r, ok := m.managed[name]
	return r, ok
}

// currentUtilisation sums the *live kernel* utilisation of every managed
// cgroup except excludeName (if non-empty), per spec §4.1's rationale:
// admission reads the kernel rather than the cached registry, so external
// tampering is caught at the next admission.
func (m *Manager) currentUtilisation(ctx context.Context, excludeName string) (float64, error) {
	var sum float64
	for name := range m.managed {
		if name == excludeName {
			continue
		}
		runtimeUs, err := m.platform.GetCgroupRuntimeUs(ctx, name)
		if err != nil {
			return 0, fmt.Errorf("read live runtime_us for %q: %w", name, err)
		}
		periodUs, err := m.platform.GetCgroupPeriodUs(ctx, name)
		if err != nil {
			return 0, fmt.Errorf("read live period_us for %q: %w", name, err)
		}
		sum += platform.Utilisation(runtimeUs, periodUs)
	}
	return sum, nil
}

// admit checks whether adding candidate on top of every managed cgroup's
// live utilisation (excluding excludeName) stays within MaxUtilisation.
func (m *Manager) admit(ctx context.Context, excludeName string, candidate Reservation) error {
	sum, err := m.currentUtilisation(ctx, excludeName)
	if err != nil {
		return err
	}
	if sum+candidate.Utilisation() > MaxUtilisation {
		return fmt.Errorf("%w: current=%.4f candidate=%.4f cap=%.4f", ErrInsufficientBudget, sum, candidate.Utilisation(), MaxUtilisation)
	}
	return nil
}

// Create admits and creates a new managed cgroup (spec §4.1 create).
func (m *Manager) Create(ctx context.Context, name string, r Reservation) error {
	if err := r.validate(); err != nil {
		return err
	}
	if m.IsManaged(name) {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, name)
	}
	if err := m.admit(ctx, "", r); err != nil {
		m.logger.Warn("create rejected by admission", "name", name, "error", err)
		return err
	}

	if err := m.platform.CreateCgroup(ctx, name); err != nil {
		return fmt.Errorf("create cgroup %q: %w", name, err)
	}

	if err := m.applyReservation(ctx, name, r); err != nil {
		if delErr := m.platform.DeleteCgroup(ctx, name); delErr != nil {
			m.logger.Warn("best-effort cleanup of partially created cgroup failed", "name", name, "error", delErr)
		}
		return fmt.Errorf("apply reservation to %q: %w", name, err)
	}

	m.managed[name] = r
	m.logger.Info("cgroup created", "name", name, "runtime_us", r.RuntimeUs, "period_us", r.PeriodUs)
	return nil
}

// applyReservation writes period_us then runtime_us, in that order:
// runtime may be rejected by the kernel if it exceeds period (spec §4.1).
func (m *Manager) applyReservation(ctx context.Context, name string, r Reservation) error {
	if err := m.platform.SetCgroupPeriodUs(ctx, name, r.PeriodUs); err != nil {
		return err
	}
	if err := m.platform.SetCgroupRuntimeUs(ctx, name, int64(r.RuntimeUs)); err != nil {
		return err
	}
	return nil
}

// Update admits the replacement reservation (excluding name's own current
// utilisation from the sum per the closed Open Question, SPEC_FULL.md §D
// OQ2) and applies it via the dormant-then-set sequence of spec §4.1.
func (m *Manager) Update(ctx context.Context, name string, r Reservation) error {
	if err := r.validate(); err != nil {
		return err
	}
	prev, ok := m.managed[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err := m.admit(ctx, name, r); err != nil {
		m.logger.Warn("update rejected by admission", "name", name, "error", err)
		return err
	}

	if err := m.platform.SetCgroupRuntimeUs(ctx, name, 0); err != nil {
		return fmt.Errorf("dormant runtime_us for %q: %w", name, err)
	}
	if err := m.platform.SetCgroupPeriodUs(ctx, name, r.PeriodUs); err != nil {
		m.revertDormant(ctx, name, prev)
		return fmt.Errorf("set period_us for %q: %w", name, err)
	}
	if err := m.platform.SetCgroupRuntimeUs(ctx, name, int64(r.RuntimeUs)); err != nil {
		m.revertDormant(ctx, name, prev)
		return fmt.Errorf("set runtime_us for %q: %w", name, err)
	}

	m.managed[name] = r
	m.logger.Info("cgroup updated", "name", name, "runtime_us", r.RuntimeUs, "period_us", r.PeriodUs)
	return nil
}

// revertDormant best-effort restores prev after a failed Update, per spec
// §9's partial-failure atomicity note: the reservation was left dormant
// (runtime_us=0) during the write window, so a restore failure only
// extends the dormant period rather than corrupting state.
func (m *Manager) revertDormant(ctx context.Context, name string, prev Reservation) {
	if err := m.platform.SetCgroupPeriodUs(ctx, name, prev.PeriodUs); err != nil {
		m.logger.Warn("revert period_us failed", "name", name, "error", err)
		return
	}
	if err := m.platform.SetCgroupRuntimeUs(ctx, name, int64(prev.RuntimeUs)); err != nil {
		m.logger.Warn("revert runtime_us failed", "name", name, "error", err)
	}
}

// Destroy writes runtime_us=0 then deletes the cgroup, removing it from
// the registry only on success (spec §4.1 destroy).
func (m *Manager) Destroy(ctx context.Context, name string) error {
	if !m.IsManaged(name) {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err := m.platform.SetCgroupRuntimeUs(ctx, name, 0); err != nil {
		return fmt.Errorf("dormant runtime_us for %q: %w", name, err)
	}
	if err := m.platform.DeleteCgroup(ctx, name); err != nil {
		return fmt.Errorf("delete cgroup %q: %w", name, err)
	}
	delete(m.managed, name)
	m.logger.Info("cgroup destroyed", "name", name)
	return nil
}

// Close force-destroys every managed cgroup: SIGKILL every member PID,
// wait for the kernel to reap them, zero the runtime and delete. Failures
// on one cgroup never prevent teardown of the rest (spec §4.1 Teardown);
// all failures are aggregated and returned as a single error for the
// caller to log.
func (m *Manager) Close(ctx context.Context) error {
	var result *multierror.Error
	for _, name := range m.Names() {
		if err := m.forceDestroy(ctx, name); err != nil {
			result = multierror.Append(result, fmt.Errorf("teardown %q: %w", name, err))
		}
	}
	m.managed = make(map[string]Reservation)
	return result.ErrorOrNil()
}

func (m *Manager) forceDestroy(ctx context.Context, name string) error {
	var result *multierror.Error

	pids, err := m.platform.CgroupPids(ctx, name)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("list pids: %w", err))
	}
	for _, pid := range pids {
		if err := m.platform.KillPid(ctx, pid); err != nil {
			m.logger.Warn("kill failed during teardown", "name", name, "pid", pid, "error", err)
			result = multierror.Append(result, fmt.Errorf("kill pid %d: %w", pid, err))
		}
	}
	if len(pids) > 0 {
		time.Sleep(killReapDelay)
	}

	if err := m.platform.SetCgroupRuntimeUs(ctx, name, 0); err != nil {
		m.logger.Warn("zero runtime_us failed during teardown", "name", name, "error", err)
		result = multierror.Append(result, fmt.Errorf("zero runtime_us: %w", err))
	}
	if err := m.platform.DeleteCgroup(ctx, name); err != nil {
		m.logger.Warn("delete failed during teardown", "name", name, "error", err)
		result = multierror.Append(result, fmt.Errorf("delete cgroup: %w", err))
	}

	delete(m.managed, name)
	return result.ErrorOrNil()
}
