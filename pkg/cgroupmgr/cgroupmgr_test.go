package cgroupmgr

import (
	"context"
	"errors"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hcbsmanager/hcbsmanager/pkg/platform"
)

// fakePlatform is an in-memory stand-in for platform.Platform, grounded on
// the fixture style of pkg/system/proc's table-driven tests: no real
// syscalls, just maps the manager's calls are expected to make.
type fakePlatform struct {
	cgroups map[string]*fakeCgroup
	pids    map[int]platform.SchedPolicy
	killed  map[int]bool
}

type fakeCgroup struct {
	runtimeUs int64
	periodUs  uint64
	pids      []int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		cgroups: make(map[string]*fakeCgroup),
		pids:    make(map[int]platform.SchedPolicy),
		killed:  make(map[int]bool),
	}
}

func (f *fakePlatform) CgroupExists(_ context.Context, name string) (bool, error) {
	_, ok := f.cgroups[name]
	return ok, nil
}

func (f *fakePlatform) CreateCgroup(_ context.Context, name string) error {
	f.cgroups[name] = &fakeCgroup{}
	return nil
}

func (f *fakePlatform) DeleteCgroup(_ context.Context, name string) error {
	if _, ok := f.cgroups[name]; !ok {
		return errors.New("fake: no such cgroup")
	}
	delete(f.cgroups, name)
	return nil
}

func (f *fakePlatform) GetCgroupRuntimeUs(_ context.Context, name string) (int64, error) {
	c, ok := f.cgroups[name]
	if !ok {
		return 0, errors.New("fake: no such cgroup")
	}
	return c.runtimeUs, nil
}

func (f *fakePlatform) SetCgroupRuntimeUs(_ context.Context, name string, us int64) error {
	c, ok := f.cgroups[name]
	if !ok {
		return errors.New("fake: no such cgroup")
	}
	c.runtimeUs = us
	return nil
}

func (f *fakePlatform) GetCgroupPeriodUs(_ context.Context, name string) (uint64, error) {
	c, ok := f.cgroups[name]
	if !ok {
		return 0, errors.New("fake: no such cgroup")
	}
	return c.periodUs, nil
}

func (f *fakePlatform) SetCgroupPeriodUs(_ context.Context, name string, us uint64) error {
	c, ok := f.cgroups[name]
	if !ok {
		return errors.New("fake: no such cgroup")
	}
	c.periodUs = us
	return nil
}

func (f *fakePlatform) CgroupPids(_ context.Context, name string) ([]int, error) {
	c, ok := f.cgroups[name]
	if !ok {
		return nil, errors.New("fake: no such cgroup")
	}
	return c.pids, nil
}

func (f *fakePlatform) AssignPidToCgroup(_ context.Context, name string, pid int) error {
	c, ok := f.cgroups[name]
	if !ok {
		return errors.New("fake: no such cgroup")
	}
	c.pids = append(c.pids, pid)
	return nil
}

func (f *fakePlatform) GetPidCgroup(_ context.Context, pid int) (string, error) {
	for name, c := range f.cgroups {
		for _, p := range c.pids {
			if p == pid {
				return name, nil
			}
		}
	}
	return "", nil
}

func (f *fakePlatform) GetSchedPolicy(_ context.Context, pid int) (platform.SchedPolicy, error) {
	return f.pids[pid], nil
}

func (f *fakePlatform) SetSchedPolicy(_ context.Context, pid int, policy platform.SchedPolicy) error {
	f.pids[pid] = policy
	return nil
}

func (f *fakePlatform) KillPid(_ context.Context, pid int) error {
	f.killed[pid] = true
	return nil
}

func (f *fakePlatform) PidExists(pid int) bool {
	return !f.killed[pid]
}

var _ platform.Platform = (*fakePlatform)(nil)

func testManager() (*Manager, *fakePlatform) {
	fp := newFakePlatform()
	return New(fp, hclog.NewNullLogger()), fp
}

func TestCreate_Success(t *testing.T) {
	m, fp := testManager()
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "g1", Reservation{RuntimeUs: 50000, PeriodUs: 100000}))
	assert.True(t, m.IsManaged("g1"))

	c := fp.cgroups["g1"]
	require.NotNil(t, c)
	assert.Equal(t, int64(50000), c.runtimeUs)
	assert.Equal(t, uint64(100000), c.periodUs)
}

func TestCreate_AlreadyExists(t *testing.T) {
	m, _ := testManager()
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, "g1", Reservation{RuntimeUs: 1, PeriodUs: 2}))

	err := m.Create(ctx, "g1", Reservation{RuntimeUs: 1, PeriodUs: 2})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCreate_AdmissionRejected(t *testing.T) {
	m, fp := testManager()
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, "g1", Reservation{RuntimeUs: 50000, PeriodUs: 100000}))

	err := m.Create(ctx, "g2", Reservation{RuntimeUs: 50000, PeriodUs: 100000})
	assert.ErrorIs(t, err, ErrInsufficientBudget)
	assert.False(t, m.IsManaged("g2"))
	_, ok := fp.cgroups["g2"]
	assert.False(t, ok, "rejected create must not mutate the kernel")
}

func TestCreate_InvalidReservation(t *testing.T) {
	m, _ := testManager()
	ctx := context.Background()
	err := m.Create(ctx, "g1", Reservation{RuntimeUs: 100000, PeriodUs: 50000})
	assert.ErrorIs(t, err, ErrInvalidReservation)
}

func TestUpdate_NotFound(t *testing.T) {
	m, _ := testManager()
	err := m.Update(context.Background(), "ghost", Reservation{RuntimeUs: 1, PeriodUs: 2})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdate_ShrinkingNeverFailsAdmission(t *testing.T) {
	m, _ := testManager()
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, "g1", Reservation{RuntimeUs: 90000, PeriodUs: 100000}))

	// Shrinking g1's own reservation must never be rejected by admission,
	// because its own prior utilisation is excluded from the "current"
	// side of the sum (SPEC_FULL.md OQ2).
	err := m.Update(ctx, "g1", Reservation{RuntimeUs: 1000, PeriodUs: 100000})
	require.NoError(t, err)

	r, ok := m.Reservation("g1")
	require.True(t, ok)
	assert.Equal(t, uint64(1000), r.RuntimeUs)
}

func TestUpdate_GrowingBeyondCapRejected(t *testing.T) {
	m, _ := testManager()
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, "g1", Reservation{RuntimeUs: 10000, PeriodUs: 100000}))
	require.NoError(t, m.Create(ctx, "g2", Reservation{RuntimeUs: 10000, PeriodUs: 100000}))

	err := m.Update(ctx, "g1", Reservation{RuntimeUs: 94000, PeriodUs: 100000})
	assert.ErrorIs(t, err, ErrInsufficientBudget)
}

func TestDestroy(t *testing.T) {
	m, fp := testManager()
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, "g1", Reservation{RuntimeUs: 1, PeriodUs: 2}))

	require.NoError(t, m.Destroy(ctx, "g1"))
	assert.False(t, m.IsManaged("g1"))
	_, ok := fp.cgroups["g1"]
	assert.False(t, ok)
}

func TestDestroy_NotFound(t *testing.T) {
	m, _ := testManager()
	err := m.Destroy(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClose_ForceDestroysAndKills(t *testing.T) {
	m, fp := testManager()
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, "g1", Reservation{RuntimeUs: 1, PeriodUs: 2}))
	require.NoError(t, fp.AssignPidToCgroup(ctx, "g1", 4242))

	require.NoError(t, m.Close(ctx))
	assert.Empty(t, m.Names())
	assert.True(t, fp.killed[4242])
	_, ok := fp.cgroups["g1"]
	assert.False(t, ok)
}

func TestNamesSorted(t *testing.T) {
	m, _ := testManager()
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, "zeta", Reservation{RuntimeUs: 1, PeriodUs: 100}))
	require.NoError(t, m.Create(ctx, "alpha", Reservation{RuntimeUs: 1, PeriodUs: 100}))

	assert.Equal(t, []string{"alpha", "zeta"}, m.Names())
}
