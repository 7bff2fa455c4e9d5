package procmgr

import (
	"context"
	"errors"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hcbsmanager/hcbsmanager/pkg/platform"
)

// fakePlatform mirrors the cgroupmgr package's fixture; duplicated rather
// than shared to keep each package's tests free of a cross-package test
// dependency.
type fakePlatform struct {
	cgroups map[string]bool
	cgroup  map[int]string
	policy  map[int]platform.SchedPolicy
	alive   map[int]bool
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		cgroups: make(map[string]bool),
		cgroup:  make(map[int]string),
		policy:  make(map[int]platform.SchedPolicy),
		alive:   make(map[int]bool),
	}
}

func (f *fakePlatform) CgroupExists(_ context.Context, name string) (bool, error) {
	return f.cgroups[name], nil
}
func (f *fakePlatform) CreateCgroup(_ context.Context, name string) error {
	f.cgroups[name] = true
	return nil
}
func (f *fakePlatform) DeleteCgroup(_ context.Context, name string) error {
	delete(f.cgroups, name)
	return nil
}
func (f *fakePlatform) GetCgroupRuntimeUs(_ context.Context, _ string) (int64, error) { return 0, nil }
func (f *fakePlatform) SetCgroupRuntimeUs(_ context.Context, _ string, _ int64) error { return nil }
func (f *fakePlatform) GetCgroupPeriodUs(_ context.Context, _ string) (uint64, error) { return 0, nil }
func (f *fakePlatform) SetCgroupPeriodUs(_ context.Context, _ string, _ uint64) error { return nil }
func (f *fakePlatform) CgroupPids(_ context.Context, _ string) ([]int, error)         { return nil, nil }

func (f *fakePlatform) AssignPidToCgroup(_ context.Context, name string, pid int) error {
	f.cgroup[pid] = name
	return nil
}

func (f *fakePlatform) GetPidCgroup(_ context.Context, pid int) (string, error) {
	cgroup, ok := f.cgroup[pid]
	if !ok {
		return "", errors.New("fake: unknown pid")
	}
	return cgroup, nil
}

func (f *fakePlatform) GetSchedPolicy(_ context.Context, pid int) (platform.SchedPolicy, error) {
	return f.policy[pid], nil
}

func (f *fakePlatform) SetSchedPolicy(_ context.Context, pid int, policy platform.SchedPolicy) error {
	f.policy[pid] = policy
	return nil
}

func (f *fakePlatform) KillPid(_ context.Context, pid int) error {
	f.alive[pid] = false
	return nil
}

func (f *fakePlatform) PidExists(pid int) bool {
	alive, ok := f.alive[pid]
	return !ok || alive
}

var _ platform.Platform = (*fakePlatform)(nil)

// fakeRegistry implements CgroupRegistry.
type fakeRegistry map[string]bool

func (r fakeRegistry) IsManaged(name string) bool { return r[name] }

func TestAssignCgroup_Success(t *testing.T) {
	fp := newFakePlatform()
	fp.cgroups["g1"] = true
	fp.cgroup[100] = "root"
	fp.policy[100] = platform.SchedPolicy{Kind: platform.SchedOther}
	fp.alive[100] = true

	m := New(fp, hclog.NewNullLogger(), false)
	reg := fakeRegistry{"g1": true}

	require.NoError(t, m.AssignCgroup(context.Background(), reg, 100, "g1"))
	assert.Equal(t, "g1", fp.cgroup[100])
	assert.True(t, m.IsManaged(100))
}

func TestAssignCgroup_NotFound(t *testing.T) {
	fp := newFakePlatform()
	m := New(fp, hclog.NewNullLogger(), false)
	err := m.AssignCgroup(context.Background(), fakeRegistry{}, 100, "ghost")
	assert.ErrorIs(t, err, ErrCgroupNotFound)
}

func TestAssignCgroup_NotManaged(t *testing.T) {
	fp := newFakePlatform()
	fp.cgroups["foreign"] = true
	m := New(fp, hclog.NewNullLogger(), false)
	err := m.AssignCgroup(context.Background(), fakeRegistry{}, 100, "foreign")
	assert.ErrorIs(t, err, ErrCgroupNotManaged)
}

func TestAssignCgroup_PolicyConflict(t *testing.T) {
	fp := newFakePlatform()
	fp.cgroups["g1"] = true
	fp.cgroup[100] = "root"
	fp.policy[100] = platform.SchedPolicy{Kind: platform.SchedFIFO, Priority: 10}

	m := New(fp, hclog.NewNullLogger(), false)
	err := m.AssignCgroup(context.Background(), fakeRegistry{"g1": true}, 100, "g1")
	assert.ErrorIs(t, err, ErrPolicyConflict)
}

func TestSetPolicy_OtherAlwaysAllowed(t *testing.T) {
	fp := newFakePlatform()
	fp.cgroup[100] = "root"
	m := New(fp, hclog.NewNullLogger(), false)

	err := m.SetPolicy(context.Background(), fakeRegistry{}, 100, platform.SchedPolicy{Kind: platform.SchedOther})
	require.NoError(t, err)
}

func TestSetPolicy_RTRequiresManagedCgroup(t *testing.T) {
	fp := newFakePlatform()
	fp.cgroup[100] = "root"
	m := New(fp, hclog.NewNullLogger(), false)

	err := m.SetPolicy(context.Background(), fakeRegistry{}, 100, platform.SchedPolicy{Kind: platform.SchedFIFO, Priority: 10})
	assert.ErrorIs(t, err, ErrPolicyConflict)

	reg := fakeRegistry{"root": true}
	err = m.SetPolicy(context.Background(), reg, 100, platform.SchedPolicy{Kind: platform.SchedFIFO, Priority: 10})
	require.NoError(t, err)
	assert.Equal(t, platform.SchedFIFO, fp.policy[100].Kind)
}

func TestSetPolicy_UnsupportedRejected(t *testing.T) {
	fp := newFakePlatform()
	fp.cgroup[100] = "root"
	m := New(fp, hclog.NewNullLogger(), false)

	for _, kind := range []platform.SchedPolicyKind{platform.SchedDeadline, platform.SchedBatch, platform.SchedIdle} {
		err := m.SetPolicy(context.Background(), fakeRegistry{}, 100, platform.SchedPolicy{Kind: kind})
		assert.ErrorIs(t, err, ErrUnsupportedPolicy)
	}
}

func TestNotifyDead(t *testing.T) {
	fp := newFakePlatform()
	fp.cgroup[100] = "root"
	m := New(fp, hclog.NewNullLogger(), false)
	require.NoError(t, m.SetPolicy(context.Background(), fakeRegistry{}, 100, platform.SchedPolicy{Kind: platform.SchedOther}))
	assert.True(t, m.IsManaged(100))

	m.NotifyDead([]int{100})
	assert.False(t, m.IsManaged(100))
}

func TestClose_RestoreOnExit(t *testing.T) {
	fp := newFakePlatform()
	fp.cgroup[100] = "original"
	fp.alive[100] = true
	m := New(fp, hclog.NewNullLogger(), true)

	require.NoError(t, m.SetPolicy(context.Background(), fakeRegistry{}, 100, platform.SchedPolicy{Kind: platform.SchedOther}))
	fp.cgroup[100] = "somewhere-else"
	fp.policy[100] = platform.SchedPolicy{Kind: platform.SchedFIFO, Priority: 50}

	require.NoError(t, m.Close(context.Background()))
	assert.Equal(t, "original", fp.cgroup[100])
	assert.Equal(t, platform.SchedOther, fp.policy[100].Kind)
}

func TestClose_NoRestoreLeavesSystemUntouched(t *testing.T) {
	fp := newFakePlatform()
	fp.cgroup[100] = "original"
	fp.alive[100] = true
	m := New(fp, hclog.NewNullLogger(), false)

	require.NoError(t, m.SetPolicy(context.Background(), fakeRegistry{"original": true}, 100, platform.SchedPolicy{Kind: platform.SchedFIFO}))
	fp.cgroup[100] = "somewhere-else"

	require.NoError(t, m.Close(context.Background()))
	assert.Equal(t, "somewhere-else", fp.cgroup[100], "no restore means no mutation on close")
}
