//go:build linux

// Command hcbsmanager mounts the HCBS control-plane filesystem at a mount
// point and serves it until interrupted. See spec §6 for the CLI contract.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/hcbsmanager/hcbsmanager/pkg/fusesrv"
	"github.com/hcbsmanager/hcbsmanager/pkg/hcbs"
	"github.com/hcbsmanager/hcbsmanager/pkg/platform"
	"github.com/hcbsmanager/hcbsmanager/pkg/snapshot"
	"github.com/hcbsmanager/hcbsmanager/pkg/vfs"
)

// defaultMountPoint is configurable at build time per spec §6; this is the
// default when --mount-point is not given.
const defaultMountPoint = "/mnt/hcbs-manager"

// selfSchedPriority is the priority the controller assigns itself at
// startup (SPEC_FULL.md §C.1), matching the original's "run at a priority
// no managed workload can preempt it from".
const selfSchedPriority = 99

type opts struct {
	bandwidth     float64
	restoreOnExit bool
	logLevel      string
	mountPoint    string
}

func main() {
	var o opts

	root := &cobra.Command{
		Use:   "hcbsmanager",
		Short: "HCBS control plane: cgroup CPU-bandwidth reservations and process scheduling policy over a FUSE filesystem",
		Long: `hcbsmanager exposes a small virtual filesystem at the mount point for
enumerating live processes, managing cgroup v1 CPU-bandwidth reservations,
migrating processes into reservations, and changing POSIX scheduling
policy. An admission controller keeps aggregate reserved utilisation under
a fixed cap.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), o)
		},
	}

	root.Flags().Float64VarP(&o.bandwidth, "bandwidth", "b", 0.9, "root cgroup runtime/period ratio to reserve at startup, in (0, 1]")
	root.Flags().BoolVarP(&o.restoreOnExit, "restore-on-exit", "e", false, "on exit, restore previous root runtime and revert touched processes")
	root.Flags().StringVar(&o.logLevel, "log-level", "warn", "one of off,error,warn,info,debug,trace")
	root.Flags().StringVar(&o.mountPoint, "mount-point", defaultMountPoint, "where to mount the control-plane filesystem")

	if err := root.Execute(); err != nil {
		hclog.Default().Error(err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, o opts) error {
	level := hclog.LevelFromString(o.logLevel)
	if level == hclog.NoLevel {
		return fmt.Errorf("invalid --log-level %q", o.logLevel)
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "hcbsmanager",
		Level: level,
	})

	cpuRoot, err := platform.DetectCPUControllerRoot()
	if err != nil {
		return fmt.Errorf("detect cgroup v1 cpu controller: %w", err)
	}
	plat := &platform.Linux{Root: cpuRoot}

	manager := hcbs.New(plat, logger, o.restoreOnExit)

	// SPEC_FULL.md §C.1: assign this process to the root cgroup and raise
	// its own scheduling policy to SCHED_FIFO before doing anything else,
	// so the control plane itself cannot be preempted by what it manages.
	// Best-effort: not every host (or test container) permits this.
	if err := plat.AssignPidToCgroup(ctx, hcbs.RootCgroup, os.Getpid()); err != nil {
		logger.Warn("could not assign self to root cgroup", "error", err)
	}
	if err := plat.SetSchedPolicy(ctx, os.Getpid(), platform.SchedPolicy{Kind: platform.SchedFIFO, Priority: selfSchedPriority}); err != nil {
		logger.Warn("could not raise own scheduling policy", "error", err)
	}

	if err := manager.Start(ctx, o.bandwidth); err != nil {
		return fmt.Errorf("reserve root bandwidth: %w", err)
	}

	if err := os.MkdirAll(o.mountPoint, 0o755); err != nil {
		return fmt.Errorf("create mount point: %w", err)
	}

	snap := snapshot.New(logger)
	tree := vfs.NewTree(manager, snap, logger)
	rawFS := fusesrv.New(tree, snap, logger)

	mountOpts := &fuse.MountOptions{
		AllowOther: true,
		Options:    []string{"auto_unmount", "default_permissions", "nodev", "nosuid", "rw"},
		Name:       "hcbsmanager",
		FsName:     "hcbsmanager",
	}

	server, err := fuse.NewServer(rawFS, o.mountPoint, mountOpts)
	if err != nil {
		return fmt.Errorf("mount %s: %w", o.mountPoint, err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go server.Serve()
	if err := server.WaitMount(); err != nil {
		return fmt.Errorf("wait for mount: %w", err)
	}
	logger.Info("mounted", "path", o.mountPoint, "bandwidth", o.bandwidth, "restore_on_exit", o.restoreOnExit)

	<-ctx.Done()
	logger.Info("shutting down")

	if err := server.Unmount(); err != nil {
		logger.Warn("unmount failed", "error", err)
	}

	if err := manager.Close(context.Background(), o.restoreOnExit); err != nil {
		logger.Warn("teardown reported errors", "error", err)
	}

	// spec §6: the mount point is "created if absent, removed on clean
	// exit" — mirrors the original's TempDir, whose lifetime is tied to
	// Controller::mount().
	if err := os.RemoveAll(o.mountPoint); err != nil {
		logger.Warn("remove mount point failed", "error", err)
	}

	return nil
}
