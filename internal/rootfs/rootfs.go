// Package rootfs implements the Filesystem Assembler (spec 4.B). It
// runs inside the already-unshared mount namespace (the inner
// process) and leaves the caller rooted at a freshly assembled
// overlay with /proc, /sys, /dev, /tmp mounted, every BindMount in
// place, and the old root no longer reachable.
//
// The mount sequence itself is grounded on the teacher's
// containerSetupRoot/containerMountDefaults/containerChroot functions
// in cmd/minimega/container.go, generalized from a fixed bind-mount
// set plus an MS_MOVE+chroot swap to: an overlay lower/upper/work
// layout, a caller-supplied BindMount list, and a real pivot_root
// (minimega had no unprivileged user-namespace requirement and could
// get away with MS_MOVE+chroot; kakuri, running without privilege,
// needs the full unshare+pivot_root protocol of spec 4.B/4.C).
package rootfs

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/unfaded/kakuri/internal/cleanup"
	"github.com/unfaded/kakuri/internal/invocation"
	"github.com/unfaded/kakuri/internal/kerr"
)

// Layout describes where the three overlay layers and the pivot
// target live (spec ch.3: OverlayLayout).
type Layout struct {
	Lower  string // always the host root, "/"
	Upper  string
	Work   string
	Merged string
}

const oldRootName = ".old_root"

// Assemble runs the seven-step protocol of spec 4.B, in order. Any
// step's failure is wrapped in a *kerr.MountError identifying which
// step failed; the caller is expected to run its cleanup.Stack on
// error (assembly itself also registers undo actions for anything it
// created before the failing step, so a partial assembly still
// cleans up when the *process* survives the error — which it won't
// here, since a failed assembly is always fatal to the inner
// process, but the registrations keep Unwind's contract uniform).
func Assemble(layout Layout, binds []invocation.BindMount, stack *cleanup.Stack) error {
	if err := makePrivate(); err != nil {
		return kerr.NewMountError("make-private", err)
	}

	if err := mkdirAllLayers(layout); err != nil {
		return kerr.NewMountError("create-layers", err)
	}

	if err := mountOverlay(layout); err != nil {
		return fmt.Errorf("%w: %w", kerr.ErrOverlayUnsupported, kerr.NewMountError("overlay", err))
	}
	stack.Push("unmount overlay", func() error { return lazyUnmount(layout.Merged) })

	for _, b := range binds {
		if err := applyBind(layout.Merged, b); err != nil {
			return kerr.NewMountError(fmt.Sprintf("bind %s", b.Destination), err)
		}
		dest := filepath.Join(layout.Merged, b.Destination)
		stack.Push("unmount bind "+b.Destination, func() error { return lazyUnmount(dest) })
	}

	if err := mountProc(layout.Merged); err != nil {
		return kerr.NewMountError("proc", err)
	}
	if err := mountSys(layout.Merged); err != nil {
		return kerr.NewMountError("sys", err)
	}
	if err := mountDev(layout.Merged); err != nil {
		return kerr.NewMountError("dev", err)
	}
	if err := mountTmp(layout.Merged); err != nil {
		return kerr.NewMountError("tmp", err)
	}

	if err := pivot(layout.Merged); err != nil {
		return kerr.NewMountError("pivot", err)
	}

	return nil
}

// makePrivate is spec 4.B step 1: make the whole tree private
// recursively so nothing we do here propagates back to the host.
func makePrivate() error {
	return unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, "")
}

// mkdirAllLayers is step 2.
func mkdirAllLayers(l Layout) error {
	for _, dir := range []string{l.Upper, l.Work, l.Merged} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// mountOverlay is step 3.
func mountOverlay(l Layout) error {
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", l.Lower, l.Upper, l.Work)
	return unix.Mount("overlay", l.Merged, "overlay", 0, opts)
}

// applyBind is step 4: ensure the destination exists inside merged
// (mirroring the source's type), bind it, then — for read-only binds
// — remount read-only in the mandatory second step (the kernel
// doesn't honor MS_RDONLY on the initial MS_BIND).
func applyBind(merged string, b invocation.BindMount) error {
	src, err := filepath.EvalSymlinks(b.Source)
	if err != nil {
		return err
	}

	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	dest := filepath.Join(merged, b.Destination)
	if info.IsDir() {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(dest, os.O_CREATE, 0o644)
		if err != nil {
			return err
		}
		f.Close()
	}

	if err := unix.Mount(src, dest, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return err
	}

	if b.ReadOnly {
		if err := unix.Mount("", dest, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_REC, ""); err != nil {
			return err
		}
	}

	return nil
}

// mountProc is step 5: a fresh proc instance, never a bind, so it
// reflects the new PID namespace.
func mountProc(merged string) error {
	target := filepath.Join(merged, "proc")
	if err := os.MkdirAll(target, 0o555); err != nil {
		return err
	}
	return unix.Mount("proc", target, "proc", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV, "")
}

// mountSys binds the host /sys read-only (step 6).
func mountSys(merged string) error {
	target := filepath.Join(merged, "sys")
	if err := os.MkdirAll(target, 0o555); err != nil {
		return err
	}
	if err := unix.Mount("/sys", target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return err
	}
	return unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_REC, "")
}

// mountDev mounts a minimal tmpfs /dev and bind-mounts the handful of
// host device nodes a sandbox needs (null, zero, random, urandom,
// tty, ptmx). A fully unprivileged process cannot usefully mknod real
// device nodes (the device cgroup still governs what they do), so
// binding the host's existing nodes is the idiom rootless container
// runtimes use instead of minimega's mknod-as-root approach.
func mountDev(merged string) error {
	target := filepath.Join(merged, "dev")
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	if err := unix.Mount("tmpfs", target, "tmpfs", unix.MS_NOSUID|unix.MS_STRICTATIME, "mode=755"); err != nil {
		return err
	}

	for _, name := range []string{"null", "zero", "random", "urandom", "tty", "ptmx"} {
		src := filepath.Join("/dev", name)
		if _, err := os.Stat(src); err != nil {
			continue // host doesn't have it; skip rather than fail
		}
		dst := filepath.Join(target, name)
		f, err := os.OpenFile(dst, os.O_CREATE, 0o666)
		if err != nil {
			return err
		}
		f.Close()
		if err := unix.Mount(src, dst, "", unix.MS_BIND, ""); err != nil {
			return err
		}
	}

	return nil
}

// mountTmp mounts a fresh tmpfs at /tmp (step 6, tail).
func mountTmp(merged string) error {
	target := filepath.Join(merged, "tmp")
	if err := os.MkdirAll(target, 0o1777); err != nil {
		return err
	}
	return unix.Mount("tmpfs", target, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=1777")
}

// pivot is step 7: pivot_root(merged, merged/.old_root), chdir to the
// new /, lazily unmount .old_root, and remove the now-empty stub.
func pivot(merged string) error {
	oldRoot := filepath.Join(merged, oldRootName)
	if err := os.MkdirAll(oldRoot, 0o700); err != nil {
		return err
	}

	if err := unix.PivotRoot(merged, oldRoot); err != nil {
		return err
	}

	if err := unix.Chdir("/"); err != nil {
		return err
	}

	newOldRoot := filepath.Join("/", oldRootName)
	if err := unix.Unmount(newOldRoot, unix.MNT_DETACH); err != nil {
		return err
	}

	return os.Remove(newOldRoot)
}

func lazyUnmount(path string) error {
	return unix.Unmount(path, unix.MNT_DETACH)
}
