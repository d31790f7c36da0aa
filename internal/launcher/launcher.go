// Package launcher implements the Namespace Launcher (spec 4.C): the
// outer/inner fork protocol that gets an unprivileged caller into a
// fully isolated set of namespaces and, from there, executes the
// target program.
//
// The re-exec shape — spawn the kakuri binary itself with a hidden
// subcommand and a syscall.SysProcAttr carrying Cloneflags — is lifted
// directly from the teacher's containerShim/CONTAINER_MAGIC dance in
// cmd/minimega/container.go (main.go checks os.Args[0]=="CONTAINER"
// and branches into containerShim() before anything else runs;
// container.go's launch() builds the child as
// &exec.Cmd{SysProcAttr: &syscall.SysProcAttr{Cloneflags: ...}}).
//
// What's added beyond the teacher: CLONE_NEWUSER plus UidMappings/
// GidMappings, because minimega always ran as root and had no need to
// fake a root view inside the namespace. Go's own runtime writes
// /proc/self/setgroups=deny and the gid_map/uid_map pair for us, in
// the mandated order, as part of honoring those SysProcAttr fields —
// so the spec 4.C "Unshared -> MapsWritten" transition is something
// the standard library already does correctly rather than code kakuri
// has to hand-roll.
package launcher

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/unfaded/kakuri/internal/capdrop"
	"github.com/unfaded/kakuri/internal/cleanup"
	"github.com/unfaded/kakuri/internal/invocation"
	"github.com/unfaded/kakuri/internal/klog"
	"github.com/unfaded/kakuri/internal/netns"
	"github.com/unfaded/kakuri/internal/rootfs"
)

// InitMagic is the hidden first argument that routes a re-exec of the
// kakuri binary into RunInit instead of the normal CLI dispatch,
// mirroring the teacher's CONTAINER_MAGIC.
const InitMagic = "__kakuri_init__"

// InitRequest is everything the inner process needs, serialized to
// JSON and handed across ExtraFiles fd 3. It never touches a real
// file on disk — the whole point is that nothing about a launch
// leaks into anything other than the mounts and processes the
// cleanup stack already knows about.
type InitRequest struct {
	Layout   rootfs.Layout           `json:"layout"`
	Binds    []invocation.BindMount  `json:"binds"`
	Hostname string                  `json:"hostname"`
	Command  string                  `json:"command"`
	Args     []string                `json:"args"`
	NetMode  string                  `json:"net_mode"` // "none" | "host" | "wireguard"
	WgConfig string                  `json:"wg_config,omitempty"`
	WgIface  string                  `json:"wg_iface,omitempty"`
}

// Session is the RuntimeSandbox of spec ch.3: what the orchestrator
// holds for a launched sandbox.
type Session struct {
	Pid     int
	cmd     *exec.Cmd
	netGate *os.File // outer's write-end; closed once wg0 has been moved into the child's netns
	reaped  atomic.Bool // set once Wait has collected the child's exit status
}

// cloneFlags builds the namespace set of spec 4.C, skipping
// CLONE_NEWNET when the network is meant to be shared with the host
// (spec 4.D "host" mode).
func cloneFlags(allowNetwork bool) uintptr {
	flags := uintptr(unix.CLONE_NEWUSER | unix.CLONE_NEWNS | unix.CLONE_NEWPID |
		unix.CLONE_NEWUTS | unix.CLONE_NEWIPC)
	if !allowNetwork {
		flags |= uintptr(unix.CLONE_NEWNET)
	}
	return flags
}

func idMappings(flags invocation.Flags) (uid, gid []syscall.SysProcIDMap) {
	outerUID, outerGID := os.Getuid(), os.Getgid()

	innerUID, innerGID := 0, 0
	if flags.DropRootMapping {
		innerUID, innerGID = outerUID, outerGID
	}

	uid = []syscall.SysProcIDMap{{ContainerID: innerUID, HostID: outerUID, Size: 1}}
	gid = []syscall.SysProcIDMap{{ContainerID: innerGID, HostID: outerGID, Size: 1}}
	return
}

// Launch spawns the inner process via the re-exec protocol and blocks
// until it has entered its namespaces (cmd.Start returning is enough:
// clone(2) with these flags is atomic, so Pid is already valid inside
// the new namespace set). stack accumulates undo actions for anything
// this function itself creates: currently just the inner process,
// killed on Unwind unless Wait has already reaped it. The pipes are
// closed here directly and never pushed.
func Launch(req InitRequest, flags invocation.Flags, stack *cleanup.Stack) (*Session, error) {
	self, err := os.Readlink("/proc/self/exe")
	if err != nil {
		self = os.Args[0] // fall back to argv[0] lookup, as the teacher does
	}

	reqRead, reqWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("request pipe: %w", err)
	}
	netGateRead, netGateWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("net-gate pipe: %w", err)
	}

	uidMap, gidMap := idMappings(flags)

	cmd := &exec.Cmd{
		Path:   self,
		Args:   []string{self, InitMagic},
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		ExtraFiles: []*os.File{
			reqRead,    // fd 3: InitRequest JSON
			netGateRead, // fd 4: blocks network provisioning until outer says go
		},
		SysProcAttr: &syscall.SysProcAttr{
			Cloneflags:                 cloneFlags(flags.AllowNetwork),
			UidMappings:                uidMap,
			GidMappings:                gidMap,
			GidMappingsEnableSetgroups: false,
		},
	}

	if err := cmd.Start(); err != nil {
		reqRead.Close()
		reqWrite.Close()
		netGateRead.Close()
		netGateWrite.Close()
		return nil, fmt.Errorf("start inner process: %w", err)
	}

	sess := &Session{Pid: cmd.Process.Pid, cmd: cmd, netGate: netGateWrite}

	// A successful Wait() already reaps the child; killing an exited
	// process just to unwind the cleanup stack afterward returns an
	// error cleanup.Stack.Unwind would otherwise log as a failed step
	// on every ordinary successful run. sess.reaped is set by Wait
	// before it returns, so this closure only ever fires Kill while
	// the inner process could still be alive to receive it.
	stack.Push("kill inner process", func() error {
		if sess.reaped.Load() {
			return nil
		}
		return cmd.Process.Kill()
	})

	// hand off the request, then close our copies of the fds we
	// passed through — the child has its own duplicates.
	reqRead.Close()
	enc := json.NewEncoder(reqWrite)
	if err := enc.Encode(&req); err != nil {
		reqWrite.Close()
		return nil, fmt.Errorf("encode init request: %w", err)
	}
	reqWrite.Close()
	netGateRead.Close()

	return sess, nil
}

// ReleaseNetGate signals the inner process that any outer-side
// network setup (moving a wireguard interface into its netns, spec
// 4.D) has completed and it may proceed.
func (s *Session) ReleaseNetGate() error {
	if s.netGate == nil {
		return nil
	}
	err := s.netGate.Close()
	s.netGate = nil
	return err
}

// ProvisionHostSideNetwork performs the one piece of network setup
// that can only happen from outside the new net namespace: creating
// the wg0 link and moving it into the inner process's namespace (spec
// 4.D, final paragraph). It always releases the net gate afterward,
// success or failure, so the inner process never blocks forever.
func (s *Session) ProvisionHostSideNetwork(req InitRequest) error {
	var err error
	if netns.Mode(req.NetMode) == netns.ModeWireguard {
		err = netns.CreateAndMoveLink(req.WgIface, s.Pid)
	}
	if gateErr := s.ReleaseNetGate(); gateErr != nil && err == nil {
		err = gateErr
	}
	return err
}

// Wait blocks for the inner process to exit, forwarding SIGINT,
// SIGTERM and SIGHUP it receives in the meantime (spec 4.C
// "ChildReady -> Exited"; spec ch.5 "Cancellation"). It returns the
// child's exit code, which the orchestrator propagates verbatim as
// kakuri's own exit code.
func (s *Session) Wait() (int, error) {
	defer s.reaped.Store(true)

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)
	defer signal.Stop(sigCh)

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	for {
		select {
		case sig := <-sigCh:
			if s.cmd.Process != nil {
				_ = s.cmd.Process.Signal(sig)
			}
		case err := <-done:
			if err == nil {
				return 0, nil
			}
			var exitErr *exec.ExitError
			if ok := asExitError(err, &exitErr); ok {
				return exitErr.ExitCode(), nil
			}
			return -1, err
		}
	}
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// RunInit is the inner process's entry point: it is invoked by
// main() as soon as os.Args[1] == InitMagic, before any other CLI
// dispatch runs (mirroring the teacher's own main.go check for
// CONTAINER_MAGIC). It never returns on success — it execs the
// target program in place of the kakuri process, the same way
// containerShim() ends in syscall.Exec.
func RunInit() {
	reqFile := os.NewFile(3, "init-request")
	netGate := os.NewFile(4, "net-gate")

	var req InitRequest
	if err := json.NewDecoder(reqFile).Decode(&req); err != nil {
		klog.Fatal("inner: decode init request: %v", err)
	}
	reqFile.Close()

	if req.Hostname != "" {
		if err := unix.Sethostname([]byte(req.Hostname)); err != nil {
			klog.Fatal("inner: sethostname: %v", err)
		}
	}

	stack := cleanup.New()
	if err := rootfs.Assemble(req.Layout, req.Binds, stack); err != nil {
		stack.Unwind()
		klog.Fatal("inner: assemble rootfs: %v", err)
	}

	// spec 4.D: block until the outer process has finished any
	// namespace setup it alone can perform (creating wg0 on the host
	// side and moving it in), then proceed to configure networking
	// inside our own, already-entered net namespace.
	buf := make([]byte, 1)
	_, _ = netGate.Read(buf) // blocks until outer closes its end; error==EOF is the expected release
	netGate.Close()

	if err := provisionNetwork(req); err != nil {
		stack.Unwind()
		klog.Fatal("inner: provision network: %v", err)
	}

	if err := capdrop.DropBoundingSetExcept(capdrop.DefaultKeep); err != nil {
		stack.Unwind()
		klog.Fatal("inner: drop capabilities: %v", err)
	}

	argv := req.Args
	if len(argv) == 0 {
		argv = []string{req.Command}
	}

	// past this point failures belong to the target program, not
	// kakuri (spec ch.7): there is no cleanup to run because a
	// successful exec replaces this process image entirely, and a
	// failed one means nothing changed.
	if err := syscall.Exec(req.Command, argv, os.Environ()); err != nil {
		klog.Fatal("inner: exec %v: %v", req.Command, err)
	}
}

// provisionNetwork brings lo (and wg0, when configured) up inside the
// already-entered net namespace. The substantive work — interface
// creation, wg key configuration, default-route setup — lives in
// internal/netns (spec 4.D); no address is assigned to wg0 anywhere
// in that path. internal/netns is also used by the outer
// process (to create and move the wg0 link before the gate is
// released) and by `kakuri vpn show` (to validate a config without
// launching anything).
func provisionNetwork(req InitRequest) error {
	return netns.ProvisionInner(netns.Mode(req.NetMode), req.WgConfig, req.WgIface)
}
