package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// joinOrder is the sequence spec 4.F's `exec` verb must enter a
// running container's namespaces in: user first (so the process
// gains standing inside the target's uid/gid mapping before touching
// anything else), then mount/uts/ipc/net, with pid last since
// setns(CLONE_NEWPID) only takes effect for children forked after the
// call — it can never move the calling thread itself into the new pid
// namespace (spec 4.C's own note about CLONE_NEWPID applies just as
// much when joining as when creating).
var joinOrder = []string{"user", "mnt", "uts", "ipc", "net", "pid"}

var joinFlags = map[string]int{
	"user": unix.CLONE_NEWUSER,
	"mnt":  unix.CLONE_NEWNS,
	"uts":  unix.CLONE_NEWUTS,
	"ipc":  unix.CLONE_NEWIPC,
	"net":  unix.CLONE_NEWNET,
	"pid":  unix.CLONE_NEWPID,
}

// JoinMagic is the hidden argument that routes a re-exec of the
// kakuri binary into RunJoin, mirroring InitMagic's own re-exec
// dispatch in cmd/kakuri/main.go.
const JoinMagic = "__kakuri_join__"

const (
	nsjoinFdsEnv   = "_KAKURI_NSJOIN_FDS"
	nsjoinFlagsEnv = "_KAKURI_NSJOIN_FLAGS"
)

// JoinRunning implements the setns half of spec 4.F's `exec`: it
// enters every namespace of an already-running container (found via
// its stored pid) and then runs command inside them. Network flags
// are ignored by design (spec 9, second Open Question) — the
// namespaces already joined dictate connectivity.
//
// setns(2) rejects a CLONE_NEWUSER join once the calling process is
// multithreaded, and the long-running kakuri process always is by the
// time a CLI verb reaches this code (the Go runtime's own scheduler
// and sysmon threads are already up). So this process never calls
// Setns itself: it opens the target's namespace fds, then re-execs
// the kakuri binary with those fds inherited, and the actual setns(2)
// sequence runs from a C constructor in the freshly exec'd process
// (nsjoin_cgo.go) — code that runs before the Go runtime has spun up
// anything but the thread the kernel handed the new process. This is
// the same technique go.podman.io/storage/pkg/unshare's
// unshare_cgo.go uses (a `__attribute__((constructor))` function
// doing namespace setup ahead of `_rt0_go`), generalized from
// unsharing a fresh namespace to joining an existing one.
func JoinRunning(pid int, command string, args []string) (*Session, error) {
	if !cgoNsjoinAvailable {
		return nil, fmt.Errorf("exec/shell requires a cgo-enabled kakuri build: joining a running container's user namespace needs the pre-runtime setns constructor")
	}

	self, err := os.Readlink("/proc/self/exe")
	if err != nil {
		self = os.Args[0]
	}

	files := make([]*os.File, 0, len(joinOrder))
	for _, ns := range joinOrder {
		path := filepath.Join("/proc", strconv.Itoa(pid), "ns", ns)
		f, err := os.Open(path)
		if err != nil {
			closeFiles(files)
			return nil, fmt.Errorf("open namespace %s of pid %d: %w", ns, pid, err)
		}
		files = append(files, f)
	}

	// ExtraFiles land at fd 3, 4, 5, ... in the child, in joinOrder's
	// own order — the constructor reads both lists positionally.
	fdNums := make([]string, len(joinOrder))
	flagNums := make([]string, len(joinOrder))
	for i, ns := range joinOrder {
		fdNums[i] = strconv.Itoa(3 + i)
		flagNums[i] = strconv.Itoa(joinFlags[ns])
	}

	cmd := &exec.Cmd{
		Path:       self,
		Args:       append([]string{self, JoinMagic, command}, args...),
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Dir:        "/",
		ExtraFiles: files,
		Env: append(os.Environ(),
			nsjoinFdsEnv+"="+strings.Join(fdNums, ","),
			nsjoinFlagsEnv+"="+strings.Join(flagNums, ","),
		),
	}

	if err := cmd.Start(); err != nil {
		closeFiles(files)
		return nil, fmt.Errorf("start joined process: %w", err)
	}
	closeFiles(files) // the child has its own copies past fd 2

	return &Session{Pid: cmd.Process.Pid, cmd: cmd}, nil
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// RunJoin is the re-exec'd process's Go-side half of a join: by the
// time main() routes here on seeing JoinMagic, the C constructor in
// nsjoin_cgo.go has already setns'd this process into every namespace
// JoinRunning opened for it. What's left is the fork this process
// itself could never do for itself: setns(CLONE_NEWPID) only takes
// effect for children forked afterward (spec 4.C), so command has to
// run as a child of this process, not as this process via exec.
//
// This process's own exit code mirrors command's, so the outer
// kakuri invocation's Session.Wait() (which waits on this re-exec'd
// process, not on command directly) still forwards the right code.
func RunJoin(command string, args []string) {
	cmd := exec.Command(command, args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.Dir = "/"

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintln(os.Stderr, "kakuri: exec joined command:", err)
		os.Exit(1)
	}
	os.Exit(0)
}
