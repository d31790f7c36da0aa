// Package lifecycle implements the Lifecycle Orchestrator (spec 4.F):
// it is the one place that knows how to turn each CLI verb into calls
// against the Resolver, Filesystem Assembler, Namespace Launcher,
// Network Provisioner and Container Store, in the right order, with
// the right cleanup discipline.
//
// Grounded on cmd/minimega/cli_vm.go's vmApply/vm_launch dispatch: one
// function per verb, each a thin composition of the lower-level
// pieces, with a single place (here, not scattered across the CLI
// layer) that decides exit codes.
package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/google/uuid"

	"github.com/unfaded/kakuri/internal/cleanup"
	"github.com/unfaded/kakuri/internal/config"
	"github.com/unfaded/kakuri/internal/invocation"
	"github.com/unfaded/kakuri/internal/kerr"
	"github.com/unfaded/kakuri/internal/klog"
	"github.com/unfaded/kakuri/internal/launcher"
	"github.com/unfaded/kakuri/internal/netns"
	"github.com/unfaded/kakuri/internal/resolver"
	"github.com/unfaded/kakuri/internal/rootfs"
	"github.com/unfaded/kakuri/internal/store"
)

// Exit codes, spec ch.6.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// Orchestrator ties the engine's components to a single loaded Config.
type Orchestrator struct {
	cfg   *config.Config
	store *store.Store
}

func New(cfg *config.Config) *Orchestrator {
	return &Orchestrator{cfg: cfg, store: store.New(cfg.Storage.ContainersDir)}
}

// Dispatch runs inv to completion and returns the process exit code
// kakuri should use, plus any error worth logging at the CLI layer.
func (o *Orchestrator) Dispatch(inv *invocation.Invocation) (int, error) {
	switch inv.Verb {
	case invocation.VerbRun:
		return o.runEphemeral(inv)
	case invocation.VerbCreate:
		return o.create(inv)
	case invocation.VerbStart:
		return o.start(inv)
	case invocation.VerbExec, invocation.VerbShell:
		return o.execOrShell(inv)
	case invocation.VerbRemove:
		return o.remove(inv)
	case invocation.VerbList:
		return o.list()
	case invocation.VerbVpnSet:
		return o.vpnSet(inv)
	case invocation.VerbVpnShow:
		return o.vpnShow(inv)
	case invocation.VerbVpnRemove:
		return o.vpnRemove(inv)
	default:
		return ExitUsage, fmt.Errorf("%w: unknown verb %q", kerr.ErrUsage, inv.Verb)
	}
}

// runEphemeral is spec 4.F's `run`: no persisted record, overlay
// layers live under a throwaway directory removed once the target
// program exits.
func (o *Orchestrator) runEphemeral(inv *invocation.Invocation) (int, error) {
	resolved, err := resolver.Resolve(inv, o.cfg)
	if err != nil {
		return classify(err)
	}

	root := filepath.Join(o.cfg.Storage.ContainersDir, "ephemeral-"+uuid.NewString())
	layout := rootfs.Layout{
		Lower:  "/",
		Upper:  filepath.Join(root, "upper"),
		Work:   filepath.Join(root, "work"),
		Merged: filepath.Join(root, "merged"),
	}

	stack := cleanup.New()
	defer stack.Unwind()
	stack.Push("remove ephemeral storage", func() error { return os.RemoveAll(root) })

	hostname := "kakuri"
	if inv.Name != "" {
		hostname = inv.Name
	}

	return o.launchAndWait(layout, resolved, inv.Flags, inv.Vpn, hostname, stack)
}

// create persists a new container's record and storage layout without
// launching anything (spec 4.F `create`).
func (o *Orchestrator) create(inv *invocation.Invocation) (int, error) {
	if _, err := o.store.Create(inv.Name, inv.Flags, inv.Vpn); err != nil {
		return classify(err)
	}
	return ExitOK, nil
}

// start launches a persistent container's target command (spec 4.F
// `start`). If it is already running, start is a no-op error — use
// exec to reach a running container.
func (o *Orchestrator) start(inv *invocation.Invocation) (int, error) {
	rec, err := o.store.Lookup(inv.Name)
	if err != nil {
		return classify(err)
	}

	if _, running, err := o.store.ReadRunningPid(inv.Name); err != nil {
		return ExitFailure, err
	} else if running {
		return ExitUsage, fmt.Errorf("%w: container %q is already running", kerr.ErrUsage, inv.Name)
	}

	resolved, err := resolver.Resolve(inv, o.cfg)
	if err != nil {
		return classify(err)
	}

	layout := rootfs.Layout{Lower: "/", Upper: rec.UpperDir, Work: rec.WorkDir, Merged: rec.MergedDir}

	vpn := inv.Vpn
	if !vpn.IsSet() && rec.Vpn != "" {
		vpn = parseStoredVpn(rec.Vpn)
	}
	// uid/gid mapping and network defaults are fixed at create time
	// (spec 4.E): start honors the persisted record, not the
	// invocation's own flags, since there is no re-create step.
	flags := invocation.Flags{AllowNetwork: rec.AllowNetwork, DropRootMapping: rec.DropRootMapping}

	stack := cleanup.New()
	defer stack.Unwind()

	code, err := o.launchAndWaitTracked(inv.Name, layout, resolved, flags, vpn, inv.Name, stack)
	return code, err
}

// execOrShell implements spec 4.F's `exec`/`shell`: join a running
// container's namespaces, or fall back to start if nothing is running
// (per the spec's own fallback note). shell picks a default command
// when none was given.
func (o *Orchestrator) execOrShell(inv *invocation.Invocation) (int, error) {
	rec, err := o.store.Lookup(inv.Name)
	if err != nil {
		return classify(err)
	}
	_ = rec

	command := inv.Command
	if len(command) == 0 {
		command = []string{defaultShell()}
	}

	pid, running, err := o.store.ReadRunningPid(inv.Name)
	if err != nil {
		return ExitFailure, err
	}

	if !running {
		fallback := *inv
		fallback.Command = command
		return o.start(&fallback)
	}

	// exec/shell always ignores --vpn and --allow-network: the
	// namespaces already joined dictate connectivity (spec 9).
	session, err := launcher.JoinRunning(pid, command[0], command[1:])
	if err != nil {
		return ExitFailure, err
	}

	code, err := session.Wait()
	if err != nil {
		return ExitFailure, err
	}
	if code != 0 {
		return code, &kerr.ChildFailed{Code: code}
	}
	return code, nil
}

func (o *Orchestrator) remove(inv *invocation.Invocation) (int, error) {
	if _, running, err := o.store.ReadRunningPid(inv.Name); err == nil && running {
		return ExitUsage, fmt.Errorf("%w: container %q is running", kerr.ErrUsage, inv.Name)
	}
	if err := o.store.Remove(inv.Name); err != nil {
		return classify(err)
	}
	return ExitOK, nil
}

// list prints every persistent container in the teacher's own
// tabwriter style (ContainerConfig.String() in container.go).
func (o *Orchestrator) list() (int, error) {
	recs, err := o.store.List()
	if err != nil {
		return ExitFailure, err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCREATED\tNETWORK\tVPN")
	for _, rec := range recs {
		network := "none"
		if rec.AllowNetwork {
			network = "host"
		}
		vpn := "-"
		if rec.Vpn != "" {
			vpn = parseStoredVpn(rec.Vpn).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.Name, rec.CreatedAt.Format("2006-01-02 15:04:05"), network, vpn)
	}
	w.Flush()
	return ExitOK, nil
}

func (o *Orchestrator) vpnSet(inv *invocation.Invocation) (int, error) {
	if _, err := netns.ResolveConfig(inv.Vpn); err != nil {
		return classify(err)
	}
	if err := o.store.SetVpn(inv.Name, inv.Vpn); err != nil {
		return classify(err)
	}
	return ExitOK, nil
}

func (o *Orchestrator) vpnRemove(inv *invocation.Invocation) (int, error) {
	if err := o.store.SetVpn(inv.Name, invocation.NoVpn()); err != nil {
		return classify(err)
	}
	return ExitOK, nil
}

// vpnShow resolves and prints a container's configured VPN, verifying
// the config file still exists and is readable (spec's supplemented
// `vpn show` behavior).
func (o *Orchestrator) vpnShow(inv *invocation.Invocation) (int, error) {
	rec, err := o.store.Lookup(inv.Name)
	if err != nil {
		return classify(err)
	}
	if rec.Vpn == "" {
		fmt.Println("no vpn configured")
		return ExitOK, nil
	}

	ref := parseStoredVpn(rec.Vpn)
	path, err := netns.ResolveConfig(ref)
	if err != nil {
		return classify(err)
	}

	fmt.Printf("vpn:  %s\n", ref.String())
	fmt.Printf("iface: %s\n", netns.WireguardIface)
	fmt.Printf("config: %s\n", path)
	return ExitOK, nil
}

// launchAndWait runs an ephemeral (untracked) launch: no pid file is
// written since nothing else needs to find this container's pid.
func (o *Orchestrator) launchAndWait(layout rootfs.Layout, resolved *resolver.Resolved, flags invocation.Flags, vpn invocation.VpnRef, hostname string, stack *cleanup.Stack) (int, error) {
	return o.launchAndWaitTracked("", layout, resolved, flags, vpn, hostname, stack)
}

// launchAndWaitTracked is the shared run/start launch path. When name
// is non-empty, the session's pid is recorded so `exec` can find it
// later and cleared once the target program exits.
func (o *Orchestrator) launchAndWaitTracked(name string, layout rootfs.Layout, resolved *resolver.Resolved, flags invocation.Flags, vpn invocation.VpnRef, hostname string, stack *cleanup.Stack) (int, error) {
	mode := netns.ModeFor(flags.AllowNetwork, vpn)

	var wgConfig string
	if mode == netns.ModeWireguard {
		path, err := netns.ResolveConfig(vpn)
		if err != nil {
			return classify(err)
		}
		wgConfig = path
	}

	req := launcher.InitRequest{
		Layout:   layout,
		Binds:    resolved.Binds,
		Hostname: hostname,
		Command:  resolved.Command,
		Args:     resolved.Args,
		NetMode:  string(mode),
		WgConfig: wgConfig,
		WgIface:  netns.WireguardIface,
	}

	session, err := launcher.Launch(req, flags, stack)
	if err != nil {
		return ExitFailure, err
	}

	if err := session.ProvisionHostSideNetwork(req); err != nil {
		klog.Error("host-side network provisioning: %v", err)
	}

	if name != "" {
		if err := o.store.WritePid(name, session.Pid); err != nil {
			klog.Error("record pid: %v", err)
		}
		defer func() {
			if err := o.store.ClearPid(name); err != nil {
				klog.Error("clear pid: %v", err)
			}
		}()
	}

	code, err := session.Wait()
	if err != nil {
		return ExitFailure, err
	}
	if code != 0 {
		return code, &kerr.ChildFailed{Code: code}
	}
	return code, nil
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

func parseStoredVpn(s string) invocation.VpnRef {
	switch {
	case len(s) > 5 && s[:5] == "name:":
		return invocation.VpnByName(s[5:])
	case len(s) > 5 && s[:5] == "path:":
		return invocation.VpnByPath(s[5:])
	default:
		return invocation.NoVpn()
	}
}

// classify turns an internal error into the spec ch.6 exit code.
func classify(err error) (int, error) {
	switch {
	case err == nil:
		return ExitOK, nil
	case isUsageLike(err):
		return ExitUsage, err
	default:
		return ExitFailure, err
	}
}

func isUsageLike(err error) bool {
	return errors.Is(err, kerr.ErrUsage) || errors.Is(err, kerr.ErrNotFound) || errors.Is(err, kerr.ErrAlreadyExists)
}
