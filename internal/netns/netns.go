// Package netns implements the Network Provisioner (spec 4.D). It
// configures loopback-only, host-shared, or wireguard-attached
// networking, and resolves a VpnRef to an on-disk config file.
//
// Grounded on internal/bridge in the teacher (process()-wrapped calls
// out to host networking tools, e.g. bridge.go's use of `ovs-vsctl`
// via exec.Command) generalized to the `ip`/`wg` tools spec 4.D
// names explicitly, plus github.com/vishvananda/netlink (an indirect
// dependency of canonical-snapd and jesseduffield-lazydocker's
// container-runtime stacks) for the parts that are just "bring this
// link up" or "move this link into that namespace" rather than
// wireguard-specific configuration.
package netns

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/vishvananda/netlink"

	"github.com/unfaded/kakuri/internal/invocation"
	"github.com/unfaded/kakuri/internal/kerr"
)

// Mode is the network mode of spec 4.D.
type Mode string

const (
	ModeNone      Mode = "none"
	ModeHost      Mode = "host"
	ModeWireguard Mode = "wireguard"
)

// WireguardIface is the fixed interface name spec 4.D specifies.
const WireguardIface = "wg0"

// ModeFor derives the network mode from the resolved flags/vpn ref a
// launch carries.
func ModeFor(allowNetwork bool, vpn invocation.VpnRef) Mode {
	switch {
	case vpn.IsSet():
		return ModeWireguard
	case allowNetwork:
		return ModeHost
	default:
		return ModeNone
	}
}

// searchDirs is the lookup order spec 4.D names for a --vpn NAME
// reference.
func searchDirs() []string {
	home, _ := os.UserHomeDir()
	return []string{
		"/etc/wireguard",
		filepath.Join(home, ".config", "wireguard"),
		filepath.Join(home, ".wireguard"),
	}
}

// ResolveConfig turns a VpnRef into a readable config file path, or
// VpnUnavailable if none can be found/read.
func ResolveConfig(ref invocation.VpnRef) (string, error) {
	if !ref.IsSet() {
		return "", fmt.Errorf("%w: no vpn configured", kerr.ErrVpnUnavailable)
	}

	var candidate string
	if ref.IsPath() {
		home, _ := os.UserHomeDir()
		p := ref.Value()
		if len(p) > 0 && p[0] == '~' {
			p = filepath.Join(home, p[1:])
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", fmt.Errorf("%w: %v", kerr.ErrVpnUnavailable, err)
		}
		candidate = abs
	} else {
		name := ref.Value() + ".conf"
		for _, dir := range searchDirs() {
			p := filepath.Join(dir, name)
			if info, err := os.Stat(p); err == nil && !info.IsDir() {
				candidate = p
				break
			}
		}
		if candidate == "" {
			return "", fmt.Errorf("%w: no config named %q in %v", kerr.ErrVpnUnavailable, ref.Value(), searchDirs())
		}
	}

	f, err := os.Open(candidate)
	if err != nil {
		return "", fmt.Errorf("%w: %v", kerr.ErrVpnUnavailable, err)
	}
	f.Close()

	return candidate, nil
}

// RequireTools confirms the `wg` and `ip` binaries spec 4.D names are
// on $PATH, surfacing VpnUnavailable before anything is launched
// rather than partway through provisioning.
func RequireTools() error {
	for _, tool := range []string{"wg", "ip"} {
		if _, err := exec.LookPath(tool); err != nil {
			return fmt.Errorf("%w: %s not found on $PATH", kerr.ErrVpnUnavailable, tool)
		}
	}
	return nil
}

// CreateAndMoveLink creates the wg0 interface in the caller's (the
// outer process's) own network namespace and moves it into pid's
// network namespace. This is the one step spec 4.D says the child
// cannot do itself: an unprivileged process inside its own user
// namespace has no standing to create a wireguard link against the
// host's networking state.
func CreateAndMoveLink(iface string, pid int) error {
	if err := RequireTools(); err != nil {
		return err
	}

	if out, err := exec.Command("ip", "link", "add", "dev", iface, "type", "wireguard").CombinedOutput(); err != nil {
		return fmt.Errorf("%w: ip link add: %v: %s", kerr.ErrVpnUnavailable, err, out)
	}

	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("%w: lookup %s after creation: %v", kerr.ErrVpnUnavailable, iface, err)
	}

	if err := netlink.LinkSetNsPid(link, pid); err != nil {
		return fmt.Errorf("%w: move %s into pid %d netns: %v", kerr.ErrVpnUnavailable, iface, pid, err)
	}

	return nil
}

// ProvisionInner runs inside the already-entered (or, for ModeHost,
// never-unshared) network namespace. It always brings lo up, and for
// ModeWireguard configures wg0 from configPath via the host `wg`
// binary (spec 4.D: "invoke the host `wg` and `ip` tools"), then
// routes default traffic through it.
func ProvisionInner(mode Mode, configPath, iface string) error {
	if err := bringUpLink("lo"); err != nil {
		return fmt.Errorf("bring up lo: %w", err)
	}

	switch mode {
	case ModeNone, ModeHost:
		return nil
	case ModeWireguard:
		return provisionWireguardInner(configPath, iface)
	default:
		return fmt.Errorf("%w: unknown network mode %q", kerr.ErrVpnUnavailable, mode)
	}
}

func provisionWireguardInner(configPath, iface string) error {
	if out, err := exec.Command("wg", "setconf", iface, configPath).CombinedOutput(); err != nil {
		return fmt.Errorf("%w: wg setconf: %v: %s", kerr.ErrVpnUnavailable, err, out)
	}

	if err := bringUpLink(iface); err != nil {
		return fmt.Errorf("bring up %s: %w", iface, err)
	}

	if out, err := exec.Command("ip", "route", "replace", "default", "dev", iface).CombinedOutput(); err != nil {
		return fmt.Errorf("%w: ip route replace default: %v: %s", kerr.ErrVpnUnavailable, err, out)
	}

	return nil
}

func bringUpLink(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return err
	}
	return netlink.LinkSetUp(link)
}
