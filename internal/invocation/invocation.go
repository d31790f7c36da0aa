// Package invocation holds the transient request types that flow from
// the CLI into the container engine (spec ch.3: Invocation, BindMount,
// VpnRef). None of these types touch the filesystem or the kernel;
// they are plain values copied freely between the engine's stages.
package invocation

import "fmt"

// Verb is one of the top-level CLI verbs (spec ch.6).
type Verb string

const (
	VerbRun       Verb = "run"
	VerbCreate    Verb = "create"
	VerbStart     Verb = "start"
	VerbExec      Verb = "exec"
	VerbShell     Verb = "shell"
	VerbList      Verb = "list"
	VerbRemove    Verb = "remove"
	VerbVpnSet    Verb = "vpn-set"
	VerbVpnShow   Verb = "vpn-show"
	VerbVpnRemove Verb = "vpn-remove"
)

// VpnRef is a tagged enum in place of the dynamic dispatch a
// non-Go source might use for "a VPN config referenced by name, or by
// path, or not set" (spec 9, Design Notes).
type VpnRef struct {
	kind refKind
	val  string
}

type refKind int

const (
	refNone refKind = iota
	refName
	refPath
)

func NoVpn() VpnRef             { return VpnRef{kind: refNone} }
func VpnByName(name string) VpnRef { return VpnRef{kind: refName, val: name} }
func VpnByPath(path string) VpnRef { return VpnRef{kind: refPath, val: path} }

func (r VpnRef) IsSet() bool  { return r.kind != refNone }
func (r VpnRef) IsName() bool { return r.kind == refName }
func (r VpnRef) IsPath() bool { return r.kind == refPath }
func (r VpnRef) Value() string { return r.val }

func (r VpnRef) String() string {
	switch r.kind {
	case refName:
		return fmt.Sprintf("name:%s", r.val)
	case refPath:
		return fmt.Sprintf("path:%s", r.val)
	default:
		return "none"
	}
}

// ParseVpnRef classifies a --vpn argument: a string containing a path
// separator or a leading "./", ".." or '~' is a path, otherwise it's a
// name to be searched for in the configured wireguard directories.
func ParseVpnRef(s string) VpnRef {
	if s == "" {
		return NoVpn()
	}
	for _, r := range s {
		if r == '/' {
			return VpnByPath(s)
		}
	}
	if len(s) >= 2 && (s[:2] == "./" || s[:2] == "..") {
		return VpnByPath(s)
	}
	if len(s) >= 1 && s[0] == '~' {
		return VpnByPath(s)
	}
	return VpnByName(s)
}

// BindMount is a host path bound into the container view (spec ch.3).
type BindMount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// Flags mirror the boolean switches on an Invocation and, for
// persistent containers, the defaults recorded at `create` time.
type Flags struct {
	AllowNetwork    bool
	DropRootMapping bool // --user: map outer uid to itself instead of 0
}

// Invocation is the structured request the (out-of-scope) argument
// parser hands to the engine.
type Invocation struct {
	Verb      Verb
	Name      string // container name, empty for `run`
	Command   []string
	Flags     Flags
	Binds     []BindMount
	Profiles  []string
	Vpn       VpnRef
	WorkDir   string
}
