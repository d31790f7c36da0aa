// Command kakuri launches unprivileged Linux containers.
//
// Grounded on cmd/minimega/main.go: the CONTAINER_MAGIC re-exec check
// runs before flag parsing or anything else (here: before verb
// dispatch), and argument parsing itself stays on the standard
// library flag package the way minimega's own main() does, since
// spec ch.1 treats argument parsing as an external collaborator
// outside the engine's scope.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/unfaded/kakuri/internal/config"
	"github.com/unfaded/kakuri/internal/invocation"
	"github.com/unfaded/kakuri/internal/kerr"
	"github.com/unfaded/kakuri/internal/klog"
	"github.com/unfaded/kakuri/internal/launcher"
	"github.com/unfaded/kakuri/internal/lifecycle"
)

func main() {
	// mirrors main.go's `flag.Arg(0) == CONTAINER_MAGIC` check, which
	// runs before cliSetup() touches anything else.
	if len(os.Args) > 1 && os.Args[1] == launcher.InitMagic {
		launcher.RunInit()
		return
	}
	if len(os.Args) > 2 && os.Args[1] == launcher.JoinMagic {
		launcher.RunJoin(os.Args[2], os.Args[3:])
		return
	}

	inv, opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(lifecycle.ExitUsage)
	}

	initLogging(opts.Level, opts.Logfile)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		klog.Error("%v", err)
		os.Exit(lifecycle.ExitFailure)
	}

	orc := lifecycle.New(cfg)
	code, err := orc.Dispatch(inv)
	if err != nil {
		// a forwarded child exit status (spec ch.6) isn't a kakuri
		// failure worth a log line of its own — the exit code already
		// carries it.
		var childErr *kerr.ChildFailed
		if !errors.As(err, &childErr) {
			klog.Error("%v", err)
		}
	}
	os.Exit(code)
}

// initLogging wires -level/-logfile into internal/klog: a logfile
// replaces the default stderr logger outright, the way a single
// short-lived CLI process needs (no multi-destination fan-out).
func initLogging(level, logfile string) {
	lvl := klog.INFO
	if level != "" {
		if parsed, err := klog.LevelFromString(level); err == nil {
			lvl = parsed
		} else {
			fmt.Fprintf(os.Stderr, "kakuri: %v, defaulting to info\n", err)
		}
	}

	if logfile == "" {
		klog.AddLogger("stderr", os.Stderr, lvl, true)
		return
	}

	f, err := os.OpenFile(logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kakuri: open logfile %s: %v\n", logfile, err)
		klog.AddLogger("stderr", os.Stderr, lvl, true)
		return
	}
	klog.AddLogger("file", f, lvl, false)
}

// cliOptions is the ambient, non-Invocation configuration every verb
// accepts alongside its own flags: which config.toml to load, and how
// internal/klog should be set up for this run.
type cliOptions struct {
	ConfigPath string
	Level      string
	Logfile    string
}

// parseArgs turns argv into an Invocation. It is deliberately thin:
// one flag.FlagSet per verb, stdlib only, exactly the shape
// cmd/minimega/main.go itself uses for top-level flags.
func parseArgs(args []string) (*invocation.Invocation, cliOptions, error) {
	if len(args) == 0 {
		return nil, cliOptions{}, fmt.Errorf("%w: usage: kakuri <verb> [args]", kerr.ErrUsage)
	}

	// Spec ch.6's CLI surface has no explicit "run" keyword — a bare
	// `kakuri [FLAGS] [CMD ARGS...]` is the ephemeral-run form, and only
	// a first token matching one of the named sub-commands switches
	// into that verb's own parsing. Anything else (a flag, or the
	// target program's own name) falls through to parseRunLike as-is.
	if !isNamedVerb(args[0]) {
		return parseRunLike(invocation.VerbRun, args, false)
	}

	verb := invocation.Verb(args[0])
	rest := args[1:]

	// `vpn` is a sub-dispatching verb on the CLI surface (spec ch.6:
	// "kakuri vpn set|show|remove <name> [CONFIG]"), unlike every other
	// verb which stands alone — so it gets its own branch before the
	// rest of the switch, re-spelling the sub-verb into the engine's
	// own hyphenated Verb constants.
	if verb == "vpn" {
		if len(rest) == 0 {
			return nil, cliOptions{}, fmt.Errorf("%w: vpn requires a sub-command: set, show, or remove", kerr.ErrUsage)
		}
		switch rest[0] {
		case "set":
			return parseVpnSet(rest[1:])
		case "show":
			return parseNameOnly(invocation.VerbVpnShow, rest[1:])
		case "remove":
			return parseNameOnly(invocation.VerbVpnRemove, rest[1:])
		default:
			return nil, cliOptions{}, fmt.Errorf("%w: unknown vpn sub-command %q", kerr.ErrUsage, rest[0])
		}
	}

	switch verb {
	case invocation.VerbRun:
		return parseRunLike(verb, rest, false)
	case invocation.VerbCreate, invocation.VerbStart:
		return parseRunLike(verb, rest, true)
	case invocation.VerbExec, invocation.VerbShell:
		return parseExecLike(verb, rest)
	case invocation.VerbRemove:
		return parseNameOnly(verb, rest)
	case invocation.VerbList:
		return parseList(rest)
	default:
		return nil, cliOptions{}, fmt.Errorf("%w: unknown verb %q", kerr.ErrUsage, args[0])
	}
}

// isNamedVerb reports whether token is one of the CLI's named
// sub-commands, as opposed to a flag or the ephemeral run's own target
// program name.
func isNamedVerb(token string) bool {
	switch invocation.Verb(token) {
	case invocation.VerbCreate, invocation.VerbStart, invocation.VerbExec,
		invocation.VerbShell, invocation.VerbList, invocation.VerbRemove:
		return true
	}
	return token == "vpn"
}

type bindFlags []invocation.BindMount

func (b *bindFlags) String() string { return "" }

func (b *bindFlags) Set(s string) error {
	ro := false
	spec := s
	if len(spec) > 3 && spec[len(spec)-3:] == ":ro" {
		ro = true
		spec = spec[:len(spec)-3]
	}
	dest := spec
	src := spec
	for i, r := range spec {
		if r == ':' {
			src, dest = spec[:i], spec[i+1:]
			break
		}
	}
	*b = append(*b, invocation.BindMount{Source: src, Destination: dest, ReadOnly: ro})
	return nil
}

type stringList []string

func (l *stringList) String() string { return "" }
func (l *stringList) Set(s string) error {
	*l = append(*l, s)
	return nil
}

// addAmbientFlags registers the -config/-level/-logfile flags every
// verb's FlagSet accepts (spec ch.6's config flag, plus the ambient
// logging flags internal/klog exposes).
func addAmbientFlags(fs *flag.FlagSet) (configPath, level, logfile *string) {
	configPath = fs.String("config", "", "path to config.toml")
	level = fs.String("level", "", "log level: debug, info, warn, error, fatal")
	logfile = fs.String("logfile", "", "write logs to this file instead of stderr")
	return
}

func parseRunLike(verb invocation.Verb, args []string, named bool) (*invocation.Invocation, cliOptions, error) {
	fs := flag.NewFlagSet(string(verb), flag.ContinueOnError)
	allowNetwork := fs.Bool("allow-network", false, "share the host network namespace")
	dropRootMapping := fs.Bool("user", false, "map the invoking uid/gid to themselves instead of 0")
	vpnFlag := fs.String("vpn", "", "vpn config, by name or path")
	configPath, level, logfile := addAmbientFlags(fs)
	var binds bindFlags
	fs.Var(&binds, "bind", "host-path[:container-path][:ro], may be repeated")
	var profiles stringList
	fs.Var(&profiles, "bind-profile", "named bind profile from config, may be repeated")

	if err := fs.Parse(args); err != nil {
		return nil, cliOptions{}, fmt.Errorf("%w: %v", kerr.ErrUsage, err)
	}

	rem := fs.Args()
	var name string
	if named {
		if len(rem) == 0 {
			return nil, cliOptions{}, fmt.Errorf("%w: %s requires a container name", kerr.ErrUsage, verb)
		}
		name = rem[0]
		rem = rem[1:]
	}

	if verb != invocation.VerbCreate && len(rem) == 0 {
		return nil, cliOptions{}, fmt.Errorf("%w: %s requires a command", kerr.ErrUsage, verb)
	}

	return &invocation.Invocation{
			Verb:    verb,
			Name:    name,
			Command: rem,
			Flags: invocation.Flags{
				AllowNetwork:    *allowNetwork,
				DropRootMapping: *dropRootMapping,
			},
			Binds:    binds,
			Profiles: profiles,
			Vpn:      invocation.ParseVpnRef(*vpnFlag),
		}, cliOptions{ConfigPath: *configPath, Level: *level, Logfile: *logfile},
		nil
}

func parseExecLike(verb invocation.Verb, args []string) (*invocation.Invocation, cliOptions, error) {
	fs := flag.NewFlagSet(string(verb), flag.ContinueOnError)
	configPath, level, logfile := addAmbientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, cliOptions{}, fmt.Errorf("%w: %v", kerr.ErrUsage, err)
	}

	rem := fs.Args()
	if len(rem) == 0 {
		return nil, cliOptions{}, fmt.Errorf("%w: %s requires a container name", kerr.ErrUsage, verb)
	}

	return &invocation.Invocation{
			Verb:    verb,
			Name:    rem[0],
			Command: rem[1:],
		}, cliOptions{ConfigPath: *configPath, Level: *level, Logfile: *logfile},
		nil
}

func parseNameOnly(verb invocation.Verb, args []string) (*invocation.Invocation, cliOptions, error) {
	fs := flag.NewFlagSet(string(verb), flag.ContinueOnError)
	configPath, level, logfile := addAmbientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, cliOptions{}, fmt.Errorf("%w: %v", kerr.ErrUsage, err)
	}

	rem := fs.Args()
	if len(rem) == 0 {
		return nil, cliOptions{}, fmt.Errorf("%w: %s requires a container name", kerr.ErrUsage, verb)
	}

	return &invocation.Invocation{Verb: verb, Name: rem[0]},
		cliOptions{ConfigPath: *configPath, Level: *level, Logfile: *logfile},
		nil
}

func parseList(args []string) (*invocation.Invocation, cliOptions, error) {
	fs := flag.NewFlagSet(string(invocation.VerbList), flag.ContinueOnError)
	configPath, level, logfile := addAmbientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, cliOptions{}, fmt.Errorf("%w: %v", kerr.ErrUsage, err)
	}
	return &invocation.Invocation{Verb: invocation.VerbList},
		cliOptions{ConfigPath: *configPath, Level: *level, Logfile: *logfile},
		nil
}

func parseVpnSet(args []string) (*invocation.Invocation, cliOptions, error) {
	fs := flag.NewFlagSet(string(invocation.VerbVpnSet), flag.ContinueOnError)
	configPath, level, logfile := addAmbientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, cliOptions{}, fmt.Errorf("%w: %v", kerr.ErrUsage, err)
	}

	rem := fs.Args()
	if len(rem) < 2 {
		return nil, cliOptions{}, fmt.Errorf("%w: vpn-set requires a container name and a vpn reference", kerr.ErrUsage)
	}

	return &invocation.Invocation{
			Verb: invocation.VerbVpnSet,
			Name: rem[0],
			Vpn:  invocation.ParseVpnRef(rem[1]),
		}, cliOptions{ConfigPath: *configPath, Level: *level, Logfile: *logfile},
		nil
}
