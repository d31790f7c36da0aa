// Package resolver implements the Path & Mount Resolver (spec 4.A):
// it turns an Invocation plus loaded Config into a normalized,
// deterministic list of BindMounts and the resolved path of the
// command to run.
//
// The command-lookup half is grounded on the teacher's own `process`
// helper (cmd/minimega/external.go): stat $PATH entries in order,
// first hit wins.
package resolver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/unfaded/kakuri/internal/config"
	"github.com/unfaded/kakuri/internal/invocation"
	"github.com/unfaded/kakuri/internal/kerr"
)

// Resolved is the Resolver's output: the ordered bind list and the
// absolute path to exec.
type Resolved struct {
	Binds   []invocation.BindMount
	Command string // resolved absolute path
	Args    []string
}

// commonPathExtensions are the file-extension patterns step 3 treats
// as a path hint even without a leading '/', './' or '~/'.
var commonPathExtensions = []string{
	".py", ".sh", ".rb", ".pl", ".lua", ".js", ".ts",
	".json", ".yaml", ".yml", ".toml", ".txt", ".cfg", ".conf",
}

// Resolve runs the full four-step algorithm of spec 4.A in order:
// command resolution, profile expansion, auto-detection, then the
// explicit --bind merge. The result is acyclic by destination and
// every source is confirmed to exist.
func Resolve(inv *invocation.Invocation, cfg *config.Config) (*Resolved, error) {
	if len(inv.Command) == 0 {
		return nil, fmt.Errorf("%w: empty command", kerr.ErrUsage)
	}

	cmdPath, err := resolveCommand(inv.Command[0])
	if err != nil {
		return nil, err
	}

	byDest := map[string]invocation.BindMount{}
	var order []string // destinations, in first-insertion order, for stable re-merge

	addBind := func(b invocation.BindMount) error {
		if b.Destination == "/" {
			return fmt.Errorf("%w: bind destination / is forbidden", kerr.ErrUsage)
		}
		if _, exists := byDest[b.Destination]; !exists {
			order = append(order, b.Destination)
		}
		byDest[b.Destination] = b // last write wins, same semantics at every phase
		return nil
	}

	home, _ := os.UserHomeDir()

	// Step 2: profile expansion.
	for _, name := range inv.Profiles {
		paths, ok := cfg.BindProfiles[name]
		if !ok {
			return nil, &kerr.UnknownProfile{Name: name}
		}
		for _, p := range paths {
			expanded, err := config.ExpandHome(p)
			if err != nil {
				return nil, err
			}
			if _, err := os.Stat(expanded); err != nil {
				return nil, fmt.Errorf("%w: bind profile %q path %q: %v", kerr.ErrIO, name, expanded, err)
			}
			if err := addBind(invocation.BindMount{
				Source:      expanded,
				Destination: expanded,
				ReadOnly:    !underHome(expanded, home),
			}); err != nil {
				return nil, err
			}
		}
	}

	// Step 3: auto-detection over argv[1:] only — argv[0] (the
	// program itself) is never promoted to a mount.
	for _, tok := range inv.Command[1:] {
		path, isPath := classifyPathArg(tok)
		if !isPath {
			continue
		}
		expanded, err := config.ExpandHome(path)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(expanded)
		if err != nil {
			// not an error: a token that merely looks like a path but
			// doesn't exist is just a regular argument.
			continue
		}
		mountSrc := expanded
		if !info.IsDir() {
			mountSrc = filepath.Dir(expanded) // mount the parent, to preserve sibling resolution
		}
		if err := addBind(invocation.BindMount{
			Source:      mountSrc,
			Destination: mountSrc,
			ReadOnly:    !underHome(mountSrc, home),
		}); err != nil {
			return nil, err
		}
	}

	// Step 4: explicit --bind entries, applied last so they win ties.
	for _, b := range inv.Binds {
		if _, err := os.Stat(b.Source); err != nil {
			return nil, fmt.Errorf("%w: bind source %q: %v", kerr.ErrIO, b.Source, err)
		}
		if err := addBind(b); err != nil {
			return nil, err
		}
	}

	out := make([]invocation.BindMount, 0, len(order))
	for _, dest := range order {
		out = append(out, byDest[dest])
	}

	return &Resolved{
		Binds:   out,
		Command: cmdPath,
		Args:    inv.Command,
	}, nil
}

// resolveCommand implements spec 4.A step 1.
func resolveCommand(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty command", kerr.ErrUsage)
	}

	if strings.Contains(name, "/") {
		expanded, err := config.ExpandHome(name)
		if err != nil {
			return "", err
		}
		return expanded, nil
	}

	pathEnv := os.Getenv("PATH")
	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", &kerr.CommandNotFound{Name: name}
}

// classifyPathArg implements the path-hint test of spec 4.A step 3.
func classifyPathArg(tok string) (string, bool) {
	switch {
	case strings.HasPrefix(tok, "/"):
		return tok, true
	case strings.HasPrefix(tok, "~/"):
		return tok, true
	case strings.HasPrefix(tok, "./"), strings.HasPrefix(tok, "../"):
		return tok, true
	}
	for _, ext := range commonPathExtensions {
		if strings.HasSuffix(tok, ext) {
			return tok, true
		}
	}
	return "", false
}

func underHome(path, home string) bool {
	if home == "" {
		return false
	}
	rel, err := filepath.Rel(home, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && rel != "")
}
