// Package store implements the Container Store (spec 4.E): persisted
// ContainerRecords, one per named container, with create/list/lookup/
// remove/set-vpn operations.
//
// Grounded on the teacher's own instance-directory convention —
// ContainerVM.instancePath plus the state/config/name files
// vm.go's launch()/setState() write under it — generalized from
// minimega's ad hoc `ioutil.WriteFile(vm.instancePath+"state", ...)`
// calls to a single structured meta.toml (BurntSushi/toml, the same
// library tchow-twistedxcom-agent-deck uses for its own on-disk
// config). BusyMounts detection during remove uses
// github.com/moby/sys/mountinfo (an indirect dependency of
// jesseduffield-lazydocker's podman/buildah stack) instead of hand
// parsing /proc/self/mountinfo.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"github.com/unfaded/kakuri/internal/invocation"
	"github.com/unfaded/kakuri/internal/kerr"
	"github.com/unfaded/kakuri/internal/klog"
)

var nameRE = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Record is the persisted ContainerRecord of spec ch.3.
type Record struct {
	Name            string    `toml:"name"`
	CreatedAt       time.Time `toml:"created_at"`
	StorageRoot     string    `toml:"storage_root"`
	UpperDir        string    `toml:"upper_dir"`
	WorkDir         string    `toml:"work_dir"`
	MergedDir       string    `toml:"merged_dir"`
	AllowNetwork    bool      `toml:"allow_network"`
	DropRootMapping bool      `toml:"user_map"`
	Vpn             string    `toml:"vpn"` // VpnRef.String(), or "" for none
}

// Store manages container records under a single containers directory
// (spec 4.E: `<containers_dir>/<name>/`).
type Store struct {
	root string
}

func New(containersDir string) *Store {
	return &Store{root: containersDir}
}

func (s *Store) dir(name string) string    { return filepath.Join(s.root, name) }
func (s *Store) metaPath(name string) string { return filepath.Join(s.dir(name), "meta.toml") }
func (s *Store) pidPath(name string) string  { return filepath.Join(s.dir(name), "pid") }

func validateName(name string) error {
	if name == "" || !nameRE.MatchString(name) {
		return fmt.Errorf("%w: invalid container name %q", kerr.ErrUsage, name)
	}
	return nil
}

// Create makes a new persistent container's storage layout and writes
// its meta.toml. It is the one Container Store operation whose
// partial failure must roll back (spec ch.7): anything created before
// a failing step is removed before Create returns.
func (s *Store) Create(name string, flags invocation.Flags, vpn invocation.VpnRef) (*Record, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	dir := s.dir(name)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("%w: container %q", kerr.ErrAlreadyExists, name)
	}

	rec := &Record{
		Name:            name,
		CreatedAt:       time.Now(),
		StorageRoot:     dir,
		UpperDir:        filepath.Join(dir, "upper"),
		WorkDir:         filepath.Join(dir, "work"),
		MergedDir:       filepath.Join(dir, "merged"),
		AllowNetwork:    flags.AllowNetwork,
		DropRootMapping: flags.DropRootMapping,
	}
	if vpn.IsSet() {
		rec.Vpn = vpn.String()
	}

	rollback := func() { os.RemoveAll(dir) }

	for _, d := range []string{dir, rec.UpperDir, rec.WorkDir, rec.MergedDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			rollback()
			return nil, fmt.Errorf("%w: %v", kerr.ErrIO, err)
		}
	}

	if err := s.writeMeta(rec); err != nil {
		rollback()
		return nil, err
	}

	return rec, nil
}

func (s *Store) writeMeta(rec *Record) error {
	f, err := os.Create(s.metaPath(rec.Name))
	if err != nil {
		return fmt.Errorf("%w: %v", kerr.ErrIO, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(rec); err != nil {
		return fmt.Errorf("%w: %v", kerr.ErrIO, err)
	}
	return nil
}

// Lookup loads a single ContainerRecord by name.
func (s *Store) Lookup(name string) (*Record, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	var rec Record
	if _, err := toml.DecodeFile(s.metaPath(name), &rec); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: container %q", kerr.ErrNotFound, name)
		}
		return nil, fmt.Errorf("%w: %v", kerr.ErrIO, err)
	}
	return &rec, nil
}

// List enumerates every container subdirectory. A subdirectory whose
// meta.toml is missing or unparseable is skipped with a logged
// warning rather than failing the whole listing (spec 4.E).
func (s *Store) List() ([]*Record, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", kerr.ErrIO, err)
	}

	var out []*Record
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := s.Lookup(e.Name())
		if err != nil {
			klog.Warn("skipping container %q: %v", e.Name(), err)
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Remove unmounts anything still mounted under the container's
// merged-root (spec 4.E) and deletes its storage root. Mounts are
// unmounted deepest-first so nested binds don't block their parent.
func (s *Store) Remove(name string) error {
	rec, err := s.Lookup(name)
	if err != nil {
		return err
	}

	if err := unmountUnder(rec.MergedDir); err != nil {
		return fmt.Errorf("%w: %v", kerr.ErrBusyMounts, err)
	}

	if err := os.RemoveAll(rec.StorageRoot); err != nil {
		return fmt.Errorf("%w: %v", kerr.ErrIO, err)
	}
	return nil
}

func unmountUnder(merged string) error {
	mounts, err := mountinfo.GetMounts(mountinfo.PrefixFilter(merged))
	if err != nil {
		return err
	}

	sort.Slice(mounts, func(i, j int) bool {
		return len(mounts[i].Mountpoint) > len(mounts[j].Mountpoint) // deepest first
	})

	for _, m := range mounts {
		if err := lazyUnmount(m.Mountpoint); err != nil {
			return fmt.Errorf("unmount %s: %w", m.Mountpoint, err)
		}
	}
	return nil
}

func lazyUnmount(path string) error {
	return unix.Unmount(path, unix.MNT_DETACH)
}

// SetVpn rewrites a container's stored VpnRef (spec 4.E set_vpn, spec
// 4.F `vpn set`).
func (s *Store) SetVpn(name string, vpn invocation.VpnRef) error {
	rec, err := s.Lookup(name)
	if err != nil {
		return err
	}
	if vpn.IsSet() {
		rec.Vpn = vpn.String()
	} else {
		rec.Vpn = ""
	}
	return s.writeMeta(rec)
}

// WritePid/ReadRunningPid/ClearPid track the transient "<storage>/pid" file
// spec 4.F's `exec` verb uses to find a running container's
// namespaces via /proc/<pid>/ns/.
func (s *Store) WritePid(name string, pid int) error {
	return os.WriteFile(s.pidPath(name), []byte(strconv.Itoa(pid)), 0o644)
}

func (s *Store) ClearPid(name string) error {
	err := os.Remove(s.pidPath(name))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// ReadRunningPid returns the pid recorded for name, and whether that
// pid is actually alive (a stale pid file from a crashed kakuri is
// treated as "not running", per spec 4.F's "if no instance is
// running, behave as start").
func (s *Store) ReadRunningPid(name string) (int, bool, error) {
	data, err := os.ReadFile(s.pidPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false, nil
	}

	if _, err := os.Stat(filepath.Join("/proc", strconv.Itoa(pid))); err != nil {
		return 0, false, nil
	}

	return pid, true, nil
}
