// Package capdrop shrinks the inner process's capability bounding set
// before it execs the target program.
//
// Grounded on containerSetCapabilities in cmd/minimega/container.go:
// the same PR_CAPBSET_DROP loop over every capability number up to
// CAP_LAST_CAP, skipping whatever the caller wants kept. minimega
// drops down to a fixed DEFAULT_CAPS list because it always ran as
// real root; kakuri's inner process is never real root — mapped uid 0
// inside a user namespace has no capabilities outside it — so this is
// defense in depth against the narrower set of operations that mapped
// "root" can still perform on the container's own resources (chown,
// bind low ports, mknod-adjacent tmpfs operations), not a replacement
// for the user namespace boundary itself.
package capdrop

import "golang.org/x/sys/unix"

// Capability numbers, stable across kernel versions (see
// include/uapi/linux/capability.h). Only the ones this package
// references are named; the drop loop iterates numerically.
const (
	CapChown          = 0
	CapDacOverride    = 1
	CapFowner         = 3
	CapFsetid         = 4
	CapKill           = 5
	CapSetgid         = 6
	CapSetuid         = 7
	CapNetBindService = 10
	CapNetRaw         = 13
	CapSysChroot      = 18
	CapAuditWrite     = 29
	capLastCap        = 40
)

// DefaultKeep is the capability set an unprivileged sandbox process
// is left with: enough to chown/own files it creates, bind to
// privileged ports inside its own net namespace, and signal its own
// children, but nothing that reaches outside the container.
var DefaultKeep = []int{
	CapChown, CapDacOverride, CapFowner, CapFsetid,
	CapKill, CapSetgid, CapSetuid,
	CapNetBindService, CapNetRaw, CapSysChroot, CapAuditWrite,
}

// DropBoundingSetExcept removes every capability number from 0 to the
// kernel's last known capability from the calling thread's bounding
// set, except those listed in keep. EINVAL is ignored per-capability
// the way the teacher's loop does, since a capability number can be
// unsupported on the running kernel without that being an error.
func DropBoundingSetExcept(keep []int) error {
	keepSet := make(map[int]bool, len(keep))
	for _, c := range keep {
		keepSet[c] = true
	}

	for n := 0; n <= capLastCap; n++ {
		if keepSet[n] {
			continue
		}
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(n), 0, 0, 0); err != nil {
			if err == unix.EINVAL {
				continue
			}
			return err
		}
	}
	return nil
}
