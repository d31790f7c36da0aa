// Package kerr defines the error taxonomy the rest of kakuri returns.
//
// Errors are sentinel values checked with errors.Is, except where a
// failure carries data the caller needs (which step of a mount
// sequence failed, what exit code a child returned); those are typed
// and checked with errors.As. Nothing here retries or logs — that is
// the Lifecycle Orchestrator's job.
package kerr

import (
	"errors"
	"fmt"
)

var (
	ErrUsage               = errors.New("usage error")
	ErrConfig              = errors.New("config error")
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrIO                  = errors.New("io error")
	ErrNamespaceUnsupported = errors.New("user namespaces unsupported")
	ErrOverlayUnsupported  = errors.New("overlay filesystem unsupported")
	ErrVpnUnavailable      = errors.New("vpn unavailable")
	ErrBusyMounts          = errors.New("container has lingering mounts")
)

// MountError identifies which step of the assembly protocol (spec
// 4.B) failed, so the orchestrator can report something more useful
// than "mount: invalid argument".
type MountError struct {
	Step string
	Err  error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("mount step %q: %v", e.Step, e.Err)
}

func (e *MountError) Unwrap() error { return e.Err }

// NewMountError wraps err with the assembly step that produced it.
func NewMountError(step string, err error) error {
	if err == nil {
		return nil
	}
	return &MountError{Step: step, Err: err}
}

// ChildFailed reports the target program's own exit status. It is not
// a kakuri failure; the orchestrator forwards Code as kakuri's exit
// code verbatim (spec ch.6).
type ChildFailed struct {
	Code int
}

func (e *ChildFailed) Error() string {
	return fmt.Sprintf("child exited with status %d", e.Code)
}

// CommandNotFound reports a command token that could not be resolved
// against $PATH (spec 4.A step 1).
type CommandNotFound struct {
	Name string
}

func (e *CommandNotFound) Error() string {
	return fmt.Sprintf("command not found: %v", e.Name)
}

func (e *CommandNotFound) Unwrap() error { return ErrNotFound }

// UnknownProfile reports a --bind-profile name absent from config.
type UnknownProfile struct {
	Name string
}

func (e *UnknownProfile) Error() string {
	return fmt.Sprintf("unknown bind profile: %v", e.Name)
}

func (e *UnknownProfile) Unwrap() error { return ErrNotFound }
