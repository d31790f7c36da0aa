// Package cleanup implements the LIFO cleanup stack described in spec
// ch.3 (RuntimeSandbox) and ch.5 (Cleanup discipline): every resource
// that could outlive a failed assembly is registered immediately
// after it succeeds, and the stack runs in reverse registration order
// on any exit, success or failure. A cleanup failure is logged but
// never masks the action's primary error.
//
// The teacher doesn't generalize this into its own type — container.go's
// launch() unwinds failures by hand (vm.overlayUnmount(), cmd.Process.Kill()
// inline at each failure branch). This package is the same discipline
// made reusable across the engine's several failure points.
package cleanup

import "github.com/unfaded/kakuri/internal/klog"

// Action is one undo step: unmount a path, remove a directory, kill a
// pid, close a file. It should not panic; return an error instead.
type Action struct {
	Name string
	Do   func() error
}

// Stack is a LIFO registry of Actions.
type Stack struct {
	actions []Action
}

// New returns an empty Stack.
func New() *Stack { return &Stack{} }

// Push registers an action to run on Unwind, most-recently-pushed
// first.
func (s *Stack) Push(name string, do func() error) {
	s.actions = append(s.actions, Action{Name: name, Do: do})
}

// Unwind runs every registered action in reverse order. It always
// runs all of them; a failing action is logged and does not stop the
// rest from running, so a single stuck unmount can't leak the
// remaining temp directories.
func (s *Stack) Unwind() {
	for i := len(s.actions) - 1; i >= 0; i-- {
		a := s.actions[i]
		if err := a.Do(); err != nil {
			klog.Error("cleanup step %q failed: %v", a.Name, err)
		}
	}
	s.actions = nil
}

// Dismiss clears the stack without running it — used once a resource
// set has been handed off to something else that now owns its
// lifetime (e.g. a persistent container's storage directory survives
// deliberately).
func (s *Stack) Dismiss() {
	s.actions = nil
}

// Len reports how many actions are currently registered (for tests).
func (s *Stack) Len() int { return len(s.actions) }
