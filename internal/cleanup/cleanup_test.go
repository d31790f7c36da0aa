package cleanup

import (
	"errors"
	"reflect"
	"testing"
)

func TestUnwindRunsInReverseOrder(t *testing.T) {
	var order []string

	s := New()
	s.Push("first", func() error { order = append(order, "first"); return nil })
	s.Push("second", func() error { order = append(order, "second"); return nil })
	s.Push("third", func() error { order = append(order, "third"); return nil })

	s.Unwind()

	want := []string{"third", "second", "first"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("Unwind order = %v, want %v", order, want)
	}
}

func TestUnwindIsolatesFailures(t *testing.T) {
	var ran []string

	s := New()
	s.Push("a", func() error { ran = append(ran, "a"); return nil })
	s.Push("b", func() error { return errors.New("boom") })
	s.Push("c", func() error { ran = append(ran, "c"); return nil })

	s.Unwind()

	want := []string{"c", "a"}
	if !reflect.DeepEqual(ran, want) {
		t.Fatalf("ran = %v, want %v: a failing action must not stop the rest", ran, want)
	}
}

func TestUnwindClearsStack(t *testing.T) {
	s := New()
	s.Push("a", func() error { return nil })
	s.Unwind()

	if s.Len() != 0 {
		t.Fatalf("Len() after Unwind = %d, want 0", s.Len())
	}

	// Dismiss drops registered actions, so a later Unwind runs nothing.
	ran := false
	s.Push("b", func() error { ran = true; return nil })
	s.Dismiss()
	s.Unwind()
	if ran {
		t.Fatal("Dismiss should have dropped the action before Unwind ran")
	}
}
