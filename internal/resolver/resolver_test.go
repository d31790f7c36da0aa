package resolver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/unfaded/kakuri/internal/config"
	"github.com/unfaded/kakuri/internal/invocation"
)

func newTestConfig(t *testing.T, profiles map[string][]string) *config.Config {
	t.Helper()
	return &config.Config{BindProfiles: profiles}
}

func TestResolveAutoDetectsFileArgument(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "job.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	inv := &invocation.Invocation{
		Command: []string{"/bin/sh", script},
	}

	got, err := Resolve(inv, newTestConfig(t, nil))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if len(got.Binds) != 1 {
		t.Fatalf("Binds = %+v, want exactly one auto-detected mount", got.Binds)
	}
	if got.Binds[0].Source != dir || got.Binds[0].Destination != dir {
		t.Errorf("Binds[0] = %+v, want parent dir %q bound", got.Binds[0], dir)
	}
}

func TestResolveExplicitBindWinsOverAutoDetect(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "job.sh")
	if err := os.WriteFile(script, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	inv := &invocation.Invocation{
		Command: []string{"/bin/sh", script},
		Binds: []invocation.BindMount{
			{Source: dir, Destination: dir, ReadOnly: true},
		},
	}

	got, err := Resolve(inv, newTestConfig(t, nil))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got.Binds) != 1 || !got.Binds[0].ReadOnly {
		t.Fatalf("Binds = %+v, want single read-only explicit bind to win the merge", got.Binds)
	}
}

func TestResolveUnknownProfile(t *testing.T) {
	inv := &invocation.Invocation{
		Command:  []string{"/bin/true"},
		Profiles: []string{"does-not-exist"},
	}

	_, err := Resolve(inv, newTestConfig(t, map[string][]string{}))
	if err == nil {
		t.Fatal("expected an error for an unknown bind profile")
	}
}

func TestResolveRejectsRootDestination(t *testing.T) {
	inv := &invocation.Invocation{
		Command: []string{"/bin/true"},
		Binds:   []invocation.BindMount{{Source: "/tmp", Destination: "/"}},
	}

	_, err := Resolve(inv, newTestConfig(t, nil))
	if err == nil {
		t.Fatal("expected binding to / to be rejected")
	}
}

func TestResolveNeverPromotesArgvZero(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "tool.sh")
	if err := os.WriteFile(bin, []byte("x"), 0o755); err != nil {
		t.Fatal(err)
	}

	inv := &invocation.Invocation{Command: []string{bin}}

	got, err := Resolve(inv, newTestConfig(t, nil))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got.Binds) != 0 {
		t.Fatalf("Binds = %+v, want none: argv[0] must never be auto-mounted", got.Binds)
	}
}
