package store

import (
	"path/filepath"
	"testing"

	"github.com/unfaded/kakuri/internal/invocation"
)

func TestCreateListLookupRemove(t *testing.T) {
	s := New(t.TempDir())

	rec, err := s.Create("box", invocation.Flags{AllowNetwork: true}, invocation.NoVpn())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Name != "box" || !rec.AllowNetwork {
		t.Fatalf("Create record = %+v, want Name=box AllowNetwork=true", rec)
	}

	if _, err := s.Create("box", invocation.Flags{}, invocation.NoVpn()); err == nil {
		t.Fatal("expected AlreadyExists creating a duplicate name")
	}

	got, err := s.Lookup("box")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.UpperDir != filepath.Join(rec.StorageRoot, "upper") {
		t.Errorf("UpperDir = %q, want %q/upper", got.UpperDir, rec.StorageRoot)
	}

	recs, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 || recs[0].Name != "box" {
		t.Fatalf("List = %+v, want exactly [box]", recs)
	}

	if err := s.Remove("box"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Lookup("box"); err == nil {
		t.Fatal("expected NotFound after Remove")
	}
}

func TestLookupMissingIsNotFound(t *testing.T) {
	s := New(t.TempDir())
	if _, err := s.Lookup("ghost"); err == nil {
		t.Fatal("expected an error looking up a container that was never created")
	}
}

func TestCreateRejectsInvalidName(t *testing.T) {
	s := New(t.TempDir())
	for _, name := range []string{"", "has a space", "slash/in/name", "semi;colon"} {
		if _, err := s.Create(name, invocation.Flags{}, invocation.NoVpn()); err == nil {
			t.Errorf("Create(%q) should have been rejected", name)
		}
	}
}

func TestSetVpnRoundTrips(t *testing.T) {
	s := New(t.TempDir())
	if _, err := s.Create("box", invocation.Flags{}, invocation.NoVpn()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.SetVpn("box", invocation.VpnByName("office")); err != nil {
		t.Fatalf("SetVpn: %v", err)
	}

	rec, err := s.Lookup("box")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if rec.Vpn != "name:office" {
		t.Errorf("Vpn = %q, want name:office", rec.Vpn)
	}

	if err := s.SetVpn("box", invocation.NoVpn()); err != nil {
		t.Fatalf("SetVpn(NoVpn): %v", err)
	}
	rec, _ = s.Lookup("box")
	if rec.Vpn != "" {
		t.Errorf("Vpn after clearing = %q, want empty", rec.Vpn)
	}
}

func TestReadRunningPidStaleFileIsNotRunning(t *testing.T) {
	s := New(t.TempDir())
	if _, err := s.Create("box", invocation.Flags{}, invocation.NoVpn()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// pid 999999999 is never a real process.
	if err := s.WritePid("box", 999999999); err != nil {
		t.Fatalf("WritePid: %v", err)
	}

	_, running, err := s.ReadRunningPid("box")
	if err != nil {
		t.Fatalf("ReadRunningPid: %v", err)
	}
	if running {
		t.Fatal("a stale pid file should report running=false")
	}
}
