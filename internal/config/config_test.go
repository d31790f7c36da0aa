package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.ContainersDir == "" {
		t.Fatal("defaults should populate Storage.ContainersDir")
	}
	if cfg.BindProfiles == nil {
		t.Fatal("defaults should populate a non-nil BindProfiles map")
	}
}

func TestLoadParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[storage]
containers_dir = "/srv/kakuri"

[defaults]
allow_network = true

[bind_profiles]
dev = ["/usr/lib", "/usr/include"]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.ContainersDir != "/srv/kakuri" {
		t.Errorf("ContainersDir = %q, want /srv/kakuri", cfg.Storage.ContainersDir)
	}
	if !cfg.Defaults.AllowNetwork {
		t.Error("AllowNetwork = false, want true")
	}
	if len(cfg.BindProfiles["dev"]) != 2 {
		t.Errorf("BindProfiles[dev] = %v, want 2 entries", cfg.BindProfiles["dev"])
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}

	got, err := ExpandHome("~/work")
	if err != nil {
		t.Fatalf("ExpandHome: %v", err)
	}
	want := filepath.Join(home, "work")
	if got != want {
		t.Errorf("ExpandHome(~/work) = %q, want %q", got, want)
	}

	if got, _ := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("ExpandHome should leave absolute paths untouched, got %q", got)
	}
}
