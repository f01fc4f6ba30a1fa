package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func strPtr(s string) *string   { return &s }
func f64Ptr(f float64) *float64 { return &f }
func i64Ptr(i int64) *int64     { return &i }
func boolPtr(b bool) *bool      { return &b }

func TestResolveDefaults(t *testing.T) {
	spec, err := Resolve("", FlagOverrides{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if spec.Mode != ModeCLI {
		t.Errorf("mode = %q, want cli", spec.Mode)
	}
	if spec.Network != NetworkNone {
		t.Errorf("network = %q, want none", spec.Network)
	}
	if spec.MemoryBytes != 4*1024*1024*1024 {
		t.Errorf("memory = %d, want 4GiB", spec.MemoryBytes)
	}
	if !spec.ReadOnlyRoot || !spec.Ephemeral {
		t.Errorf("read-only=%v ephemeral=%v, want both true", spec.ReadOnlyRoot, spec.Ephemeral)
	}
	if spec.Filter.RefreshInterval != 60*time.Second {
		t.Errorf("refresh interval = %s, want 60s", spec.Filter.RefreshInterval)
	}
}

func TestResolveMissingOverrideFileIsFine(t *testing.T) {
	spec, err := Resolve(filepath.Join(t.TempDir(), "does-not-exist.yaml"), FlagOverrides{})
	if err != nil {
		t.Fatalf("missing override file should not be an error: %v", err)
	}
	if spec.Mode != ModeCLI {
		t.Errorf("mode = %q, want default", spec.Mode)
	}
}

func TestResolveFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
mode: desktop
network: filtered
allowed_hosts: api.anthropic.com, github.com
memory: 2g
cpus: 1.5
pids_limit: 256
ephemeral: false
refresh_interval: 30s
dns_attempts: 5
`)
	spec, err := Resolve(path, FlagOverrides{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if spec.Mode != ModeDesktop {
		t.Errorf("mode = %q, want desktop", spec.Mode)
	}
	if spec.Network != NetworkFiltered {
		t.Errorf("network = %q, want filtered", spec.Network)
	}
	if len(spec.AllowedHosts) != 2 || spec.AllowedHosts[0] != "api.anthropic.com" || spec.AllowedHosts[1] != "github.com" {
		t.Errorf("allowed hosts = %v", spec.AllowedHosts)
	}
	if spec.MemoryBytes != 2*1024*1024*1024 {
		t.Errorf("memory = %d, want 2GiB", spec.MemoryBytes)
	}
	if spec.CPUs != 1.5 {
		t.Errorf("cpus = %g, want 1.5", spec.CPUs)
	}
	if spec.Ephemeral {
		t.Error("ephemeral should be overridden to false")
	}
	if spec.Filter.RefreshInterval != 30*time.Second || spec.Filter.DNSAttempts != 5 {
		t.Errorf("filter settings = %+v", spec.Filter)
	}
}

func TestResolveFlagsBeatFile(t *testing.T) {
	path := writeConfig(t, `
network: filtered
allowed_hosts: github.com
memory: 2g
`)
	spec, err := Resolve(path, FlagOverrides{
		Network:      strPtr("none"),
		Memory:       strPtr("8g"),
		CPUs:         f64Ptr(4),
		PidsLimit:    i64Ptr(1024),
		ReadOnlyRoot: boolPtr(false),
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if spec.Network != NetworkNone {
		t.Errorf("network = %q, flags must beat the file", spec.Network)
	}
	if spec.MemoryBytes != 8*1024*1024*1024 {
		t.Errorf("memory = %d, want 8GiB", spec.MemoryBytes)
	}
	if spec.CPUs != 4 || spec.PidsLimit != 1024 || spec.ReadOnlyRoot {
		t.Errorf("spec = %+v", spec)
	}
}

func TestResolveMalformedFile(t *testing.T) {
	path := writeConfig(t, "mode: [this is\nnot yaml")
	_, err := Resolve(path, FlagOverrides{})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("malformed file: error = %v, want *ConfigError", err)
	}
}

func TestResolveBadMemoryFlag(t *testing.T) {
	_, err := Resolve("", FlagOverrides{Memory: strPtr("lots")})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *ConfigError", err)
	}
	if cfgErr.Field != "memory" {
		t.Errorf("field = %q, want memory", cfgErr.Field)
	}
}

func TestValidate(t *testing.T) {
	base := DefaultSpec()

	tests := []struct {
		name    string
		mutate  func(*SandboxSpec)
		field   string // "" means valid
	}{
		{"defaults valid", func(*SandboxSpec) {}, ""},
		{"unknown mode", func(s *SandboxSpec) { s.Mode = "vm" }, "mode"},
		{"unknown network", func(s *SandboxSpec) { s.Network = "bridge" }, "network"},
		{"empty image", func(s *SandboxSpec) { s.Image = "" }, "image"},
		{"zero cpus", func(s *SandboxSpec) { s.CPUs = 0 }, "cpus"},
		{"negative memory", func(s *SandboxSpec) { s.MemoryBytes = -1 }, "memory"},
		{"zero pids", func(s *SandboxSpec) { s.PidsLimit = 0 }, "pids_limit"},
		{"bad hostname", func(s *SandboxSpec) {
			s.Network = NetworkFiltered
			s.AllowedHosts = []string{"evil host; rm -rf"}
		}, "allowed_hosts"},
		{"hostname leading hyphen", func(s *SandboxSpec) {
			s.Network = NetworkFiltered
			s.AllowedHosts = []string{"-bad.example.com"}
		}, "allowed_hosts"},
		{"hosts ignored without filtering", func(s *SandboxSpec) {
			s.Network = NetworkNone
			s.AllowedHosts = []string{"not a hostname at all!"}
		}, ""},
		{"valid filtered", func(s *SandboxSpec) {
			s.Network = NetworkFiltered
			s.AllowedHosts = []string{"api.anthropic.com", "raw.githubusercontent.com"}
		}, ""},
		{"relative mount target", func(s *SandboxSpec) {
			s.Mounts = []MountSpec{{Source: "/src", Target: "workspace"}}
		}, "mounts"},
		{"duplicate mount target", func(s *SandboxSpec) {
			s.Mounts = []MountSpec{
				{Source: "/a", Target: "/workspace"},
				{Source: "/b", Target: "/workspace"},
			}
		}, "mounts"},
		{"nested mount target", func(s *SandboxSpec) {
			s.Mounts = []MountSpec{
				{Source: "/a", Target: "/workspace"},
				{Source: "/b", Target: "/workspace/sub"},
			}
		}, "mounts"},
		{"sibling mounts ok", func(s *SandboxSpec) {
			s.Mounts = []MountSpec{
				{Source: "/a", Target: "/workspace/a"},
				{Source: "/b", Target: "/workspace/b"},
			}
		}, ""},
		{"zero refresh interval", func(s *SandboxSpec) { s.Filter.RefreshInterval = 0 }, "refresh_interval"},
		{"zero dns attempts", func(s *SandboxSpec) { s.Filter.DNSAttempts = 0 }, "dns_attempts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := base
			tt.mutate(&spec)
			err := Validate(spec)
			if tt.field == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("error = %v, want *ConfigError", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}

func TestParseMounts(t *testing.T) {
	tests := []struct {
		name    string
		entry   string
		want    MountSpec
		wantErr bool
	}{
		{"source and target", "/home/me/proj:/workspace/proj", MountSpec{Source: "/home/me/proj", Target: "/workspace/proj"}, false},
		{"read-only", "/etc/gitconfig:/etc/gitconfig:ro", MountSpec{Source: "/etc/gitconfig", Target: "/etc/gitconfig", ReadOnly: true}, false},
		{"explicit rw", "/data:/data:rw", MountSpec{Source: "/data", Target: "/data"}, false},
		{"bare path", "/home/me/proj", MountSpec{Source: "/home/me/proj", Target: "/workspace/proj"}, false},
		{"bad option", "/a:/b:rx", MountSpec{}, true},
		{"too many parts", "/a:/b:ro:extra", MountSpec{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mounts, err := parseMounts([]string{tt.entry})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseMounts: %v", err)
			}
			if mounts[0] != tt.want {
				t.Errorf("got %+v, want %+v", mounts[0], tt.want)
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a.example.com ,b.example.com,, c ")
	want := []string{"a.example.com", "b.example.com", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}
