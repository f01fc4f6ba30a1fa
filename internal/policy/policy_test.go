package policy

import (
	"reflect"
	"sort"
	"testing"

	"github.com/Zero2oneZ/claude-cage-sub002/internal/config"
)

func TestBuildDeterministic(t *testing.T) {
	spec := config.DefaultSpec()
	spec.Network = config.NetworkFiltered
	spec.AllowedHosts = []string{"api.anthropic.com", "github.com"}

	a := Build(spec)
	b := Build(spec)
	if !reflect.DeepEqual(a, b) {
		t.Error("equal specs must produce equal plans")
	}
}

func TestBuildBaseline(t *testing.T) {
	plan := Build(config.DefaultSpec())

	if !plan.CapDropAll {
		t.Error("every plan must drop all capabilities")
	}
	if !plan.NoNewPrivileges {
		t.Error("every plan must set no-new-privileges")
	}
	want := []string{"CHOWN", "DAC_OVERRIDE", "SETGID", "SETUID"}
	if !reflect.DeepEqual(plan.CapAdd, want) {
		t.Errorf("CapAdd = %v, want %v", plan.CapAdd, want)
	}
	if !sort.StringsAreSorted(plan.CapAdd) {
		t.Error("CapAdd must be sorted")
	}
	if !plan.ReadOnlyRoot {
		t.Error("default plan must keep root read-only")
	}
	if plan.Tmpfs["/tmp"] != "512m" || plan.Tmpfs["/run"] != "64m" {
		t.Errorf("tmpfs = %v", plan.Tmpfs)
	}
	if len(plan.PublishedPorts) != 0 {
		t.Errorf("cli mode must publish nothing, got %v", plan.PublishedPorts)
	}
	if plan.ReducedIsolation {
		t.Error("network none is not reduced isolation")
	}
}

func TestBuildDesktop(t *testing.T) {
	spec := config.DefaultSpec()
	spec.Mode = config.ModeDesktop

	plan := Build(spec)
	if plan.Tmpfs["/tmp"] != "1g" {
		t.Errorf("desktop /tmp = %q, want 1g", plan.Tmpfs["/tmp"])
	}
	if !reflect.DeepEqual(plan.PublishedPorts, []int{VNCPort, NoVNCPort}) {
		t.Errorf("published ports = %v", plan.PublishedPorts)
	}
}

func TestBuildWritableRootHasNoTmpfs(t *testing.T) {
	spec := config.DefaultSpec()
	spec.ReadOnlyRoot = false

	plan := Build(spec)
	if plan.Tmpfs != nil {
		t.Errorf("writable root should not mount tmpfs, got %v", plan.Tmpfs)
	}
}

func TestBuildNetworkPostures(t *testing.T) {
	base := config.DefaultSpec()
	base.AllowedHosts = []string{"api.anthropic.com"}

	t.Run("filtered", func(t *testing.T) {
		spec := base
		spec.Network = config.NetworkFiltered
		plan := Build(spec)
		if plan.BridgeName != BridgeName {
			t.Errorf("bridge = %q, want %q", plan.BridgeName, BridgeName)
		}
		if plan.ICCEnabled {
			t.Error("inter-container traffic must stay disabled on the bridge")
		}
		if len(plan.AllowedHosts) != 1 {
			t.Errorf("allowed hosts = %v", plan.AllowedHosts)
		}
		if plan.ReducedIsolation {
			t.Error("filtered network is not reduced isolation")
		}
	})

	t.Run("none ignores hosts", func(t *testing.T) {
		spec := base
		spec.Network = config.NetworkNone
		plan := Build(spec)
		if len(plan.AllowedHosts) != 0 {
			t.Errorf("network none must drop allowed hosts, got %v", plan.AllowedHosts)
		}
	})

	t.Run("host flags reduced isolation", func(t *testing.T) {
		spec := base
		spec.Network = config.NetworkHost
		plan := Build(spec)
		if !plan.ReducedIsolation {
			t.Error("host networking must be flagged as reduced isolation")
		}
		if plan.BridgeName != "" {
			t.Errorf("host networking should not carry a bridge, got %q", plan.BridgeName)
		}
	})
}

func TestBuildDoesNotAliasSpec(t *testing.T) {
	spec := config.DefaultSpec()
	spec.Network = config.NetworkFiltered
	spec.AllowedHosts = []string{"api.anthropic.com"}
	spec.Mounts = []config.MountSpec{{Source: "/src", Target: "/workspace/src"}}

	plan := Build(spec)
	spec.AllowedHosts[0] = "changed.example.com"
	spec.Mounts[0].Source = "/changed"

	if plan.AllowedHosts[0] != "api.anthropic.com" {
		t.Error("plan must copy the allowed-hosts slice")
	}
	if plan.Mounts[0].Source != "/src" {
		t.Error("plan must copy the mounts slice")
	}
}
