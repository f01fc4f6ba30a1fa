// Package policy translates a SandboxSpec into the concrete enforcement
// plan applied to a container. Build is the single source of truth for
// security defaults; the runtime launcher, the verifier and any exported
// description all derive from the same function instead of re-encoding
// flags independently.
package policy

import (
	"sort"

	"github.com/Zero2oneZ/claude-cage-sub002/internal/config"
)

// Capabilities granted to every sandbox on top of drop-ALL. The agent
// needs file ownership changes and uid/gid switching for its tooling;
// everything else stays dropped.
var baseCapabilities = []string{"CHOWN", "DAC_OVERRIDE", "SETGID", "SETUID"}

// Tmpfs budgets when the root filesystem is read-only.
const (
	tmpSizeCLI     = "512m"
	tmpSizeDesktop = "1g"
	runSize        = "64m"
)

// Published desktop ports: VNC and the noVNC web client.
const (
	VNCPort   = 5901
	NoVNCPort = 6080
)

// BridgeName is the dedicated bridge network sandboxes attach to.
const BridgeName = "cage0"

// EnforcementPlan is the deterministic, fully-resolved set of OS-level
// enforcement primitives for one session. It is a pure function of the
// SandboxSpec and carries no state of its own.
type EnforcementPlan struct {
	Image        string
	CapAdd       []string // sorted
	CapDropAll   bool
	ReadOnlyRoot bool
	Tmpfs        map[string]string // target -> size
	Mounts       []config.MountSpec

	CPUs        float64
	MemoryBytes int64
	PidsLimit   int64

	NoNewPrivileges bool
	SeccompRef      string
	AppArmorRef     string

	Network      config.Network
	AllowedHosts []string
	BridgeName   string
	ICCEnabled   bool
	Filter       config.FilterSettings

	// PublishedPorts maps container ports to identical host ports.
	// Only desktop mode publishes anything.
	PublishedPorts []int

	// ReducedIsolation is set for host networking so downstream
	// tooling can surface the weakened posture to the operator.
	ReducedIsolation bool
}

// Build derives the enforcement plan for a spec. It is side-effect-free
// and deterministic: equal specs produce equal plans.
func Build(spec config.SandboxSpec) EnforcementPlan {
	plan := EnforcementPlan{
		Image:           spec.Image,
		CapAdd:          append([]string(nil), baseCapabilities...),
		CapDropAll:      true,
		ReadOnlyRoot:    spec.ReadOnlyRoot,
		Mounts:          append([]config.MountSpec(nil), spec.Mounts...),
		CPUs:            spec.CPUs,
		MemoryBytes:     spec.MemoryBytes,
		PidsLimit:       spec.PidsLimit,
		NoNewPrivileges: true,
		SeccompRef:      spec.SeccompRef,
		AppArmorRef:     spec.AppArmorRef,
		Network:         spec.Network,
		Filter:          spec.Filter,
	}
	sort.Strings(plan.CapAdd)

	if spec.ReadOnlyRoot {
		tmpSize := tmpSizeCLI
		if spec.Mode == config.ModeDesktop {
			tmpSize = tmpSizeDesktop
		}
		plan.Tmpfs = map[string]string{
			"/tmp": tmpSize,
			"/run": runSize,
		}
	}

	if spec.Mode == config.ModeDesktop {
		plan.PublishedPorts = []int{VNCPort, NoVNCPort}
	}

	switch spec.Network {
	case config.NetworkFiltered:
		plan.AllowedHosts = append([]string(nil), spec.AllowedHosts...)
		plan.BridgeName = BridgeName
		plan.ICCEnabled = false
	case config.NetworkHost:
		// Host networking cannot be combined with the bridge or the
		// filter; the plan records the weaker posture explicitly.
		plan.ReducedIsolation = true
	case config.NetworkNone:
		// allowed_hosts is ignored entirely for network=none.
	}

	return plan
}
