// Package config resolves the declarative sandbox configuration.
// It merges built-in defaults, an optional flat override file, and
// per-invocation flags into one immutable SandboxSpec. No component
// downstream ever reads ambient configuration; the resolved spec is
// passed by value through every call.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Mode selects the container flavor.
type Mode string

const (
	ModeCLI     Mode = "cli"     // headless agent container
	ModeDesktop Mode = "desktop" // VNC-published desktop container
)

// Network selects the outbound network posture.
type Network string

const (
	NetworkNone     Network = "none"     // no network namespace connectivity
	NetworkFiltered Network = "filtered" // outbound allowlist enforcement
	NetworkHost     Network = "host"     // host namespace, reduced isolation
)

// MountSpec describes a single bind mount into the container.
type MountSpec struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// FilterSettings tunes the network filter's DNS and refresh behavior.
// The defaults are deliberately conservative; deployments can tighten
// or relax them through the override file or flags.
type FilterSettings struct {
	RefreshInterval time.Duration `json:"refresh_interval"`
	DNSAttempts     int           `json:"dns_attempts"`
	DNSTimeout      time.Duration `json:"dns_timeout"`
	DNSBackoff      time.Duration `json:"dns_backoff"`
}

// SandboxSpec is the immutable, validated description of one sandbox
// session request. It is the single input to policy construction.
type SandboxSpec struct {
	Mode         Mode           `json:"mode"`
	Network      Network        `json:"network"`
	AllowedHosts []string       `json:"allowed_hosts,omitempty"`
	Image        string         `json:"image"`
	CPUs         float64        `json:"cpus"`
	MemoryBytes  int64          `json:"memory_bytes"`
	PidsLimit    int64          `json:"pids_limit"`
	ReadOnlyRoot bool           `json:"read_only_root"`
	Mounts       []MountSpec    `json:"mounts,omitempty"`
	SeccompRef   string         `json:"seccomp_profile,omitempty"`
	AppArmorRef  string         `json:"apparmor_profile,omitempty"`
	Ephemeral    bool           `json:"ephemeral"`
	Filter       FilterSettings `json:"filter"`
}

// ConfigError reports an invalid or contradictory configuration. It is
// always raised before any runtime call is made.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// FlagOverrides carries per-invocation flag values. Nil pointers mean
// the flag was not given and the file/default value stands.
type FlagOverrides struct {
	Mode         *string
	Network      *string
	AllowedHosts *string // comma-separated
	Image        *string
	CPUs         *float64
	Memory       *string // human-readable, e.g. "2g"
	PidsLimit    *int64
	ReadOnlyRoot *bool
	Mounts       []string // "source:target[:ro]", repeatable
	SeccompRef   *string
	AppArmorRef  *string
	Ephemeral    *bool
}

// DefaultSpec returns the built-in defaults: a headless, read-only,
// network-isolated container with tight resource ceilings.
func DefaultSpec() SandboxSpec {
	return SandboxSpec{
		Mode:         ModeCLI,
		Network:      NetworkNone,
		Image:        "claude-cage:latest",
		CPUs:         2,
		MemoryBytes:  4 * 1024 * 1024 * 1024,
		PidsLimit:    512,
		ReadOnlyRoot: true,
		Ephemeral:    true,
		Filter: FilterSettings{
			RefreshInterval: 60 * time.Second,
			DNSAttempts:     3,
			DNSTimeout:      5 * time.Second,
			DNSBackoff:      500 * time.Millisecond,
		},
	}
}

// fileSpec is the flat key/value document accepted from the defaults
// file and the user override file. No nesting; list-valued keys use
// comma separation so the file stays a flat map.
type fileSpec struct {
	Mode            string  `yaml:"mode"`
	Network         string  `yaml:"network"`
	AllowedHosts    string  `yaml:"allowed_hosts"`
	Image           string  `yaml:"image"`
	CPUs            float64 `yaml:"cpus"`
	Memory          string  `yaml:"memory"`
	PidsLimit       int64   `yaml:"pids_limit"`
	ReadOnlyRoot    *bool   `yaml:"read_only_root"`
	Mounts          string  `yaml:"mounts"`
	SeccompRef      string  `yaml:"seccomp_profile"`
	AppArmorRef     string  `yaml:"apparmor_profile"`
	Ephemeral       *bool   `yaml:"ephemeral"`
	RefreshInterval string  `yaml:"refresh_interval"`
	DNSAttempts     int     `yaml:"dns_attempts"`
	DNSTimeout      string  `yaml:"dns_timeout"`
	DNSBackoff      string  `yaml:"dns_backoff"`
}

// Resolve merges defaults, the optional override file, and flags into a
// validated SandboxSpec. Precedence: flags > override file > defaults.
// A missing override file is not an error; a malformed one is.
func Resolve(overridePath string, flags FlagOverrides) (SandboxSpec, error) {
	spec := DefaultSpec()

	if overridePath != "" {
		if err := applyFile(&spec, overridePath); err != nil {
			return SandboxSpec{}, err
		}
	}

	if err := applyFlags(&spec, flags); err != nil {
		return SandboxSpec{}, err
	}

	if err := Validate(spec); err != nil {
		return SandboxSpec{}, err
	}
	return spec, nil
}

func applyFile(spec *SandboxSpec, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var fs fileSpec
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return &ConfigError{Field: path, Reason: fmt.Sprintf("parse: %v", err)}
	}

	if fs.Mode != "" {
		spec.Mode = Mode(fs.Mode)
	}
	if fs.Network != "" {
		spec.Network = Network(fs.Network)
	}
	if fs.AllowedHosts != "" {
		spec.AllowedHosts = splitList(fs.AllowedHosts)
	}
	if fs.Image != "" {
		spec.Image = fs.Image
	}
	if fs.CPUs != 0 {
		spec.CPUs = fs.CPUs
	}
	if fs.Memory != "" {
		bytes, err := units.RAMInBytes(fs.Memory)
		if err != nil {
			return &ConfigError{Field: "memory", Reason: err.Error()}
		}
		spec.MemoryBytes = bytes
	}
	if fs.PidsLimit != 0 {
		spec.PidsLimit = fs.PidsLimit
	}
	if fs.ReadOnlyRoot != nil {
		spec.ReadOnlyRoot = *fs.ReadOnlyRoot
	}
	if fs.Mounts != "" {
		mounts, err := parseMounts(splitList(fs.Mounts))
		if err != nil {
			return err
		}
		spec.Mounts = mounts
	}
	if fs.SeccompRef != "" {
		spec.SeccompRef = fs.SeccompRef
	}
	if fs.AppArmorRef != "" {
		spec.AppArmorRef = fs.AppArmorRef
	}
	if fs.Ephemeral != nil {
		spec.Ephemeral = *fs.Ephemeral
	}

	for _, d := range []struct {
		value string
		field string
		dst   *time.Duration
	}{
		{fs.RefreshInterval, "refresh_interval", &spec.Filter.RefreshInterval},
		{fs.DNSTimeout, "dns_timeout", &spec.Filter.DNSTimeout},
		{fs.DNSBackoff, "dns_backoff", &spec.Filter.DNSBackoff},
	} {
		if d.value == "" {
			continue
		}
		dur, err := time.ParseDuration(d.value)
		if err != nil {
			return &ConfigError{Field: d.field, Reason: err.Error()}
		}
		*d.dst = dur
	}
	if fs.DNSAttempts != 0 {
		spec.Filter.DNSAttempts = fs.DNSAttempts
	}

	return nil
}

func applyFlags(spec *SandboxSpec, flags FlagOverrides) error {
	if flags.Mode != nil {
		spec.Mode = Mode(*flags.Mode)
	}
	if flags.Network != nil {
		spec.Network = Network(*flags.Network)
	}
	if flags.AllowedHosts != nil {
		spec.AllowedHosts = splitList(*flags.AllowedHosts)
	}
	if flags.Image != nil {
		spec.Image = *flags.Image
	}
	if flags.CPUs != nil {
		spec.CPUs = *flags.CPUs
	}
	if flags.Memory != nil {
		bytes, err := units.RAMInBytes(*flags.Memory)
		if err != nil {
			return &ConfigError{Field: "memory", Reason: err.Error()}
		}
		spec.MemoryBytes = bytes
	}
	if flags.PidsLimit != nil {
		spec.PidsLimit = *flags.PidsLimit
	}
	if flags.ReadOnlyRoot != nil {
		spec.ReadOnlyRoot = *flags.ReadOnlyRoot
	}
	if len(flags.Mounts) > 0 {
		mounts, err := parseMounts(flags.Mounts)
		if err != nil {
			return err
		}
		spec.Mounts = mounts
	}
	if flags.SeccompRef != nil {
		spec.SeccompRef = *flags.SeccompRef
	}
	if flags.AppArmorRef != nil {
		spec.AppArmorRef = *flags.AppArmorRef
	}
	if flags.Ephemeral != nil {
		spec.Ephemeral = *flags.Ephemeral
	}
	return nil
}

// hostnamePattern accepts DNS names: dot-separated labels of letters,
// digits and hyphens, no leading/trailing hyphen.
var hostnamePattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?\.)*[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?$`)

// Validate checks a SandboxSpec for contradictions. It returns a
// ConfigError describing the first problem found; no partial spec is
// ever handed downstream.
func Validate(spec SandboxSpec) error {
	switch spec.Mode {
	case ModeCLI, ModeDesktop:
	default:
		return &ConfigError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q (want cli or desktop)", spec.Mode)}
	}

	switch spec.Network {
	case NetworkNone, NetworkFiltered, NetworkHost:
	default:
		return &ConfigError{Field: "network", Reason: fmt.Sprintf("unknown network mode %q (want none, filtered or host)", spec.Network)}
	}

	if spec.Image == "" {
		return &ConfigError{Field: "image", Reason: "image cannot be empty"}
	}
	if spec.CPUs <= 0 {
		return &ConfigError{Field: "cpus", Reason: fmt.Sprintf("must be positive, got %g", spec.CPUs)}
	}
	if spec.MemoryBytes <= 0 {
		return &ConfigError{Field: "memory", Reason: fmt.Sprintf("must be positive, got %d", spec.MemoryBytes)}
	}
	if spec.PidsLimit <= 0 {
		return &ConfigError{Field: "pids_limit", Reason: fmt.Sprintf("must be positive, got %d", spec.PidsLimit)}
	}

	if spec.Network == NetworkFiltered {
		for _, host := range spec.AllowedHosts {
			if !hostnamePattern.MatchString(host) {
				return &ConfigError{Field: "allowed_hosts", Reason: fmt.Sprintf("invalid hostname %q", host)}
			}
		}
	}

	if err := validateMounts(spec.Mounts); err != nil {
		return err
	}

	if spec.Filter.RefreshInterval <= 0 {
		return &ConfigError{Field: "refresh_interval", Reason: "must be positive"}
	}
	if spec.Filter.DNSAttempts <= 0 {
		return &ConfigError{Field: "dns_attempts", Reason: "must be positive"}
	}
	if spec.Filter.DNSTimeout <= 0 {
		return &ConfigError{Field: "dns_timeout", Reason: "must be positive"}
	}

	return nil
}

// validateMounts rejects duplicate and overlapping mount targets: two
// mounts may not share a target, and no target may live beneath another.
func validateMounts(mounts []MountSpec) error {
	targets := make([]string, 0, len(mounts))
	for _, m := range mounts {
		if m.Source == "" || m.Target == "" {
			return &ConfigError{Field: "mounts", Reason: "mount source and target cannot be empty"}
		}
		if !filepath.IsAbs(m.Target) {
			return &ConfigError{Field: "mounts", Reason: fmt.Sprintf("mount target %q must be absolute", m.Target)}
		}
		targets = append(targets, filepath.Clean(m.Target))
	}

	sort.Strings(targets)
	for i := 1; i < len(targets); i++ {
		if targets[i] == targets[i-1] {
			return &ConfigError{Field: "mounts", Reason: fmt.Sprintf("duplicate mount target %q", targets[i])}
		}
		if strings.HasPrefix(targets[i], targets[i-1]+"/") {
			return &ConfigError{Field: "mounts", Reason: fmt.Sprintf("mount target %q overlaps %q", targets[i], targets[i-1])}
		}
	}
	return nil
}

// parseMounts parses "source:target[:ro]" entries. A bare path mounts
// itself read-write at /workspace/<basename>.
func parseMounts(entries []string) ([]MountSpec, error) {
	mounts := make([]MountSpec, 0, len(entries))
	for _, entry := range entries {
		parts := strings.Split(entry, ":")
		switch len(parts) {
		case 1:
			abs, err := filepath.Abs(parts[0])
			if err != nil {
				return nil, &ConfigError{Field: "mounts", Reason: err.Error()}
			}
			mounts = append(mounts, MountSpec{
				Source: abs,
				Target: "/workspace/" + filepath.Base(abs),
			})
		case 2:
			mounts = append(mounts, MountSpec{Source: parts[0], Target: parts[1]})
		case 3:
			if parts[2] != "ro" && parts[2] != "rw" {
				return nil, &ConfigError{Field: "mounts", Reason: fmt.Sprintf("bad mount option %q in %q (want ro or rw)", parts[2], entry)}
			}
			mounts = append(mounts, MountSpec{Source: parts[0], Target: parts[1], ReadOnly: parts[2] == "ro"})
		default:
			return nil, &ConfigError{Field: "mounts", Reason: fmt.Sprintf("cannot parse mount %q", entry)}
		}
	}
	return mounts, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
