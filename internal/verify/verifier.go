// Package verify re-derives the expected enforcement plan for a session
// and diffs it against the live container state, layer by layer. A
// mismatch is not an exception: it is a normal Fail entry in the report.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Zero2oneZ/claude-cage-sub002/internal/config"
	"github.com/Zero2oneZ/claude-cage-sub002/internal/netfilter"
	"github.com/Zero2oneZ/claude-cage-sub002/internal/policy"
	"github.com/Zero2oneZ/claude-cage-sub002/internal/runtime"
	"github.com/Zero2oneZ/claude-cage-sub002/internal/session"
)

// Status is one layer's verification outcome.
type Status string

const (
	Pass    Status = "pass"
	Fail    Status = "fail"
	Unknown Status = "unknown"
)

// Layer names, in report order.
var layerNames = [8]string{
	"read-only root",
	"capabilities",
	"seccomp profile",
	"apparmor profile",
	"resource limits",
	"network allowlist",
	"no-new-privileges",
	"bridge icc",
}

// LayerResult is one enforcement layer's audit entry.
type LayerResult struct {
	Layer  string `json:"layer"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// AuditReport is the per-session verification result.
type AuditReport struct {
	Session     string        `json:"session"`
	GeneratedAt time.Time     `json:"generated_at"`
	Layers      []LayerResult `json:"layers"`
}

// AllPass reports whether every layer passed.
func (r AuditReport) AllPass() bool {
	for _, l := range r.Layers {
		if l.Status != Pass {
			return false
		}
	}
	return len(r.Layers) > 0
}

// FilterInspector is the slice of the network filter the verifier
// needs.
type FilterInspector interface {
	Snapshot(sessionName string) netfilter.Snapshot
}

// Config holds configuration for creating a Verifier.
type Config struct {
	Runtime  runtime.Runtime
	Filter   FilterInspector
	Resolver netfilter.Resolver
	Logger   *log.Logger
}

// Verifier checks a session's live state against its derived plan.
type Verifier struct {
	rt       runtime.Runtime
	filter   FilterInspector
	resolver netfilter.Resolver
	logger   *log.Logger
}

// NewVerifier creates a verifier. Runtime and Filter are required;
// Resolver defaults to the system resolver.
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("verify: runtime is required")
	}
	if cfg.Filter == nil {
		return nil, fmt.Errorf("verify: filter inspector is required")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = netfilter.NewDNSResolver()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[verify] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Verifier{rt: cfg.Runtime, filter: cfg.Filter, resolver: cfg.Resolver, logger: cfg.Logger}, nil
}

// Inspect produces the per-layer audit report for a session. A session
// that is not running yields Unknown for every layer: absence of
// evidence is not evidence of misconfiguration. One layer failing never
// stops the others from being checked.
func (v *Verifier) Inspect(ctx context.Context, sess session.Session) AuditReport {
	report := AuditReport{
		Session:     sess.Name,
		GeneratedAt: time.Now().UTC(),
	}

	plan := policy.Build(sess.Spec)

	if sess.State != session.StateRunning || sess.RuntimeRef == "" {
		for _, name := range layerNames {
			report.Layers = append(report.Layers, LayerResult{
				Layer:  name,
				Status: Unknown,
				Detail: fmt.Sprintf("session is %s", sess.State),
			})
		}
		return report
	}

	live, err := v.rt.Inspect(ctx, sess.RuntimeRef)
	if err != nil || !live.Running {
		detail := "container not running"
		if err != nil {
			detail = fmt.Sprintf("inspect failed: %v", err)
		}
		for _, name := range layerNames {
			report.Layers = append(report.Layers, LayerResult{Layer: name, Status: Unknown, Detail: detail})
		}
		return report
	}

	report.Layers = []LayerResult{
		v.checkReadOnlyRoot(plan, live),
		v.checkCapabilities(plan, live),
		v.checkSeccomp(plan, live),
		v.checkAppArmor(plan, live),
		v.checkResources(plan, live),
		v.checkAllowlist(ctx, sess, plan),
		v.checkNoNewPrivileges(plan, live),
		v.checkICC(ctx, plan),
	}
	return report
}

func (v *Verifier) checkReadOnlyRoot(plan policy.EnforcementPlan, live runtime.LiveState) LayerResult {
	r := LayerResult{Layer: layerNames[0]}
	if live.ReadOnlyRootfs != plan.ReadOnlyRoot {
		r.Status = Fail
		r.Detail = fmt.Sprintf("expected read-only root %v, container has %v", plan.ReadOnlyRoot, live.ReadOnlyRootfs)
		return r
	}
	r.Status = Pass
	r.Detail = fmt.Sprintf("read-only root = %v", live.ReadOnlyRootfs)
	return r
}

// checkCapabilities requires the add-set to match exactly: an extra
// capability is as much a failure as a missing one.
func (v *Verifier) checkCapabilities(plan policy.EnforcementPlan, live runtime.LiveState) LayerResult {
	r := LayerResult{Layer: layerNames[1]}

	want := normalizeCaps(plan.CapAdd)
	got := normalizeCaps(live.CapAdd)

	var extra, missing []string
	gotSet := make(map[string]bool, len(got))
	for _, c := range got {
		gotSet[c] = true
	}
	wantSet := make(map[string]bool, len(want))
	for _, c := range want {
		wantSet[c] = true
	}
	for _, c := range got {
		if !wantSet[c] {
			extra = append(extra, c)
		}
	}
	for _, c := range want {
		if !gotSet[c] {
			missing = append(missing, c)
		}
	}

	if plan.CapDropAll && !containsCap(live.CapDrop, "ALL") {
		r.Status = Fail
		r.Detail = "capability drop-all is not in effect"
		return r
	}
	if len(extra) > 0 || len(missing) > 0 {
		r.Status = Fail
		parts := []string{}
		if len(extra) > 0 {
			parts = append(parts, "extra: "+strings.Join(extra, ", "))
		}
		if len(missing) > 0 {
			parts = append(parts, "missing: "+strings.Join(missing, ", "))
		}
		r.Detail = strings.Join(parts, "; ")
		return r
	}
	r.Status = Pass
	r.Detail = "add-set matches: " + strings.Join(want, ", ")
	return r
}

// checkSeccomp compares profile identity by content hash: the profile
// document is opaque to this engine, so identity is all we assert.
func (v *Verifier) checkSeccomp(plan policy.EnforcementPlan, live runtime.LiveState) LayerResult {
	r := LayerResult{Layer: layerNames[2]}

	liveProfile, attached := securityOptValue(live.SecurityOpt, "seccomp")

	if plan.SeccompRef == "" {
		if attached {
			r.Status = Fail
			r.Detail = "unexpected seccomp profile attached"
			return r
		}
		r.Status = Pass
		r.Detail = "no custom profile configured (runtime default)"
		return r
	}

	if !attached {
		r.Status = Fail
		r.Detail = fmt.Sprintf("profile %s not attached", plan.SeccompRef)
		return r
	}

	data, err := os.ReadFile(plan.SeccompRef)
	if err != nil {
		r.Status = Unknown
		r.Detail = fmt.Sprintf("cannot read expected profile: %v", err)
		return r
	}

	wantSum := sha256.Sum256(data)
	gotSum := sha256.Sum256([]byte(liveProfile))
	if wantSum != gotSum {
		r.Status = Fail
		r.Detail = fmt.Sprintf("profile content hash mismatch (want %s, got %s)",
			hex.EncodeToString(wantSum[:8]), hex.EncodeToString(gotSum[:8]))
		return r
	}
	r.Status = Pass
	r.Detail = "profile identity " + hex.EncodeToString(wantSum[:8])
	return r
}

func (v *Verifier) checkAppArmor(plan policy.EnforcementPlan, live runtime.LiveState) LayerResult {
	r := LayerResult{Layer: layerNames[3]}

	liveProfile, attached := securityOptValue(live.SecurityOpt, "apparmor")

	if plan.AppArmorRef == "" {
		if attached {
			r.Status = Fail
			r.Detail = fmt.Sprintf("unexpected apparmor profile %q attached", liveProfile)
			return r
		}
		r.Status = Pass
		r.Detail = "no custom profile configured (runtime default)"
		return r
	}

	if !attached {
		r.Status = Fail
		r.Detail = fmt.Sprintf("profile %s not attached", plan.AppArmorRef)
		return r
	}
	if liveProfile != plan.AppArmorRef {
		r.Status = Fail
		r.Detail = fmt.Sprintf("expected profile %s, container has %s", plan.AppArmorRef, liveProfile)
		return r
	}
	r.Status = Pass
	r.Detail = "profile " + liveProfile
	return r
}

func (v *Verifier) checkResources(plan policy.EnforcementPlan, live runtime.LiveState) LayerResult {
	r := LayerResult{Layer: layerNames[4]}

	var mismatches []string
	wantNanos := int64(plan.CPUs * 1e9)
	if live.NanoCPUs != wantNanos {
		mismatches = append(mismatches, fmt.Sprintf("cpus: want %g, got %g", plan.CPUs, float64(live.NanoCPUs)/1e9))
	}
	if live.MemoryBytes != plan.MemoryBytes {
		mismatches = append(mismatches, fmt.Sprintf("memory: want %d, got %d", plan.MemoryBytes, live.MemoryBytes))
	}
	if live.PidsLimit != plan.PidsLimit {
		mismatches = append(mismatches, fmt.Sprintf("pids: want %d, got %d", plan.PidsLimit, live.PidsLimit))
	}

	if len(mismatches) > 0 {
		r.Status = Fail
		r.Detail = strings.Join(mismatches, "; ")
		return r
	}
	r.Status = Pass
	r.Detail = fmt.Sprintf("cpus=%g memory=%d pids=%d", plan.CPUs, plan.MemoryBytes, plan.PidsLimit)
	return r
}

// checkAllowlist verifies the firewall chain exists and its membership
// is a superset of a fresh on-demand re-resolution. Supersets tolerate
// benign staleness inside one refresh interval; a freshly resolving IP
// missing from the chain is a real hole.
func (v *Verifier) checkAllowlist(ctx context.Context, sess session.Session, plan policy.EnforcementPlan) LayerResult {
	r := LayerResult{Layer: layerNames[5]}

	if plan.Network != config.NetworkFiltered {
		r.Status = Pass
		r.Detail = fmt.Sprintf("not applicable (network %s)", plan.Network)
		return r
	}

	snap := v.filter.Snapshot(sess.Name)
	if !snap.ChainExists {
		r.Status = Fail
		r.Detail = fmt.Sprintf("firewall chain %s does not exist", snap.Chain)
		return r
	}

	have := make(map[string]bool, len(snap.IPs))
	for _, ip := range snap.IPs {
		have[ip] = true
	}

	var missing []string
	for _, host := range plan.AllowedHosts {
		lookupCtx, cancel := context.WithTimeout(ctx, plan.Filter.DNSTimeout)
		ips, err := v.resolver.LookupIPs(lookupCtx, host)
		cancel()
		if err != nil {
			// A host that does not resolve right now cannot indict the
			// chain; the attach/refresh cycle logs it.
			v.logger.Printf("session %s: verification lookup of %s failed: %v", sess.Name, host, err)
			continue
		}
		for _, ip := range ips {
			if !have[ip] {
				missing = append(missing, fmt.Sprintf("%s (%s)", ip, host))
			}
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		r.Status = Fail
		r.Detail = "chain missing currently-resolving addresses: " + strings.Join(missing, ", ")
		return r
	}
	r.Status = Pass
	r.Detail = fmt.Sprintf("chain %s covers %d addresses for %d hosts", snap.Chain, len(snap.IPs), len(plan.AllowedHosts))
	return r
}

func (v *Verifier) checkNoNewPrivileges(plan policy.EnforcementPlan, live runtime.LiveState) LayerResult {
	r := LayerResult{Layer: layerNames[6]}

	set := false
	for _, opt := range live.SecurityOpt {
		if opt == "no-new-privileges:true" || opt == "no-new-privileges" {
			set = true
			break
		}
	}
	if plan.NoNewPrivileges && !set {
		r.Status = Fail
		r.Detail = "no-new-privileges flag is not set"
		return r
	}
	r.Status = Pass
	r.Detail = "no-new-privileges set"
	return r
}

func (v *Verifier) checkICC(ctx context.Context, plan policy.EnforcementPlan) LayerResult {
	r := LayerResult{Layer: layerNames[7]}

	if plan.BridgeName == "" {
		r.Status = Pass
		r.Detail = fmt.Sprintf("not applicable (network %s)", plan.Network)
		return r
	}

	net, err := v.rt.InspectNetwork(ctx, plan.BridgeName)
	if err != nil {
		r.Status = Unknown
		r.Detail = fmt.Sprintf("inspect bridge: %v", err)
		return r
	}
	if !net.Exists {
		r.Status = Fail
		r.Detail = fmt.Sprintf("bridge %s does not exist", plan.BridgeName)
		return r
	}
	if net.ICCEnabled != plan.ICCEnabled {
		r.Status = Fail
		r.Detail = fmt.Sprintf("bridge %s: expected icc %v, got %v", plan.BridgeName, plan.ICCEnabled, net.ICCEnabled)
		return r
	}
	r.Status = Pass
	r.Detail = fmt.Sprintf("bridge %s icc disabled", plan.BridgeName)
	return r
}

// securityOptValue extracts the value of a "key=value" or "key:value"
// security option.
func securityOptValue(opts []string, key string) (string, bool) {
	for _, opt := range opts {
		if strings.HasPrefix(opt, key+"=") {
			return opt[len(key)+1:], true
		}
		if strings.HasPrefix(opt, key+":") {
			return opt[len(key)+1:], true
		}
	}
	return "", false
}

func normalizeCaps(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.ToUpper(strings.TrimPrefix(strings.ToUpper(c), "CAP_"))
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func containsCap(caps []string, want string) bool {
	for _, c := range caps {
		if strings.EqualFold(c, want) || strings.EqualFold(c, "CAP_"+want) {
			return true
		}
	}
	return false
}
