// Package netfilter enforces the outbound allowlist of filtered
// sessions. For each session it owns a uniquely named chain so that
// concurrent sessions never share or clobber rules, and a background
// refresh loop that keeps the resolved IP set current as DNS answers
// rotate. Rule-set replacement is atomic: the new rules are built under
// a sibling chain and the jump is moved in a single insert, so the
// kernel never evaluates a half-applied table.
package netfilter

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Zero2oneZ/claude-cage-sub002/internal/config"
	"github.com/Zero2oneZ/claude-cage-sub002/internal/policy"
)

// FilterError reports a failure to establish or maintain the allowlist
// for a session. The caller must treat the session as degraded; the
// filter never silently falls back to an unfiltered network.
type FilterError struct {
	Session string
	Reason  string
	Err     error
}

func (e *FilterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("netfilter: session %s: %s: %v", e.Session, e.Reason, e.Err)
	}
	return fmt.Sprintf("netfilter: session %s: %s", e.Session, e.Reason)
}

func (e *FilterError) Unwrap() error { return e.Err }

// HostStatus is one allowlist entry's latest resolution state.
type HostStatus struct {
	IPs        []string  `json:"ips"`
	ResolvedAt time.Time `json:"resolved_at"`
	Error      string    `json:"error,omitempty"`
}

// Snapshot is a point-in-time view of a session's filter, consumed by
// the verifier.
type Snapshot struct {
	Attached    bool                  `json:"attached"`
	ChainExists bool                  `json:"chain_exists"`
	Chain       string                `json:"chain"`
	IPs         []string              `json:"ips"`
	Hosts       map[string]HostStatus `json:"hosts"`
	RefreshedAt time.Time             `json:"refreshed_at"`
}

// attachment is the live filter state of one session.
type attachment struct {
	session     string
	containerIP string
	hosts       []string
	settings    config.FilterSettings

	parent   string
	versions [2]string
	active   int // index into versions

	records     map[string]hostRecord
	ips         []string
	refreshedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// Config holds configuration for creating a Manager.
type Config struct {
	Firewall Firewall
	Resolver Resolver
	Logger   *log.Logger
}

// Manager owns the per-session filter attachments and their refresh
// loops. All methods are safe for concurrent use.
type Manager struct {
	fw       Firewall
	resolver Resolver
	logger   *log.Logger

	mu       sync.Mutex
	sessions map[string]*attachment
}

// NewManager creates a filter manager. Firewall is required; Resolver
// defaults to the system resolver.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Firewall == nil {
		return nil, fmt.Errorf("netfilter: firewall backend is required")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = NewDNSResolver()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[netfilter] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Manager{
		fw:       cfg.Firewall,
		resolver: cfg.Resolver,
		logger:   cfg.Logger,
		sessions: make(map[string]*attachment),
	}, nil
}

// Attach installs the outbound allowlist for a running session and
// starts its refresh loop. The container is already running when this
// is called: the window between container start and rule installation
// is a documented tradeoff, since rules cannot precede the network
// namespace they gate. containerIP is the session's bridge address.
func (m *Manager) Attach(ctx context.Context, session, containerIP string, plan policy.EnforcementPlan) error {
	if plan.Network != config.NetworkFiltered {
		return &FilterError{Session: session, Reason: fmt.Sprintf("network mode %q is not filtered", plan.Network)}
	}
	if containerIP == "" {
		return &FilterError{Session: session, Reason: "container has no bridge address"}
	}

	m.mu.Lock()
	if _, exists := m.sessions[session]; exists {
		m.mu.Unlock()
		return &FilterError{Session: session, Reason: "filter already attached"}
	}
	m.mu.Unlock()

	records := resolveAll(ctx, m.resolver, plan.AllowedHosts, plan.Filter)
	for host, rec := range records {
		if rec.Err != nil {
			m.logger.Printf("session %s: host %s unresolved, absent from allowlist this cycle: %v", session, host, rec.Err)
		}
	}
	ips := unionIPs(records)
	if len(plan.AllowedHosts) > 0 && len(ips) == 0 {
		return &FilterError{Session: session, Reason: "DNS resolution exhausted retries for all allowed hosts"}
	}

	parent := sessionChain(session)
	att := &attachment{
		session:     session,
		containerIP: containerIP,
		hosts:       append([]string(nil), plan.AllowedHosts...),
		settings:    plan.Filter,
		parent:      parent,
		versions:    versionChains(parent),
		records:     records,
		ips:         ips,
		refreshedAt: time.Now(),
		done:        make(chan struct{}),
	}

	if err := m.install(att); err != nil {
		m.teardownChains(att)
		return &FilterError{Session: session, Reason: "install rule set", Err: err}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	att.cancel = cancel

	m.mu.Lock()
	m.sessions[session] = att
	m.mu.Unlock()

	go m.refreshLoop(loopCtx, att)

	m.logger.Printf("session %s: filter attached (%d hosts, %d addresses, chain %s)",
		session, len(att.hosts), len(ips), parent)
	return nil
}

// install builds the initial chain layout: parent chain jumped to from
// FORWARD for the container's source address, holding a single jump to
// the active version chain with the real rules.
func (m *Manager) install(att *attachment) error {
	if err := m.fw.FlushChain(att.parent); err != nil {
		return err
	}
	for _, v := range att.versions {
		if err := m.fw.FlushChain(v); err != nil {
			return err
		}
	}

	active := att.versions[att.active]
	if err := m.populate(active, att.ips); err != nil {
		return err
	}
	if err := m.fw.Append(att.parent, "-j", active); err != nil {
		return err
	}
	return m.fw.Append(forwardChain, "-s", att.containerIP, "-j", att.parent)
}

// populate writes the allowlist rules into a version chain: keep
// established flows, allow DNS out, allow TCP 80/443 to the resolved
// set, drop everything else.
func (m *Manager) populate(chain string, ips []string) error {
	rules := [][]string{
		{"-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
		{"-p", "udp", "--dport", "53", "-j", "ACCEPT"},
		{"-p", "tcp", "--dport", "53", "-j", "ACCEPT"},
	}
	for _, ip := range ips {
		rules = append(rules, []string{"-d", ip, "-p", "tcp", "-m", "multiport", "--dports", "80,443", "-j", "ACCEPT"})
	}
	rules = append(rules, []string{"-j", "DROP"})

	for _, r := range rules {
		if err := m.fw.Append(chain, r...); err != nil {
			return err
		}
	}
	return nil
}

// refreshLoop re-resolves the allowlist on the configured interval and
// swaps the rule set when the IP set changed.
func (m *Manager) refreshLoop(ctx context.Context, att *attachment) {
	defer close(att.done)

	ticker := time.NewTicker(att.settings.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.refreshOnce(ctx, att); err != nil {
				m.logger.Printf("session %s: refresh failed: %v", att.session, err)
			}
		}
	}
}

// refreshOnce re-resolves all hosts and atomically replaces the rule
// set if membership changed. The new rules are built under the inactive
// version chain, the parent's jump moves in one insert, and only then
// is the old jump removed. Established connections are never touched;
// only new connection attempts are gated against the current set.
func (m *Manager) refreshOnce(ctx context.Context, att *attachment) error {
	records := resolveAll(ctx, m.resolver, att.hosts, att.settings)
	ips := unionIPs(records)

	m.mu.Lock()
	defer m.mu.Unlock()

	// The session may have been detached while we were resolving.
	if _, live := m.sessions[att.session]; !live {
		return nil
	}

	att.records = records
	att.refreshedAt = time.Now()

	if equalStrings(ips, att.ips) {
		return nil
	}

	next := 1 - att.active
	nextChain := att.versions[next]
	oldChain := att.versions[att.active]

	if err := m.fw.FlushChain(nextChain); err != nil {
		return err
	}
	if err := m.populate(nextChain, ips); err != nil {
		return err
	}
	// The new jump lands at position 1; every packet terminates inside
	// the new chain (its last rule is DROP), so the old jump below it
	// is dead the instant the insert commits.
	if err := m.fw.Insert(att.parent, 1, "-j", nextChain); err != nil {
		return err
	}
	if err := m.fw.Delete(att.parent, "-j", oldChain); err != nil {
		return err
	}
	if err := m.fw.FlushChain(oldChain); err != nil {
		m.logger.Printf("session %s: flush retired chain %s: %v", att.session, oldChain, err)
	}

	m.logger.Printf("session %s: allowlist refreshed: %d -> %d addresses", att.session, len(att.ips), len(ips))
	att.active = next
	att.ips = ips
	return nil
}

// Detach cancels the session's refresh loop and removes its chains.
// It is idempotent: detaching an unknown session, or one whose chains
// are already gone, is a no-op. containerIP lets a fresh process sweep
// the FORWARD jump of a session it never attached itself; it may be
// empty when unknown.
func (m *Manager) Detach(session, containerIP string) error {
	m.mu.Lock()
	att, exists := m.sessions[session]
	if exists {
		delete(m.sessions, session)
	}
	m.mu.Unlock()

	if !exists {
		// Chains can outlive the process that installed them; sweep
		// them by derived name.
		parent := sessionChain(session)
		m.removeChains(parent, containerIP, versionChains(parent))
		return nil
	}

	att.cancel()
	<-att.done

	if att.containerIP != "" {
		containerIP = att.containerIP
	}
	m.removeChains(att.parent, containerIP, att.versions)
	m.logger.Printf("session %s: filter detached", session)
	return nil
}

func (m *Manager) removeChains(parent, containerIP string, versions [2]string) {
	if containerIP != "" {
		if err := m.fw.Delete(forwardChain, "-s", containerIP, "-j", parent); err != nil {
			m.logger.Printf("remove forward jump to %s: %v", parent, err)
		}
	}
	if err := m.fw.DeleteChain(parent); err != nil {
		m.logger.Printf("remove chain %s: %v", parent, err)
	}
	for _, v := range versions {
		if err := m.fw.DeleteChain(v); err != nil {
			m.logger.Printf("remove chain %s: %v", v, err)
		}
	}
}

func (m *Manager) teardownChains(att *attachment) {
	m.removeChains(att.parent, att.containerIP, att.versions)
}

// Snapshot reports the current filter state for a session. When this
// process holds the attachment, the snapshot comes from memory; when
// another process installed the rules, the IP membership is recovered
// from the live rule table so audits work across process restarts.
func (m *Manager) Snapshot(session string) Snapshot {
	m.mu.Lock()
	att, exists := m.sessions[session]
	var snap Snapshot
	if exists {
		snap = Snapshot{
			Attached:    true,
			Chain:       att.parent,
			IPs:         append([]string(nil), att.ips...),
			RefreshedAt: att.refreshedAt,
			Hosts:       make(map[string]HostStatus, len(att.records)),
		}
		for host, rec := range att.records {
			hs := HostStatus{IPs: append([]string(nil), rec.IPs...), ResolvedAt: rec.ResolvedAt}
			if rec.Err != nil {
				hs.Error = rec.Err.Error()
			}
			snap.Hosts[host] = hs
		}
	} else {
		snap = Snapshot{Chain: sessionChain(session)}
	}
	m.mu.Unlock()

	if chainExists, err := m.fw.ChainExists(snap.Chain); err == nil {
		snap.ChainExists = chainExists
	}
	if !snap.Attached && snap.ChainExists {
		snap.IPs = m.readChainIPs(snap.Chain)
	}
	return snap
}

// readChainIPs recovers the allowed IP set from the rule table: follow
// the parent chain's jump to the active version chain and collect its
// destination addresses.
func (m *Manager) readChainIPs(parent string) []string {
	rules, err := m.fw.Rules(parent)
	if err != nil {
		return nil
	}
	var active string
	for _, rule := range rules {
		fields := strings.Fields(rule)
		for i := 0; i < len(fields)-1; i++ {
			if fields[i] == "-j" && strings.HasPrefix(fields[i+1], chainPrefix) {
				active = fields[i+1]
			}
		}
	}
	if active == "" {
		return nil
	}

	rules, err = m.fw.Rules(active)
	if err != nil {
		return nil
	}
	var ips []string
	for _, rule := range rules {
		fields := strings.Fields(rule)
		for i := 0; i < len(fields)-1; i++ {
			if fields[i] == "-d" {
				ips = append(ips, strings.TrimSuffix(fields[i+1], "/32"))
			}
		}
	}
	sort.Strings(ips)
	return ips
}

// Shutdown cancels every refresh loop without removing any rules. The
// installed allowlists stay correct as of the last refresh; a later
// stop or destroy sweeps the chains.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	atts := make([]*attachment, 0, len(m.sessions))
	for _, att := range m.sessions {
		atts = append(atts, att)
	}
	m.sessions = make(map[string]*attachment)
	m.mu.Unlock()

	for _, att := range atts {
		att.cancel()
		<-att.done
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
