package netfilter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Zero2oneZ/claude-cage-sub002/internal/config"
	"github.com/Zero2oneZ/claude-cage-sub002/internal/policy"
)

// fakeFirewall is an in-memory rule table. It records a full snapshot
// of every chain after each mutation so tests can assert properties of
// every intermediate state the kernel could have observed.
type fakeFirewall struct {
	mu      sync.Mutex
	chains  map[string][]string
	history []map[string][]string
}

func newFakeFirewall() *fakeFirewall {
	return &fakeFirewall{chains: map[string][]string{forwardChain: {}}}
}

func (f *fakeFirewall) snapshotLocked() {
	snap := make(map[string][]string, len(f.chains))
	for name, rules := range f.chains {
		snap[name] = append([]string(nil), rules...)
	}
	f.history = append(f.history, snap)
}

func (f *fakeFirewall) EnsureChain(chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.chains[chain]; !ok {
		f.chains[chain] = []string{}
	}
	f.snapshotLocked()
	return nil
}

func (f *fakeFirewall) FlushChain(chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chains[chain] = []string{}
	f.snapshotLocked()
	return nil
}

func (f *fakeFirewall) DeleteChain(chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.chains, chain)
	f.snapshotLocked()
	return nil
}

func (f *fakeFirewall) ChainExists(chain string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.chains[chain]
	return ok, nil
}

func (f *fakeFirewall) Append(chain string, rulespec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rules, ok := f.chains[chain]
	if !ok {
		return fmt.Errorf("chain %s does not exist", chain)
	}
	f.chains[chain] = append(rules, strings.Join(rulespec, " "))
	f.snapshotLocked()
	return nil
}

func (f *fakeFirewall) Insert(chain string, pos int, rulespec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rules, ok := f.chains[chain]
	if !ok {
		return fmt.Errorf("chain %s does not exist", chain)
	}
	if pos < 1 || pos > len(rules)+1 {
		return fmt.Errorf("bad position %d", pos)
	}
	rule := strings.Join(rulespec, " ")
	rules = append(rules[:pos-1], append([]string{rule}, rules[pos-1:]...)...)
	f.chains[chain] = rules
	f.snapshotLocked()
	return nil
}

func (f *fakeFirewall) Delete(chain string, rulespec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule := strings.Join(rulespec, " ")
	rules := f.chains[chain]
	for i, r := range rules {
		if r == rule {
			f.chains[chain] = append(rules[:i], rules[i+1:]...)
			break
		}
	}
	f.snapshotLocked()
	return nil
}

func (f *fakeFirewall) Rules(chain string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rules, ok := f.chains[chain]
	if !ok {
		return nil, fmt.Errorf("chain %s does not exist", chain)
	}
	return append([]string(nil), rules...), nil
}

// allows evaluates whether a table snapshot permits a new TCP/443
// connection from src to dst, walking FORWARD like the kernel would.
func allows(table map[string][]string, src, dst string) bool {
	for _, rule := range table[forwardChain] {
		fields := strings.Fields(rule)
		if len(fields) >= 4 && fields[0] == "-s" && fields[1] == src && fields[2] == "-j" {
			return chainAllows(table, fields[3], dst)
		}
	}
	// No jump for this source: nothing gates the traffic.
	return true
}

func chainAllows(table map[string][]string, chain, dst string) bool {
	for _, rule := range table[chain] {
		fields := strings.Fields(rule)
		for i := 0; i < len(fields)-1; i++ {
			if fields[i] == "-d" && fields[i+1] == dst {
				return true
			}
		}
		if rule == "-j DROP" {
			return false
		}
		for i := 0; i < len(fields)-1; i++ {
			if fields[i] == "-j" && strings.HasPrefix(fields[i+1], chainPrefix) {
				return chainAllows(table, fields[i+1], dst)
			}
		}
	}
	return false
}

// fakeResolver serves lookups from a mutable table.
type fakeResolver struct {
	mu    sync.Mutex
	table map[string][]string
	errs  map[string]error
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{table: map[string][]string{}, errs: map[string]error{}}
}

func (r *fakeResolver) set(host string, ips ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table[host] = ips
	delete(r.errs, host)
}

func (r *fakeResolver) fail(host string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[host] = err
}

func (r *fakeResolver) LookupIPs(_ context.Context, host string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.errs[host]; ok {
		return nil, err
	}
	ips, ok := r.table[host]
	if !ok {
		return nil, fmt.Errorf("no such host: %s", host)
	}
	return append([]string(nil), ips...), nil
}

func testSettings() config.FilterSettings {
	return config.FilterSettings{
		RefreshInterval: time.Hour, // tests drive refresh directly
		DNSAttempts:     2,
		DNSTimeout:      time.Second,
		DNSBackoff:      time.Millisecond,
	}
}

func filteredPlan(hosts ...string) policy.EnforcementPlan {
	return policy.EnforcementPlan{
		Network:      config.NetworkFiltered,
		AllowedHosts: hosts,
		BridgeName:   policy.BridgeName,
		Filter:       testSettings(),
	}
}

func newTestManager(t *testing.T, fw Firewall, resolver Resolver) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Firewall: fw,
		Resolver: resolver,
		Logger:   log.New(os.Stdout, "[netfilter-test] ", 0),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestAttachInstallsAllowlist(t *testing.T) {
	fw := newFakeFirewall()
	resolver := newFakeResolver()
	resolver.set("api.example.com", "192.0.2.10", "192.0.2.11")
	resolver.set("proxy.example.com", "198.51.100.5")

	m := newTestManager(t, fw, resolver)
	if err := m.Attach(context.Background(), "calm-fjord-1a2b", "172.20.0.2", filteredPlan("api.example.com", "proxy.example.com")); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer m.Detach("calm-fjord-1a2b", "172.20.0.2")

	fw.mu.Lock()
	table := fw.chains
	for _, dst := range []string{"192.0.2.10", "192.0.2.11", "198.51.100.5"} {
		if !allows(table, "172.20.0.2", dst) {
			t.Errorf("allowed address %s is not reachable", dst)
		}
	}
	if allows(table, "172.20.0.2", "203.0.113.99") {
		t.Error("unlisted address is reachable")
	}
	fw.mu.Unlock()

	snap := m.Snapshot("calm-fjord-1a2b")
	if !snap.Attached || !snap.ChainExists {
		t.Errorf("snapshot attached=%v chainExists=%v, want both true", snap.Attached, snap.ChainExists)
	}
	if len(snap.IPs) != 3 {
		t.Errorf("snapshot has %d addresses, want 3", len(snap.IPs))
	}
}

func TestAttachHostFailureIsolated(t *testing.T) {
	fw := newFakeFirewall()
	resolver := newFakeResolver()
	resolver.set("api.example.com", "192.0.2.10")
	resolver.fail("broken.example.com", errors.New("servfail"))

	m := newTestManager(t, fw, resolver)
	if err := m.Attach(context.Background(), "bold-mesa-0001", "172.20.0.3", filteredPlan("api.example.com", "broken.example.com")); err != nil {
		t.Fatalf("Attach should tolerate a single failing host: %v", err)
	}
	defer m.Detach("bold-mesa-0001", "172.20.0.3")

	snap := m.Snapshot("bold-mesa-0001")
	if len(snap.IPs) != 1 || snap.IPs[0] != "192.0.2.10" {
		t.Errorf("union = %v, want only the resolving host's address", snap.IPs)
	}
	if snap.Hosts["broken.example.com"].Error == "" {
		t.Error("failing host should carry its resolution error")
	}
}

func TestAttachAllHostsFail(t *testing.T) {
	fw := newFakeFirewall()
	resolver := newFakeResolver()
	resolver.fail("a.example.com", errors.New("servfail"))
	resolver.fail("b.example.com", errors.New("timeout"))

	m := newTestManager(t, fw, resolver)
	err := m.Attach(context.Background(), "keen-reef-0002", "172.20.0.4", filteredPlan("a.example.com", "b.example.com"))
	if err == nil {
		t.Fatal("Attach should fail when every host exhausts DNS retries")
	}
	var filterErr *FilterError
	if !errors.As(err, &filterErr) {
		t.Fatalf("error type = %T, want *FilterError", err)
	}

	// No session chains may survive a failed attach.
	fw.mu.Lock()
	for chain := range fw.chains {
		if strings.HasPrefix(chain, chainPrefix) {
			t.Errorf("chain %s left behind after failed attach", chain)
		}
	}
	fw.mu.Unlock()
}

func TestAttachNoHostsIsDNSOnly(t *testing.T) {
	fw := newFakeFirewall()
	m := newTestManager(t, fw, newFakeResolver())

	if err := m.Attach(context.Background(), "wry-tarn-0003", "172.20.0.5", filteredPlan()); err != nil {
		t.Fatalf("Attach with empty allowlist: %v", err)
	}
	defer m.Detach("wry-tarn-0003", "172.20.0.5")

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if allows(fw.chains, "172.20.0.5", "203.0.113.1") {
		t.Error("traffic should be dropped when the allowlist is empty")
	}
}

func TestRefreshSwapIsAtomic(t *testing.T) {
	fw := newFakeFirewall()
	resolver := newFakeResolver()
	resolver.set("cdn.example.com", "192.0.2.10")

	m := newTestManager(t, fw, resolver)
	if err := m.Attach(context.Background(), "swift-dune-0004", "172.20.0.6", filteredPlan("cdn.example.com")); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer m.Detach("swift-dune-0004", "172.20.0.6")

	fw.mu.Lock()
	start := len(fw.history)
	fw.mu.Unlock()

	// Rotate the CDN address and drive one refresh cycle.
	resolver.set("cdn.example.com", "192.0.2.20")
	m.mu.Lock()
	att := m.sessions["swift-dune-0004"]
	m.mu.Unlock()
	if err := m.refreshOnce(context.Background(), att); err != nil {
		t.Fatalf("refreshOnce: %v", err)
	}

	// Sample every intermediate rule table the swap produced. At no
	// point may all traffic be open or all traffic be closed.
	fw.mu.Lock()
	defer fw.mu.Unlock()
	for i := start; i < len(fw.history); i++ {
		table := fw.history[i]
		oldOK := allows(table, "172.20.0.6", "192.0.2.10")
		newOK := allows(table, "172.20.0.6", "192.0.2.20")
		strangerOK := allows(table, "172.20.0.6", "203.0.113.50")

		if strangerOK {
			t.Errorf("step %d: unlisted address reachable mid-swap", i)
		}
		if !oldOK && !newOK {
			t.Errorf("step %d: all traffic blocked mid-swap", i)
		}
	}

	final := fw.history[len(fw.history)-1]
	if allows(final, "172.20.0.6", "192.0.2.10") {
		t.Error("rotated-out address still reachable after swap")
	}
	if !allows(final, "172.20.0.6", "192.0.2.20") {
		t.Error("rotated-in address not reachable after swap")
	}
}

func TestRefreshNoChangeNoSwap(t *testing.T) {
	fw := newFakeFirewall()
	resolver := newFakeResolver()
	resolver.set("api.example.com", "192.0.2.10")

	m := newTestManager(t, fw, resolver)
	if err := m.Attach(context.Background(), "tidy-knoll-0005", "172.20.0.7", filteredPlan("api.example.com")); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer m.Detach("tidy-knoll-0005", "172.20.0.7")

	fw.mu.Lock()
	before := len(fw.history)
	fw.mu.Unlock()

	m.mu.Lock()
	att := m.sessions["tidy-knoll-0005"]
	m.mu.Unlock()
	if err := m.refreshOnce(context.Background(), att); err != nil {
		t.Fatalf("refreshOnce: %v", err)
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if len(fw.history) != before {
		t.Errorf("unchanged IP set caused %d rule mutations", len(fw.history)-before)
	}
}

func TestDetachIdempotent(t *testing.T) {
	fw := newFakeFirewall()
	resolver := newFakeResolver()
	resolver.set("api.example.com", "192.0.2.10")

	m := newTestManager(t, fw, resolver)
	if err := m.Attach(context.Background(), "hazel-crag-0006", "172.20.0.8", filteredPlan("api.example.com")); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := m.Detach("hazel-crag-0006", "172.20.0.8"); err != nil {
		t.Fatalf("first Detach: %v", err)
	}
	if err := m.Detach("hazel-crag-0006", "172.20.0.8"); err != nil {
		t.Fatalf("second Detach should be a no-op, got: %v", err)
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()
	for chain := range fw.chains {
		if strings.HasPrefix(chain, chainPrefix) {
			t.Errorf("chain %s survived detach", chain)
		}
	}
	if len(fw.chains[forwardChain]) != 0 {
		t.Errorf("forward jump survived detach: %v", fw.chains[forwardChain])
	}
}

func TestDetachUnknownSessionNoError(t *testing.T) {
	m := newTestManager(t, newFakeFirewall(), newFakeResolver())
	if err := m.Detach("never-attached-0007", ""); err != nil {
		t.Fatalf("Detach of unknown session: %v", err)
	}
}

func TestDetachCancelsRefreshLoop(t *testing.T) {
	fw := newFakeFirewall()
	resolver := newFakeResolver()
	resolver.set("api.example.com", "192.0.2.10")

	plan := filteredPlan("api.example.com")
	plan.Filter.RefreshInterval = 5 * time.Millisecond

	m := newTestManager(t, fw, resolver)
	if err := m.Attach(context.Background(), "quiet-inlet-0008", "172.20.0.9", plan); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := m.Detach("quiet-inlet-0008", "172.20.0.9"); err != nil {
		t.Fatalf("Detach: %v", err)
	}

	// The loop must be cancelled, not abandoned: no further rule
	// mutations may occur after detach returns.
	fw.mu.Lock()
	after := len(fw.history)
	fw.mu.Unlock()

	time.Sleep(30 * time.Millisecond)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if len(fw.history) != after {
		t.Errorf("refresh loop still mutating rules after detach (%d new mutations)", len(fw.history)-after)
	}
}

func TestSnapshotRecoversFromRuleTable(t *testing.T) {
	fw := newFakeFirewall()
	resolver := newFakeResolver()
	resolver.set("api.example.com", "192.0.2.10", "192.0.2.11")

	// First manager installs the rules, as a previous process would.
	m1 := newTestManager(t, fw, resolver)
	if err := m1.Attach(context.Background(), "lucid-peak-0009", "172.20.0.10", filteredPlan("api.example.com")); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	m1.Shutdown()

	// A fresh manager over the same table has no attachment but must
	// still report the installed membership.
	m2 := newTestManager(t, fw, resolver)
	snap := m2.Snapshot("lucid-peak-0009")
	if snap.Attached {
		t.Error("fresh manager should not report an attachment")
	}
	if !snap.ChainExists {
		t.Fatal("chain should still exist after shutdown")
	}
	if len(snap.IPs) != 2 {
		t.Errorf("recovered %v from rule table, want 2 addresses", snap.IPs)
	}
}

func TestResolveHostBoundedRetries(t *testing.T) {
	resolver := newFakeResolver()
	resolver.fail("flaky.example.com", errors.New("servfail"))

	settings := testSettings()
	start := time.Now()
	_, err := resolveHost(context.Background(), resolver, "flaky.example.com", settings)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	// Two attempts, one backoff: the call must return promptly rather
	// than retry forever.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("retries took %s, want bounded", elapsed)
	}
}
