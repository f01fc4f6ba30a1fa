package netfilter

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/coreos/go-iptables/iptables"
)

// filterTable is the only table this engine touches.
const filterTable = "filter"

// forwardChain is the kernel hook point for bridged container traffic.
const forwardChain = "FORWARD"

// chainPrefix namespaces every chain this engine owns.
const chainPrefix = "CAGE-"

// Firewall is the minimal rule-table surface the filter needs. The
// iptables backend is the default; the interface keeps the mechanism
// swappable (nftables, eBPF) and lets tests substitute an in-memory
// table.
type Firewall interface {
	// EnsureChain creates the chain if it does not exist.
	EnsureChain(chain string) error
	// FlushChain empties the chain, creating it if missing.
	FlushChain(chain string) error
	// DeleteChain flushes and removes the chain. Missing chains are
	// not an error.
	DeleteChain(chain string) error
	ChainExists(chain string) (bool, error)
	Append(chain string, rulespec ...string) error
	// Insert places a rule at the given 1-based position.
	Insert(chain string, pos int, rulespec ...string) error
	// Delete removes a matching rule; a missing rule is not an error.
	Delete(chain string, rulespec ...string) error
	// Rules lists the rules of a chain as iptables-save style strings.
	Rules(chain string) ([]string, error)
}

// sessionChain derives the parent chain name for a session. Session
// names can exceed the kernel's 28-character chain name limit, so the
// chain is keyed by a short digest instead of the raw name.
func sessionChain(session string) string {
	sum := sha256.Sum256([]byte(session))
	return chainPrefix + hex.EncodeToString(sum[:4])
}

// versionChains returns the two rule-set chains the refresh loop swaps
// between.
func versionChains(parent string) [2]string {
	return [2]string{parent + "-a", parent + "-b"}
}

// IPTables is the go-iptables backed Firewall.
type IPTables struct {
	ipt *iptables.IPTables
}

// NewIPTables creates the default iptables backend. It fails if the
// iptables binary is unavailable or the caller lacks privilege to read
// the filter table.
func NewIPTables() (*IPTables, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("init iptables: %w", err)
	}
	if _, err := ipt.List(filterTable, forwardChain); err != nil {
		return nil, fmt.Errorf("read filter table (need root or CAP_NET_ADMIN): %w", err)
	}
	return &IPTables{ipt: ipt}, nil
}

func (t *IPTables) EnsureChain(chain string) error {
	exists, err := t.ipt.ChainExists(filterTable, chain)
	if err != nil {
		return fmt.Errorf("check chain %s: %w", chain, err)
	}
	if exists {
		return nil
	}
	if err := t.ipt.NewChain(filterTable, chain); err != nil {
		return fmt.Errorf("create chain %s: %w", chain, err)
	}
	return nil
}

func (t *IPTables) FlushChain(chain string) error {
	// ClearChain creates the chain when missing and flushes it when
	// present, which is exactly the semantic we need.
	if err := t.ipt.ClearChain(filterTable, chain); err != nil {
		return fmt.Errorf("flush chain %s: %w", chain, err)
	}
	return nil
}

func (t *IPTables) DeleteChain(chain string) error {
	exists, err := t.ipt.ChainExists(filterTable, chain)
	if err != nil {
		return fmt.Errorf("check chain %s: %w", chain, err)
	}
	if !exists {
		return nil
	}
	if err := t.ipt.ClearAndDeleteChain(filterTable, chain); err != nil {
		return fmt.Errorf("delete chain %s: %w", chain, err)
	}
	return nil
}

func (t *IPTables) ChainExists(chain string) (bool, error) {
	return t.ipt.ChainExists(filterTable, chain)
}

func (t *IPTables) Append(chain string, rulespec ...string) error {
	if err := t.ipt.Append(filterTable, chain, rulespec...); err != nil {
		return fmt.Errorf("append to %s: %w", chain, err)
	}
	return nil
}

func (t *IPTables) Insert(chain string, pos int, rulespec ...string) error {
	if err := t.ipt.Insert(filterTable, chain, pos, rulespec...); err != nil {
		return fmt.Errorf("insert into %s: %w", chain, err)
	}
	return nil
}

func (t *IPTables) Delete(chain string, rulespec ...string) error {
	if err := t.ipt.DeleteIfExists(filterTable, chain, rulespec...); err != nil {
		return fmt.Errorf("delete from %s: %w", chain, err)
	}
	return nil
}

func (t *IPTables) Rules(chain string) ([]string, error) {
	rules, err := t.ipt.List(filterTable, chain)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", chain, err)
	}
	// Drop the "-N <chain>" header line iptables emits first.
	out := rules[:0]
	for _, r := range rules {
		if !strings.HasPrefix(r, "-N ") {
			out = append(out, r)
		}
	}
	return out, nil
}
