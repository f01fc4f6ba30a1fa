package netfilter

import (
	"strings"
	"testing"
)

// Kernel limit on iptables chain names.
const maxChainName = 28

func TestSessionChain(t *testing.T) {
	a := sessionChain("calm-fjord-1a2b")
	b := sessionChain("calm-fjord-1a2b")
	if a != b {
		t.Errorf("chain name must be deterministic: %s != %s", a, b)
	}
	if !strings.HasPrefix(a, chainPrefix) {
		t.Errorf("chain %s missing prefix %s", a, chainPrefix)
	}
	if other := sessionChain("bold-mesa-0001"); other == a {
		t.Errorf("distinct sessions share chain %s", a)
	}
}

func TestChainNamesFitKernelLimit(t *testing.T) {
	// A deliberately long session name must still yield legal chain
	// names, including the version suffixes.
	parent := sessionChain("a-very-long-session-name-that-would-never-fit-raw")
	for _, chain := range append([]string{parent}, versionChains(parent)[0], versionChains(parent)[1]) {
		if len(chain) > maxChainName {
			t.Errorf("chain %s is %d chars, kernel limit is %d", chain, len(chain), maxChainName)
		}
	}
}

func TestVersionChainsDistinct(t *testing.T) {
	parent := sessionChain("calm-fjord-1a2b")
	v := versionChains(parent)
	if v[0] == v[1] {
		t.Errorf("version chains must differ, both %s", v[0])
	}
	for _, chain := range v {
		if !strings.HasPrefix(chain, parent) {
			t.Errorf("version chain %s not derived from parent %s", chain, parent)
		}
	}
}
