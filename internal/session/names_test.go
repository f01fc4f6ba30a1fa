package session

import (
	"regexp"
	"testing"
)

var namePattern = regexp.MustCompile(`^[a-z]+-[a-z]+-[0-9a-f]{4}$`)

func TestGenerateNameShape(t *testing.T) {
	for i := 0; i < 100; i++ {
		name, err := generateName(nil)
		if err != nil {
			t.Fatalf("generateName: %v", err)
		}
		if !namePattern.MatchString(name) {
			t.Fatalf("name %q does not match <adjective>-<noun>-<hex4>", name)
		}
	}
}

func TestGenerateNameAvoidsTaken(t *testing.T) {
	taken := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		name, err := generateName(taken)
		if err != nil {
			t.Fatalf("generateName after %d names: %v", i, err)
		}
		if taken[name] {
			t.Fatalf("returned taken name %q", name)
		}
		taken[name] = true
	}
}
