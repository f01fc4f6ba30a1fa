package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Session names follow <adjective>-<noun>-<hex4>. The word lists keep
// names pronounceable in logs and shell history; the random suffix
// carries the entropy.
var adjectives = []string{
	"amber", "bold", "brisk", "calm", "clever", "crimson", "deft",
	"eager", "fleet", "gentle", "hazel", "keen", "lively", "lucid",
	"mellow", "nimble", "placid", "quiet", "rapid", "sage", "silent",
	"solid", "steady", "swift", "tidy", "vivid", "wry", "zesty",
}

var nouns = []string{
	"anvil", "basin", "beacon", "birch", "bluff", "canyon", "cedar",
	"comet", "crag", "delta", "dune", "ember", "fjord", "gale",
	"glacier", "harbor", "inlet", "knoll", "lagoon", "mesa", "otter",
	"peak", "quarry", "reef", "ridge", "spruce", "summit", "tarn",
}

// maxNameAttempts bounds collision retries before giving up.
const maxNameAttempts = 100

// generateName returns a session name not present in taken. It retries
// on collision against the full set of known names and errors out only
// if the space is effectively exhausted.
func generateName(taken map[string]bool) (string, error) {
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		idx := make([]byte, 2)
		if _, err := rand.Read(idx); err != nil {
			return "", fmt.Errorf("generate name: %w", err)
		}
		suffix := make([]byte, 2)
		if _, err := rand.Read(suffix); err != nil {
			return "", fmt.Errorf("generate name: %w", err)
		}

		name := fmt.Sprintf("%s-%s-%s",
			adjectives[int(idx[0])%len(adjectives)],
			nouns[int(idx[1])%len(nouns)],
			hex.EncodeToString(suffix))
		if !taken[name] {
			return name, nil
		}
	}
	return "", fmt.Errorf("generate name: %d attempts exhausted", maxNameAttempts)
}
