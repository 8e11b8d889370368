package broadcast

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

var adjectives = []string{
	"amber", "bold", "brisk", "calm", "clear", "coral", "crisp", "deep",
	"dusk", "fair", "glad", "gold", "green", "keen", "lean", "mild",
	"mint", "neat", "opal", "pale", "prime", "quiet", "rare", "ruby",
	"sage", "silk", "steel", "swift", "teal", "warm", "wide", "wise",
}

var nouns = []string{
	"arch", "beam", "brook", "cedar", "cliff", "cove", "crane", "crest",
	"delta", "drift", "ember", "fern", "finch", "flint", "gale", "glen",
	"grove", "hawk", "heath", "lark", "ledge", "marsh", "otter", "pine",
	"raven", "reef", "ridge", "spark", "spruce", "thorn", "vale", "wren",
}

// NewLabel returns a human-friendly "adjective-noun" label for log
// lines about one subscriber.
func NewLabel() string {
	return fmt.Sprintf("%s-%s", pickRandom(adjectives), pickRandom(nouns))
}

func pickRandom(list []string) string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(list))))
	if err != nil {
		// Fallback: just use first element (should never happen)
		return list[0]
	}
	return list[n.Int64()]
}
