package sym

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSymbolsAreDistinctSingleRunes(t *testing.T) {
	seen := make(map[string]bool)
	for _, s := range []string{AM, Jobs, Resources, DB, Pulse, PulseOpen, PulseClose, Compile} {
		assert.Equal(t, 1, utf8.RuneCountInString(s), "symbol %q", s)
		assert.False(t, seen[s], "symbol %q used twice", s)
		seen[s] = true
	}
}
