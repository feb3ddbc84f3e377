package threading

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseReferences(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected []string
	}{
		{"empty input", "", []string{}},
		{"whitespace only", "   \t\n", []string{}},
		{"single bracketed id", "<a@example.com>", []string{"a@example.com"}},
		{"multiple ids keep order", "<a@x> <b@x>\r\n <c@x>", []string{"a@x", "b@x", "c@x"}},
		{"ids without separators", "<a@x><b@x>", []string{"a@x", "b@x"}},
		{"trims inner whitespace", "< a@x >", []string{"a@x"}},
		{"empty brackets are dropped", "<> <a@x>", []string{"a@x"}},
		{"duplicates are preserved", "<a@x> <a@x>", []string{"a@x", "a@x"}},
		{"bare ids fall back to whitespace split", "a@x b@x", []string{"a@x", "b@x"}},
		{"stray brackets are stripped", "a@x> <b@x", []string{"a@x", "b@x"}},
		{"lone brackets produce nothing", "< >", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParseReferences(tt.raw)
			assert.NotNil(t, result)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestParseReferencesNeverPanics(t *testing.T) {
	inputs := []string{"<", ">", "<<>>", "\x00<\x00>", "<<a@x>", "<a@x>>", "\xff\xfe", "<a@x> garbage <"}
	for _, in := range inputs {
		assert.NotPanics(t, func() { _ = ParseReferences(in) }, "input %q", in)
	}
}

func TestNormalizeMessageID(t *testing.T) {
	assert.Equal(t, "a@x", NormalizeMessageID(" <a@x> "))
	assert.Equal(t, "a@x", NormalizeMessageID("a@x"))
	assert.Equal(t, "", NormalizeMessageID("<>"))
	assert.Equal(t, []string{"a@x", "b@x"}, NormalizeMessageIDs([]string{"<a@x>", " ", "<>", "b@x"}))
	assert.Empty(t, NormalizeMessageIDs(nil))
}

func TestReferenceChain(t *testing.T) {
	t.Run("appends in-reply-to when missing", func(t *testing.T) {
		chain := referenceChain("c", []string{"a"}, []string{"b"})
		assert.Equal(t, []string{"a", "b"}, chain)
	})

	t.Run("skips in-reply-to already in references", func(t *testing.T) {
		chain := referenceChain("c", []string{"a", "b"}, []string{"b"})
		assert.Equal(t, []string{"a", "b"}, chain)
	})

	t.Run("drops self references", func(t *testing.T) {
		chain := referenceChain("c", []string{"a", "c"}, []string{"c"})
		assert.Equal(t, []string{"a"}, chain)
	})
}
