package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTitleNormalizer(t *testing.T) {
	t.Parallel()

	n, err := NewTitleNormalizer(DefaultTitleSuffixPattern)
	require.NoError(t, err)

	cases := []struct {
		in   string
		want string
	}{
		{"Redis - Wikipedia", "redis"},
		{"  redis -  WIKIPEDIA  ", "redis"},
		{"Redis", "redis"},
		{"Wikipedia - Wikipedia", "wikipedia"},
		{"Go (programming language) – Wikipedia", "go (programming language) – wikipedia"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, n.Normalize(tc.in), "input %q", tc.in)
	}
}

func TestTitleNormalizer_EmptyPatternOnlyFolds(t *testing.T) {
	t.Parallel()

	n, err := NewTitleNormalizer("")
	require.NoError(t, err)
	assert.Equal(t, "redis - wikipedia", n.Normalize(" Redis - Wikipedia "))
}

func TestTitleNormalizer_InvalidPattern(t *testing.T) {
	t.Parallel()

	_, err := NewTitleNormalizer("(")
	require.Error(t, err)
}
