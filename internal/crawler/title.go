package crawler

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultTitle is used when a page has no <title>.
const DefaultTitle = "No title"

// DefaultTitleSuffixPattern strips the site name appended to article titles.
const DefaultTitleSuffixPattern = `\s*-\s*wikipedia$`

// TitleNormalizer maps page titles onto their dedup form.
type TitleNormalizer struct {
	suffix *regexp.Regexp
}

// NewTitleNormalizer compiles pattern case-insensitively. An empty pattern
// disables suffix stripping.
func NewTitleNormalizer(pattern string) (*TitleNormalizer, error) {
	if strings.TrimSpace(pattern) == "" {
		return &TitleNormalizer{}, nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("compile title suffix pattern: %w", err)
	}
	return &TitleNormalizer{suffix: re}, nil
}

// Normalize trims, strips the site suffix, trims again and lowercases.
func (n *TitleNormalizer) Normalize(title string) string {
	out := strings.TrimSpace(title)
	if n != nil && n.suffix != nil {
		out = n.suffix.ReplaceAllString(out, "")
	}
	return strings.ToLower(strings.TrimSpace(out))
}
