package crawler

import (
	"net/url"
	"strings"
)

// DefaultDenyPatterns are URL substrings that are never followed.
var DefaultDenyPatterns = []string{
	"action=edit",
	"action=history",
	"Special:",
	"File:",
	"Talk:",
	"User:",
	"index.php?",
}

// LinkPolicyConfig configures child link admission.
type LinkPolicyConfig struct {
	MaxDepth       int
	AllowedDomains []string
	// DenyPatterns replaces DefaultDenyPatterns when non-nil.
	DenyPatterns []string
	PriorityMode PriorityMode
}

// LinkPolicy decides which links discovered on a page become child jobs.
type LinkPolicy struct {
	maxDepth int
	allow    *domainPatternList
	deny     []string
	mode     PriorityMode
}

// NewLinkPolicy builds a LinkPolicy.
func NewLinkPolicy(cfg LinkPolicyConfig) *LinkPolicy {
	deny := cfg.DenyPatterns
	if deny == nil {
		deny = DefaultDenyPatterns
	}
	mode := cfg.PriorityMode
	if mode == "" {
		mode = PriorityConstant
	}
	return &LinkPolicy{
		maxDepth: cfg.MaxDepth,
		allow:    newDomainPatternList(cfg.AllowedDomains),
		deny:     append([]string(nil), deny...),
		mode:     mode,
	}
}

// MaxDepth returns the configured depth ceiling.
func (p *LinkPolicy) MaxDepth() int {
	return p.maxDepth
}

// CanExpand reports whether a job at this depth may emit children.
func (p *LinkPolicy) CanExpand(depth int) bool {
	return depth < p.maxDepth
}

// Allow reports whether an absolute URL may be enqueued.
func (p *LinkPolicy) Allow(u *url.URL) bool {
	if u == nil {
		return false
	}
	raw := u.String()
	for _, pattern := range p.deny {
		if pattern != "" && strings.Contains(raw, pattern) {
			return false
		}
	}
	if p.allow != nil && !p.allow.Matches(u.Hostname()) {
		return false
	}
	return true
}

// Children resolves hrefs against base and returns the admitted child jobs
// of parent. It returns nil when parent is already at the depth ceiling.
// Job IDs are left empty for the caller to assign.
func (p *LinkPolicy) Children(parent CrawlJob, base *url.URL, hrefs []string) []CrawlJob {
	if !p.CanExpand(parent.Depth) {
		return nil
	}
	childDepth := parent.Depth + 1
	seen := make(map[string]struct{}, len(hrefs))
	children := make([]CrawlJob, 0, len(hrefs))
	for _, href := range hrefs {
		abs, ok := ResolveLink(base, href)
		if !ok || !p.Allow(abs) {
			continue
		}
		canonical := Canonical(abs)
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		children = append(children, CrawlJob{
			URL:       canonical,
			Depth:     childDepth,
			Priority:  p.priorityFor(childDepth),
			ParentURL: parent.URL,
		})
	}
	return children
}

// SeedJob builds a depth-0 job for rawURL.
func (p *LinkPolicy) SeedJob(rawURL string) CrawlJob {
	return CrawlJob{URL: strings.TrimSpace(rawURL), Depth: 0, Priority: p.priorityFor(0)}
}

func (p *LinkPolicy) priorityFor(depth int) int {
	if p.mode == PriorityDepth {
		return depth
	}
	return 0
}
