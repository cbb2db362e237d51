package service

import (
	"path"
	"slices"
	"sort"
	"strings"

	"github.com/pesio-ai/be-plt-workflow/internal/repository"
)

// MatchKind reports how a rule was selected for a request.
type MatchKind string

const (
	MatchNone     MatchKind = "none"
	MatchExact    MatchKind = "exact"
	MatchTemplate MatchKind = "template"
	MatchPrefix   MatchKind = "prefix"
)

// rank orders match kinds from most to least specific.
func (k MatchKind) rank() int {
	switch k {
	case MatchExact:
		return 3
	case MatchTemplate:
		return 2
	case MatchPrefix:
		return 1
	}
	return 0
}

type compiledRule struct {
	rule     *repository.AbacRule
	segments []string
	literals int
}

// ruleIndex is an immutable snapshot of the enabled, configured rules.
type ruleIndex struct {
	version  uint64
	count    int
	byAction map[repository.Action][]compiledRule
}

func buildRuleIndex(version uint64, rules []*repository.AbacRule) *ruleIndex {
	idx := &ruleIndex{version: version, byAction: make(map[repository.Action][]compiledRule)}
	for _, r := range rules {
		if !r.Enabled || !r.Configured() {
			continue
		}
		segs := splitPath(r.Endpoint)
		literals := 0
		for _, s := range segs {
			if !isParam(s) {
				literals++
			}
		}
		idx.byAction[r.Action] = append(idx.byAction[r.Action], compiledRule{
			rule:     r,
			segments: segs,
			literals: literals,
		})
		idx.count++
	}
	for _, list := range idx.byAction {
		sort.SliceStable(list, func(i, j int) bool { return list[i].rule.Endpoint < list[j].rule.Endpoint })
	}
	return idx
}

// match finds the most specific rule for endpoint and action: an exact match
// beats a template match, which beats the longest prefix match ending on a
// segment boundary.
func (idx *ruleIndex) match(endpoint string, action repository.Action) (*repository.AbacRule, MatchKind) {
	req := splitPath(endpoint)

	var (
		best     *compiledRule
		bestKind = MatchNone
	)
	candidates := idx.byAction[action]
	for i := range candidates {
		c := &candidates[i]
		kind := matchSegments(c.segments, req)
		if kind == MatchNone {
			continue
		}
		if best == nil || better(c, kind, best, bestKind) {
			best, bestKind = c, kind
		}
	}
	if best == nil {
		return nil, MatchNone
	}
	return best.rule, bestKind
}

func better(c *compiledRule, kind MatchKind, best *compiledRule, bestKind MatchKind) bool {
	if kind.rank() != bestKind.rank() {
		return kind.rank() > bestKind.rank()
	}
	if len(c.segments) != len(best.segments) {
		return len(c.segments) > len(best.segments)
	}
	return c.literals > best.literals
}

func matchSegments(rule, req []string) MatchKind {
	if len(rule) > len(req) {
		return MatchNone
	}
	templated := false
	for i, seg := range rule {
		if isParam(seg) {
			templated = true
			continue
		}
		if seg != req[i] {
			return MatchNone
		}
	}
	switch {
	case len(rule) < len(req):
		return MatchPrefix
	case templated:
		return MatchTemplate
	default:
		return MatchExact
	}
}

// NormalizeEndpoint cleans a request path or rule template: leading slash,
// no trailing slash, no query string.
func NormalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if i := strings.IndexAny(endpoint, "?#"); i >= 0 {
		endpoint = endpoint[:i]
	}
	if endpoint == "" {
		return "/"
	}
	return path.Clean("/" + endpoint)
}

func splitPath(endpoint string) []string {
	p := strings.Trim(NormalizeEndpoint(endpoint), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// isParam reports whether seg is a path parameter, {id} or :id.
func isParam(seg string) bool {
	if len(seg) > 1 && seg[0] == ':' {
		return true
	}
	return len(seg) > 2 && seg[0] == '{' && seg[len(seg)-1] == '}'
}

func intersects(a, b []string) bool {
	for _, v := range a {
		if slices.Contains(b, v) {
			return true
		}
	}
	return false
}

// normalizeSet trims, drops empties and duplicates, and sorts.
func normalizeSet(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
