// Package policy implements the dataset-glob matching and per-user
// rule-list loading that gate every broker action.
package policy

import (
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// segCache keeps every compiled single-segment glob for the life of the
// process, so the same handful of policy patterns is not recompiled on
// every request. It has no size bound.
var segCache sync.Map // map[string]glob.Glob

func compileSegment(pat string) glob.Glob {
	if v, ok := segCache.Load(pat); ok {
		return v.(glob.Glob)
	}
	g, err := glob.Compile(pat)
	if err != nil {
		// An unparsable segment glob matches nothing rather than panicking -
		// a malformed policy line should deny, never crash the broker.
		g = glob.MustCompile("\x00unmatchable\x00")
	}
	segCache.Store(pat, g)
	return g
}

// MatchDataset reports whether target (a slash-separated dataset name)
// matches pattern under the two-segment glob language: "**" matches zero
// or more whole segments, any other pattern segment matches exactly one
// target segment via single-segment shell-style globbing.
func MatchDataset(pattern, target string) bool {
	return matchParts(splitSegments(pattern), splitSegments(target))
}

func splitSegments(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "/")
}

func matchParts(pat, tgt []string) bool {
	if len(pat) == 0 {
		return len(tgt) == 0
	}
	head, rest := pat[0], pat[1:]
	if head == "**" {
		if matchParts(rest, tgt) {
			return true
		}
		return len(tgt) > 0 && matchParts(pat, tgt[1:])
	}
	if len(tgt) == 0 {
		return false
	}
	if !compileSegment(head).Match(tgt[0]) {
		return false
	}
	return matchParts(rest, tgt[1:])
}

// MatchShell reports whether value matches a single-segment shell-style
// glob pattern (used for units.list and setprop value/mountpoint rules,
// where "/" has no special meaning).
func MatchShell(pattern, value string) bool {
	return compileSegment(pattern).Match(value)
}
