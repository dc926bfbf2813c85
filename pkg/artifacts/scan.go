package artifacts

import (
	"regexp"
	"sort"
)

// invokePattern matches static invoke call sites in artifact code:
// invoke("some_id", ...). Both quote styles are recognized.
//
// This is a lexical scan, not a parse: occurrences inside comments and
// string literals are matched too. That limitation is accepted and
// documented — metadata.invokes is an advisory index for dependency
// queries, never an enforcement input.
var invokePattern = regexp.MustCompile(`invoke\(\s*["']([^"']+)["']`)

// ScanInvokeTargets extracts the artifact ids statically invoked by code,
// deduplicated and sorted.
func ScanInvokeTargets(code string) []string {
	if code == "" {
		return nil
	}
	matches := invokePattern.FindAllStringSubmatch(code, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		seen[m[1]] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// applyInvokeScan refreshes metadata.invokes from the artifact's code.
// Called under the store lock on every code change.
func applyInvokeScan(art *Artifact) {
	targets := ScanInvokeTargets(art.Code)
	if len(targets) == 0 {
		if art.Metadata != nil {
			delete(art.Metadata, MetaInvokes)
		}
		return
	}
	if art.Metadata == nil {
		art.Metadata = make(map[string]interface{}, 1)
	}
	list := make([]interface{}, len(targets))
	for i, t := range targets {
		list[i] = t
	}
	art.Metadata[MetaInvokes] = list
}
