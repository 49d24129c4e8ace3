package shadow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/oxerr"
)

// Mismatch is one diverging path between a local and a shadowed upstream
// reply, per spec.md §4.H point 4. Local/Remote are already truncated and,
// for sensitive field names, redacted — safe to log as-is.
type Mismatch struct {
	Path   string
	Local  string
	Remote string
}

const maxDiffValueLen = 120

// Diff compares local and remote document-for-document, returning every
// path where they disagree. ignoreTop names top-level fields to skip
// outright (the reference server's own per-reply volatility:
// $clusterTime, operationTime, ...); ignoreWildcards names dotted paths
// ending in ".*" whose entire subtree is skipped (e.g. "cursor.firstBatch.*"
// for result documents whose row order/content is expected to differ).
func Diff(local, remote *bsonkit.Document, ignoreTop, ignoreWildcards []string) []Mismatch {
	skip := make(map[string]bool, len(ignoreTop))
	for _, k := range ignoreTop {
		skip[k] = true
	}
	var out []Mismatch
	diffDocs("", local, remote, skip, ignoreWildcards, &out)
	return out
}

func diffDocs(prefix string, a, b *bsonkit.Document, skipTop map[string]bool, wildcards []string, out *[]Mismatch) {
	seen := map[string]bool{}
	var order []string
	if a != nil {
		for _, p := range a.Pairs {
			if !seen[p.Key] {
				seen[p.Key] = true
				order = append(order, p.Key)
			}
		}
	}
	if b != nil {
		for _, p := range b.Pairs {
			if !seen[p.Key] {
				seen[p.Key] = true
				order = append(order, p.Key)
			}
		}
	}
	for _, key := range order {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if prefix == "" && skipTop[key] {
			continue
		}
		if matchesWildcard(path, wildcards) {
			continue
		}
		var av, bv *bsonkit.Value
		if a != nil {
			av = a.Get(key)
		}
		if b != nil {
			bv = b.Get(key)
		}
		diffValues(path, av, bv, wildcards, out)
	}
}

func diffValues(path string, av, bv *bsonkit.Value, wildcards []string, out *[]Mismatch) {
	if av == nil && bv == nil {
		return
	}
	if av == nil || bv == nil {
		record(path, av, bv, out)
		return
	}
	if av.Kind == bsonkit.KindDocument && bv.Kind == bsonkit.KindDocument {
		diffDocs(path, av.Doc, bv.Doc, map[string]bool{}, wildcards, out)
		return
	}
	if av.Kind == bsonkit.KindArray && bv.Kind == bsonkit.KindArray {
		n := len(av.Arr)
		if len(bv.Arr) > n {
			n = len(bv.Arr)
		}
		for i := 0; i < n; i++ {
			elemPath := path + "." + strconv.Itoa(i)
			if matchesWildcard(elemPath, wildcards) {
				continue
			}
			var ev, fv *bsonkit.Value
			if i < len(av.Arr) {
				ev = &av.Arr[i]
			}
			if i < len(bv.Arr) {
				fv = &bv.Arr[i]
			}
			diffValues(elemPath, ev, fv, wildcards, out)
		}
		return
	}
	if !av.Equal(*bv) {
		record(path, av, bv, out)
	}
}

func record(path string, av, bv *bsonkit.Value, out *[]Mismatch) {
	local, remote := describe(av), describe(bv)
	if oxerr.IsSensitiveField(lastSegment(path)) {
		local, remote = "[REDACTED]", "[REDACTED]"
	}
	*out = append(*out, Mismatch{Path: path, Local: truncate(local), Remote: truncate(remote)})
}

func lastSegment(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// matchesWildcard reports whether path falls under one of the "prefix.*"
// ignore patterns, or equals a plain (non-wildcard) pattern exactly.
func matchesWildcard(path string, patterns []string) bool {
	for _, p := range patterns {
		if strings.HasSuffix(p, ".*") {
			if strings.HasPrefix(path, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if p == path {
			return true
		}
	}
	return false
}

func describe(v *bsonkit.Value) string {
	if v == nil {
		return "<missing>"
	}
	switch v.Kind {
	case bsonkit.KindNull:
		return "null"
	case bsonkit.KindBool:
		return strconv.FormatBool(v.Bool)
	case bsonkit.KindInt32:
		return strconv.FormatInt(int64(v.Int32), 10)
	case bsonkit.KindInt64:
		return strconv.FormatInt(v.Int64, 10)
	case bsonkit.KindDouble:
		return strconv.FormatFloat(v.Double, 'g', -1, 64)
	case bsonkit.KindString:
		return v.Str
	case bsonkit.KindObjectID:
		return fmt.Sprintf("%x", v.OID)
	case bsonkit.KindDateTime:
		return strconv.FormatInt(v.DateMs, 10)
	case bsonkit.KindDocument:
		return fmt.Sprintf("<document %d fields>", len(v.Doc.Pairs))
	case bsonkit.KindArray:
		return fmt.Sprintf("<array len=%d>", len(v.Arr))
	default:
		return v.Kind.String()
	}
}

func truncate(s string) string {
	if len(s) <= maxDiffValueLen {
		return s
	}
	return s[:maxDiffValueLen] + "…"
}
