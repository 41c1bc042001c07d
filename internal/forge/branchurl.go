package forge

import (
	"net/url"
	"strings"
)

// Branch URLs carry the branch name as a trailing segment parameter:
//
//	https://example.com/repo,branch=debian%2Fsid
//
// The parameter applies to the final path segment only. An absent
// parameter means the repository default branch.

// WithBranch returns base (trailing slash stripped) with the branch
// segment parameter set. An empty name returns base unchanged.
func WithBranch(base, name string) string {
	base = strings.TrimRight(base, "/")
	if name == "" {
		return base
	}
	stripped, params := SplitBranchParams(base)
	params["branch"] = url.QueryEscape(name)
	var sb strings.Builder
	sb.WriteString(stripped)
	// Deterministic: branch first, remaining params in insertion order
	// is irrelevant here since only "branch" is ever set by this code.
	sb.WriteString(",branch=")
	sb.WriteString(params["branch"])
	for k, v := range params {
		if k == "branch" {
			continue
		}
		sb.WriteString(",")
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(v)
	}
	return sb.String()
}

// SplitBranchParams splits the segment parameters off a branch URL,
// returning the bare URL and the parameter map (values still escaped).
func SplitBranchParams(u string) (string, map[string]string) {
	u = strings.TrimRight(u, "/")
	params := map[string]string{}
	slash := strings.LastIndex(u, "/")
	segment := u[slash+1:]
	parts := strings.Split(segment, ",")
	if len(parts) == 1 {
		return u, params
	}
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		params[k] = v
	}
	return u[:slash+1] + parts[0], params
}

// BranchName extracts the branch segment parameter from a URL, decoded.
// Returns "" when the URL has none.
func BranchName(u string) string {
	_, params := SplitBranchParams(u)
	escaped, ok := params["branch"]
	if !ok {
		return ""
	}
	name, err := url.QueryUnescape(escaped)
	if err != nil {
		return ""
	}
	return name
}
