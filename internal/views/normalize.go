package views

import (
	"net/url"
	"strings"
)

// NormalizeURL reduces raw to scheme, host, path and query. The fragment and
// any trailing slash on the path are dropped and scheme and host are
// lowercased. Unparseable input is returned trimmed.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return strings.TrimSuffix(strings.SplitN(raw, "#", 2)[0], "/")
	}

	if u.Opaque != "" {
		out := strings.ToLower(u.Scheme) + ":" + u.Opaque
		if u.RawQuery != "" {
			out += "?" + u.RawQuery
		}
		return out
	}

	path := strings.TrimRight(u.EscapedPath(), "/")
	var b strings.Builder
	b.WriteString(strings.ToLower(u.Scheme))
	b.WriteString("://")
	b.WriteString(strings.ToLower(u.Host))
	b.WriteString(path)
	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	return b.String()
}

// ResolveURL resolves ref against base. An empty or unparseable base leaves
// ref unchanged.
func ResolveURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	target, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if target.IsAbs() || base == "" {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() {
		return ref
	}
	return b.ResolveReference(target).String()
}
