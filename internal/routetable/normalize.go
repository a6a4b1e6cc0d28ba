package routetable

import "strings"

// Normalize reduces a Host header value to the form used as a table key:
// lowercased, with any user-info prefix and port suffix stripped, and
// bracketed IPv6 literals unwrapped. Matching is exact after normalization.
func Normalize(host string) string {
	h := strings.TrimSpace(host)
	if i := strings.LastIndexByte(h, '@'); i >= 0 {
		h = h[i+1:]
	}
	if strings.HasPrefix(h, "[") {
		// [v6] or [v6]:port
		if i := strings.IndexByte(h, ']'); i >= 0 {
			h = h[1:i]
		}
	} else if i := strings.LastIndexByte(h, ':'); i >= 0 && !strings.Contains(h[:i], ":") {
		// a single colon separates host from port; more than one means a
		// bare IPv6 literal, which is left intact
		h = h[:i]
	}
	return strings.ToLower(h)
}
