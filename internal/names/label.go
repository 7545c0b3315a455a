// Package names normalizes user-supplied names into RFC-1123 DNS labels
// suitable for cloud resource names and tailnet hostnames.
package names

import "strings"

// fallbackLabel is used when normalization leaves nothing behind.
const fallbackLabel = "host"

const maxLabelLen = 63

// Label reduces s to an RFC-1123 label: lowercase, [a-z0-9-] only, no
// leading/trailing or repeated hyphens, at most 63 bytes. An empty result
// becomes "host". Label is idempotent.
func Label(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastHyphen := false
	for _, r := range strings.ToLower(s) {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if ok {
			b.WriteRune(r)
			lastHyphen = false
			continue
		}
		if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > maxLabelLen {
		out = strings.TrimRight(out[:maxLabelLen], "-")
	}
	if out == "" {
		return fallbackLabel
	}
	return out
}
