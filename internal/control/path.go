package control

import (
	"fmt"
	"strings"
)

// escapeJobPath percent-escapes a job key for use as a path-like
// identifier in log lines and future REST-style control endpoints:
// [A-Za-z0-9] pass through unchanged, everything else (notably "/" in
// an instance job's "name/instanceKey") becomes "_XX" lowercase hex.
func escapeJobPath(key string) string {
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}
	return b.String()
}
