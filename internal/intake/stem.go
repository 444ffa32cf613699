package intake

import (
	"regexp"
	"strings"
)

var unsafeStemChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

const (
	maxStemLen  = 80
	defaultStem = "workflow"
)

// SafeStem derives a filesystem-safe short identifier from a user-provided
// filename. The result always matches [A-Za-z0-9._-]{1,80} and the function
// is idempotent on its own output.
func SafeStem(filename string) string {
	stem := filename
	if idx := strings.LastIndexAny(stem, "/\\"); idx >= 0 {
		stem = stem[idx+1:]
	}
	if idx := strings.LastIndex(stem, "."); idx > 0 {
		stem = stem[:idx]
	}
	if stem == "" {
		stem = defaultStem
	}
	stem = unsafeStemChars.ReplaceAllString(stem, "_")
	stem = strings.Trim(stem, "._-")
	if len(stem) > maxStemLen {
		stem = stem[:maxStemLen]
		stem = strings.Trim(stem, "._-")
	}
	if stem == "" {
		return defaultStem
	}
	return stem
}
