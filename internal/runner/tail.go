package runner

import (
	"os"
	"strings"
)

const (
	tailMaxLines = 40
	tailMaxBytes = 4000
)

// tailFile returns the trailing portion of a log file: at most tailMaxBytes
// bytes and tailMaxLines lines, trimmed of surrounding whitespace. Missing
// files yield "".
func tailFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if len(data) > tailMaxBytes {
		data = data[len(data)-tailMaxBytes:]
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) > tailMaxLines {
		lines = lines[len(lines)-tailMaxLines:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// tailString keeps at most n trailing bytes of s.
func tailString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
