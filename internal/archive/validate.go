// Package archive inspects and extracts untrusted ZIP bundles.
//
// Validation works off central-directory metadata only; nothing is
// decompressed until every entry has passed the enumerated limits.
package archive

import (
	"archive/zip"
	"strings"

	"github.com/ternarybob/k2pweb/internal/models"
)

// Limits bounds what an uploaded archive may contain. A negative value means
// unbounded for that dimension.
type Limits struct {
	MaxFiles         int
	MaxPathDepth     int
	MaxUnpackedBytes int64
	MaxFileBytes     int64
}

const (
	unixModeMask    = 0o170000
	unixModeSymlink = 0o120000
)

// NormalizeName converts backslashes to forward slashes and strips leading
// "./" segments.
func NormalizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	for strings.HasPrefix(name, "./") {
		name = name[2:]
	}
	return name
}

// IsHousekeeping reports whether a normalized entry name is macOS archive
// noise that extraction and metadata passes skip.
func IsHousekeeping(name string) bool {
	if strings.HasPrefix(name, "__MACOSX/") || strings.Contains(name, "/__MACOSX/") {
		return true
	}
	base := name
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	return strings.HasPrefix(base, "._")
}

func isSuspiciousName(name string) bool {
	if name == "" {
		return true
	}
	for _, r := range name {
		if r < 0x20 {
			return true
		}
	}
	return false
}

func isUnsafePath(name string) bool {
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return true
	}
	parts := pathParts(name)
	if len(parts) == 0 {
		return true
	}
	if strings.HasSuffix(parts[0], ":") {
		return true
	}
	for _, p := range parts {
		if p == ".." || p == "" {
			return true
		}
	}
	return false
}

// pathParts splits a normalized name into segments. A trailing slash marks a
// directory entry and does not add an empty segment.
func pathParts(name string) []string {
	name = strings.TrimSuffix(name, "/")
	if name == "" {
		return nil
	}
	return strings.Split(name, "/")
}

func isEncrypted(f *zip.File) bool {
	return f.Flags&0x1 != 0
}

func isSymlink(f *zip.File) bool {
	return (f.ExternalAttrs>>16)&unixModeMask == unixModeSymlink
}

// Validate checks every central-directory entry against limits and returns
// the normalized entry names in archive order. The first violation aborts
// with its tagged error; housekeeping entries still count toward limits.
func Validate(r *zip.Reader, limits Limits) ([]string, error) {
	if limits.MaxFiles >= 0 && len(r.File) > limits.MaxFiles {
		return nil, models.NewJobError(models.ErrCodeZipTooManyFiles, "too many files in zip")
	}

	var total int64
	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		name := NormalizeName(f.Name)
		if isSuspiciousName(name) || isUnsafePath(name) {
			return nil, models.NewJobError(models.ErrCodeZipPathUnsafe, "unsafe path in zip: "+f.Name)
		}
		if isEncrypted(f) {
			return nil, models.NewJobError(models.ErrCodeZipEncrypted, "encrypted zip entries are not allowed")
		}
		if isSymlink(f) {
			return nil, models.NewJobError(models.ErrCodeZipSymlink, "symlinks are not allowed in zip")
		}
		if limits.MaxPathDepth >= 0 && len(pathParts(name)) > limits.MaxPathDepth {
			return nil, models.NewJobError(models.ErrCodeZipPathTooDeep, "zip entry path is too deep")
		}
		size := int64(f.UncompressedSize64)
		if limits.MaxFileBytes >= 0 && size > limits.MaxFileBytes {
			return nil, models.NewJobError(models.ErrCodeZipEntryTooLarge, "zip entry is too large")
		}
		total += size
		if limits.MaxUnpackedBytes >= 0 && total > limits.MaxUnpackedBytes {
			return nil, models.NewJobError(models.ErrCodeZipBomb, "zip exceeds maximum total uncompressed size")
		}
		names = append(names, name)
	}

	return names, nil
}
