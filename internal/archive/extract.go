package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/k2pweb/internal/models"
)

const copyChunkSize = 1 << 20 // 1 MiB

// SafeExtract validates the archive at zipPath and extracts it into destDir,
// guaranteeing no entry escapes destDir. Housekeeping entries and names
// matching ignorePrefixes are skipped. Returns the extracted file names
// relative to the archive root.
//
// On error the extraction may have written a partial tree; the caller owns
// destDir and purges it.
func SafeExtract(zipPath, destDir string, limits Limits, ignorePrefixes []string) ([]string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create extraction dir: %w", err)
	}
	destRoot, err := filepath.Abs(destDir)
	if err != nil {
		return nil, fmt.Errorf("resolve extraction dir: %w", err)
	}

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, models.NewJobError(models.ErrCodeInvalidZip, "file is not a valid ZIP archive")
	}
	defer zr.Close()

	if _, err := Validate(&zr.Reader, limits); err != nil {
		return nil, err
	}

	var extracted []string
	for _, f := range zr.File {
		name := NormalizeName(f.Name)
		if hasAnyPrefix(name, ignorePrefixes) || IsHousekeeping(name) {
			continue
		}

		target := filepath.Join(destRoot, filepath.FromSlash(name))
		if !isDescendant(destRoot, target) {
			return nil, models.NewJobError(models.ErrCodeZipPathTraversal, "zip entry escapes target directory")
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fmt.Errorf("create dir %s: %w", name, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("create parent dir for %s: %w", name, err)
		}
		if err := copyEntry(f, target); err != nil {
			return nil, err
		}
		extracted = append(extracted, name)
	}

	return extracted, nil
}

func copyEntry(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %s: %w", f.Name, err)
	}
	defer src.Close()

	dst, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	defer dst.Close()

	buf := make([]byte, copyChunkSize)
	if _, err := io.CopyBuffer(dst, src, buf); err != nil {
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return nil
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// isDescendant reports whether target equals root or lies strictly under it.
// Both paths must be absolute and cleaned.
func isDescendant(root, target string) bool {
	target = filepath.Clean(target)
	if target == root {
		return true
	}
	return strings.HasPrefix(target, root+string(filepath.Separator))
}
