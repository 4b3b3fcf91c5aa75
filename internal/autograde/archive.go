package autograde

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	errUnsafeArchivePath = errors.New("archive entry escapes destination")
	errArchiveTooLarge   = errors.New("archive exceeds extraction limit")
)

// extractZip unpacks src into dest. Entries that would land outside dest,
// symlinks, and archives larger than maxBytes once inflated are rejected.
func extractZip(src, dest string, maxBytes int64) error {
	archive, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer archive.Close()

	var total int64
	for _, file := range archive.File {
		target, err := safeJoin(dest, file.Name)
		if err != nil {
			return err
		}

		info := file.FileInfo()
		if info.IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: symlink %s", errUnsafeArchivePath, file.Name)
		}

		n, err := extractFile(file, target, maxBytes-total)
		total += n
		if err != nil {
			return err
		}
	}
	return nil
}

func extractFile(file *zip.File, target string, remaining int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}

	reader, err := file.Open()
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	mode := file.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	writer, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return 0, err
	}
	defer writer.Close()

	n, err := io.Copy(writer, io.LimitReader(reader, remaining+1))
	if err != nil {
		return n, err
	}
	if n > remaining {
		return n, errArchiveTooLarge
	}
	return n, nil
}

func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(name))
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", errUnsafeArchivePath, name)
	}
	return target, nil
}

// locateEntry finds the entry script at the root of dir, or inside a single
// top-level folder when the archive was zipped with one.
func locateEntry(dir, entry string) (string, error) {
	candidate := filepath.Join(dir, entry)
	if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
		return candidate, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		nested := filepath.Join(dir, entries[0].Name(), entry)
		if info, err := os.Stat(nested); err == nil && info.Mode().IsRegular() {
			return nested, nil
		}
	}
	return "", fmt.Errorf("grader archive has no %s at its root", entry)
}
