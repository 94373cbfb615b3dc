package models

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// errUnsafePath is returned when an archive entry would escape the target.
var errUnsafePath = errors.New("models: archive entry escapes destination")

// archiveKind reports how name should be unpacked, or "" if it is not a
// recognised archive.
func archiveKind(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return "zip"
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return "tar.gz"
	}
	return ""
}

// extractArchive unpacks src (named like name) into dst, which must not exist.
// When the archive holds a single top-level directory its contents become dst.
func extractArchive(ctx context.Context, src, name, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	var err error
	switch archiveKind(name) {
	case "zip":
		err = extractZip(ctx, src, dst)
	case "tar.gz":
		err = extractTarGz(ctx, src, dst)
	default:
		err = fmt.Errorf("models: unsupported archive %q", name)
	}
	if err != nil {
		return err
	}
	return flattenSingleDir(dst)
}

// safeJoin joins an archive entry name onto dst, rejecting path traversal.
func safeJoin(dst, name string) (string, error) {
	p := filepath.Join(dst, name)
	if p != filepath.Clean(dst) && !strings.HasPrefix(p, filepath.Clean(dst)+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", errUnsafePath, name)
	}
	return p, nil
}

func extractZip(ctx context.Context, src, dst string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := safeJoin(dst, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(p, 0o755); err != nil {
				return err
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = writeFile(p, rc, f.Mode())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func extractTarGz(ctx context.Context, src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		p, err := safeJoin(dst, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(p, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(p, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		default:
			// Links and devices have no place in a model archive.
		}
	}
}

func writeFile(p string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// flattenSingleDir hoists the contents of dst/<only> into dst when the
// archive wrapped everything in one directory.
func flattenSingleDir(dst string) error {
	entries, err := os.ReadDir(dst)
	if err != nil {
		return err
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return nil
	}
	// Move aside first so a child sharing the wrapper's name cannot collide.
	inner := filepath.Join(dst, ".flatten-"+uuid.NewString())
	if err := os.Rename(filepath.Join(dst, entries[0].Name()), inner); err != nil {
		return err
	}
	children, err := os.ReadDir(inner)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := os.Rename(filepath.Join(inner, c.Name()), filepath.Join(dst, c.Name())); err != nil {
			return err
		}
	}
	return os.Remove(inner)
}
