package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// extractZip handles both layouts seen in the wild: a jar wrapping a single
// compressed tarball, and a plain zip of the installation tree.
func extractZip(ctx context.Context, path, dest string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer func() { _ = zr.Close() }()

	if inner := innerTarball(zr.File); inner != nil {
		f, _ := detectName(inner.Name)
		rc, err := inner.Open()
		if err != nil {
			return fmt.Errorf("open %s: %w", inner.Name, err)
		}
		defer func() { _ = rc.Close() }()
		return extractTarStream(ctx, rc, f, dest)
	}

	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := safeJoin(dest, zf.Name)
		if err != nil {
			return err
		}
		mode := zf.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, mode.Perm()|0o700); err != nil {
				return err
			}
		case mode&os.ModeSymlink != 0:
			linkTarget, err := readAll(zf)
			if err != nil {
				return err
			}
			if err := checkLink(dest, target, linkTarget); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(linkTarget, target); err != nil {
				return fmt.Errorf("symlink %s: %w", zf.Name, err)
			}
		default:
			if err := writeZipEntry(zf, target); err != nil {
				return err
			}
		}
	}
	return nil
}

// innerTarball returns the only compressed tarball in a jar, ignoring the
// META-INF bookkeeping.
func innerTarball(files []*zip.File) *zip.File {
	var found *zip.File
	for _, zf := range files {
		if strings.HasPrefix(zf.Name, "META-INF/") || strings.HasSuffix(zf.Name, "/") {
			continue
		}
		if f, ok := detectName(zf.Name); !ok || f == formatZip {
			return nil
		}
		if found != nil {
			return nil
		}
		found = zf
	}
	return found
}

func detectName(name string) (format, bool) {
	name = strings.ToLower(name)
	switch {
	case strings.HasSuffix(name, ".txz"), strings.HasSuffix(name, ".tar.xz"):
		return formatTarXz, true
	case strings.HasSuffix(name, ".tgz"), strings.HasSuffix(name, ".tar.gz"):
		return formatTarGz, true
	}
	return formatUnknown, false
}

func writeZipEntry(zf *zip.File, target string) error {
	rc, err := zf.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", zf.Name, err)
	}
	defer func() { _ = rc.Close() }()
	perm := zf.Mode().Perm()
	if perm == 0 {
		perm = 0o644
	}
	if err := writeFile(target, rc, perm); err != nil {
		return fmt.Errorf("write %s: %w", zf.Name, err)
	}
	return nil
}

func readAll(zf *zip.File) (string, error) {
	rc, err := zf.Open()
	if err != nil {
		return "", err
	}
	defer func() { _ = rc.Close() }()
	b, err := io.ReadAll(io.LimitReader(rc, 4096))
	return string(b), err
}
