package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
)

func extractTarFile(ctx context.Context, path string, f format, dest string) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = fh.Close() }()
	return extractTarStream(ctx, fh, f, dest)
}

func extractTarStream(ctx context.Context, r io.Reader, f format, dest string) error {
	switch f {
	case formatTarXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return fmt.Errorf("open xz stream: %w", err)
		}
		return untar(ctx, xr, dest)
	case formatTarGz:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return fmt.Errorf("open gzip stream: %w", err)
		}
		defer func() { _ = gr.Close() }()
		return untar(ctx, gr, dest)
	case formatTar:
		return untar(ctx, r, dest)
	}
	return fmt.Errorf("%w: unsupported stream format %s", ErrExtractionFailed, f)
}

func untar(ctx context.Context, r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fileMode(hdr.Mode)|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, fileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("write %s: %w", hdr.Name, err)
			}
		case tar.TypeSymlink:
			if err := checkLink(dest, target, hdr.Linkname); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("symlink %s: %w", hdr.Name, err)
			}
		case tar.TypeLink:
			src, err := safeJoin(dest, hdr.Linkname)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Link(src, target); err != nil {
				return fmt.Errorf("hardlink %s: %w", hdr.Name, err)
			}
		default:
			// device nodes, fifos and pax records carry nothing we need
		}
	}
}
