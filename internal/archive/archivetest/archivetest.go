// Package archivetest builds small server distributions in memory for tests.
package archivetest

import (
	"archive/tar"
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/ulikunitz/xz"
)

// File is one archive entry. Dir entries end with "/" in Name; Link makes a
// symlink pointing at Link.
type File struct {
	Name string
	Body string
	Mode fs.FileMode
	Link string
}

func (f File) mode() fs.FileMode {
	if f.Mode != 0 {
		return f.Mode
	}
	if f.isDir() {
		return 0o755
	}
	return 0o644
}

func (f File) isDir() bool { return len(f.Name) > 0 && f.Name[len(f.Name)-1] == '/' }

// Tar returns an uncompressed tarball.
func Tar(t testing.TB, files []File) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		hdr := &tar.Header{Name: f.Name, Mode: int64(f.mode())}
		switch {
		case f.Link != "":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = f.Link
		case f.isDir():
			hdr.Typeflag = tar.TypeDir
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(f.Body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header %s: %v", f.Name, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(f.Body)); err != nil {
				t.Fatalf("tar body %s: %v", f.Name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	return buf.Bytes()
}

// TarXz returns an xz compressed tarball, the format of the upstream bundles.
func TarXz(t testing.TB, files []File) []byte {
	t.Helper()
	var buf bytes.Buffer
	xw, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatalf("xz writer: %v", err)
	}
	if _, err := xw.Write(Tar(t, files)); err != nil {
		t.Fatalf("xz write: %v", err)
	}
	if err := xw.Close(); err != nil {
		t.Fatalf("xz close: %v", err)
	}
	return buf.Bytes()
}

// TarGz returns a gzip compressed tarball.
func TarGz(t testing.TB, files []File) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(Tar(t, files)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

// Zip returns a plain zip holding files.
func Zip(t testing.TB, files []File) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		hdr := &zip.FileHeader{Name: f.Name, Method: zip.Deflate}
		body := f.Body
		switch {
		case f.Link != "":
			hdr.SetMode(fs.ModeSymlink | 0o777)
			body = f.Link
		case f.isDir():
			hdr.SetMode(fs.ModeDir | f.mode())
		default:
			hdr.SetMode(f.mode())
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatalf("zip header %s: %v", f.Name, err)
		}
		if !f.isDir() {
			if _, err := w.Write([]byte(body)); err != nil {
				t.Fatalf("zip body %s: %v", f.Name, err)
			}
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

// Jar wraps an xz tarball of files the way the maven artifacts do.
func Jar(t testing.TB, files []File) []byte {
	t.Helper()
	return Zip(t, []File{
		{Name: "META-INF/"},
		{Name: "META-INF/MANIFEST.MF", Body: "Manifest-Version: 1.0\n"},
		{Name: "postgres-linux-x86_64.txz", Body: string(TarXz(t, files))},
	})
}

// Write stores data at path, creating parent directories.
func Write(t testing.TB, path string, data []byte) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
