// Package archive unpacks server distributions into an installation
// directory. Extraction is staged next to the target and published with a
// rename, so a target either holds a complete tree with its marker or does
// not exist.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/pgembed/internal/metrics"
)

// ErrExtractionFailed wraps every extraction error.
var ErrExtractionFailed = errors.New("extraction failed")

// MarkerName is written last into a complete installation.
const MarkerName = ".pgembed-extracted"

// Installation is an extracted server distribution. It is shared read-only
// by every data directory that uses the same version.
type Installation struct {
	Root   string
	BinDir string
}

// Binary returns the path of a server executable such as "postgres".
func (i Installation) Binary(name string) string {
	return filepath.Join(i.BinDir, exeName(name))
}

type marker struct {
	Archive     string    `json:"archive"`
	ExtractedAt time.Time `json:"extracted_at"`
}

type format int

const (
	formatUnknown format = iota
	formatTarXz
	formatTarGz
	formatTar
	formatZip
)

func (f format) String() string {
	switch f {
	case formatTarXz:
		return "tar.xz"
	case formatTarGz:
		return "tar.gz"
	case formatTar:
		return "tar"
	case formatZip:
		return "zip"
	}
	return "unknown"
}

// Open returns the installation at dir if it is complete.
func Open(dir string) (Installation, bool) {
	if _, err := os.Stat(filepath.Join(dir, MarkerName)); err != nil {
		return Installation{}, false
	}
	return Installation{Root: dir, BinDir: filepath.Join(dir, "bin")}, true
}

// Extract unpacks archivePath into targetDir. A target that already carries
// the marker is returned untouched; a target without it is a leftover from
// an interrupted run and is replaced.
func Extract(ctx context.Context, archivePath, targetDir string) (Installation, error) {
	if inst, ok := Open(targetDir); ok {
		metrics.ObserveExtraction("skipped", 0)
		return inst, nil
	}
	start := time.Now()
	inst, err := extract(ctx, archivePath, targetDir)
	if err != nil {
		metrics.ObserveExtraction("failed", 0)
		if errors.Is(err, ErrExtractionFailed) {
			return Installation{}, err
		}
		return Installation{}, fmt.Errorf("%w: %s: %w", ErrExtractionFailed, archivePath, err)
	}
	metrics.ObserveExtraction("ok", time.Since(start))
	return inst, nil
}

func extract(ctx context.Context, archivePath, targetDir string) (Installation, error) {
	f, err := detect(archivePath)
	if err != nil {
		return Installation{}, err
	}
	parent := filepath.Dir(targetDir)
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return Installation{}, err
	}
	staging, err := os.MkdirTemp(parent, filepath.Base(targetDir)+".staging-*")
	if err != nil {
		return Installation{}, err
	}
	published := false
	defer func() {
		if !published {
			_ = os.RemoveAll(staging)
		}
	}()

	switch f {
	case formatZip:
		err = extractZip(ctx, archivePath, staging)
	default:
		err = extractTarFile(ctx, archivePath, f, staging)
	}
	if err != nil {
		return Installation{}, err
	}

	m, _ := json.Marshal(marker{Archive: filepath.Base(archivePath), ExtractedAt: time.Now().UTC()})
	if err := os.WriteFile(filepath.Join(staging, MarkerName), m, 0o644); err != nil {
		return Installation{}, err
	}
	if _, err := os.Lstat(targetDir); err == nil {
		if err := os.RemoveAll(targetDir); err != nil {
			return Installation{}, fmt.Errorf("remove incomplete installation: %w", err)
		}
	}
	if err := os.Rename(staging, targetDir); err != nil {
		// someone else published first
		if inst, ok := Open(targetDir); ok {
			return inst, nil
		}
		return Installation{}, err
	}
	published = true
	inst, _ := Open(targetDir)
	return inst, nil
}

// detect picks the format from the file name and falls back to magic bytes.
func detect(path string) (format, error) {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(name, ".txz"), strings.HasSuffix(name, ".tar.xz"):
		return formatTarXz, nil
	case strings.HasSuffix(name, ".tgz"), strings.HasSuffix(name, ".tar.gz"):
		return formatTarGz, nil
	case strings.HasSuffix(name, ".tar"):
		return formatTar, nil
	case strings.HasSuffix(name, ".zip"), strings.HasSuffix(name, ".jar"):
		return formatZip, nil
	}
	fh, err := os.Open(path)
	if err != nil {
		return formatUnknown, err
	}
	defer func() { _ = fh.Close() }()
	head := make([]byte, 6)
	n, _ := io.ReadFull(fh, head)
	if f := sniff(head[:n]); f != formatUnknown {
		return f, nil
	}
	return formatUnknown, fmt.Errorf("%w: unsupported archive format %q", ErrExtractionFailed, filepath.Base(path))
}

func sniff(head []byte) format {
	switch {
	case bytes.HasPrefix(head, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}):
		return formatTarXz
	case bytes.HasPrefix(head, []byte{0x1f, 0x8b}):
		return formatTarGz
	case bytes.HasPrefix(head, []byte("PK\x03\x04")):
		return formatZip
	}
	return formatUnknown
}

// safeJoin resolves name below root and rejects anything that would land
// outside it, lexically or through a symlink extracted earlier.
func safeJoin(root, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.VolumeName(clean) != "" {
		return "", fmt.Errorf("%w: entry %q escapes the target directory", ErrExtractionFailed, name)
	}
	if err := noLinkedParents(root, filepath.Dir(clean)); err != nil {
		return "", fmt.Errorf("%w: entry %q: %v", ErrExtractionFailed, name, err)
	}
	return filepath.Join(root, clean), nil
}

// noLinkedParents fails when an existing directory component of rel below
// root is a symlink. Entries are never written through links.
func noLinkedParents(root, rel string) error {
	if rel == "." {
		return nil
	}
	cur := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		fi, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%s is a symlink", part)
		}
	}
	return nil
}

// checkLink rejects symlink targets that resolve outside root. ".." may
// only lead the target: the link's own directory holds no links, so the
// leading steps resolve physically as they read, and every later name either
// is a plain entry or a link that was checked the same way.
func checkLink(root, linkPath, target string) error {
	if filepath.IsAbs(target) || filepath.VolumeName(target) != "" {
		return fmt.Errorf("%w: absolute symlink %q", ErrExtractionFailed, target)
	}
	escape := fmt.Errorf("%w: symlink %q escapes the target directory", ErrExtractionFailed, target)
	rel, err := filepath.Rel(root, filepath.Dir(linkPath))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return escape
	}
	depth := 0
	if rel != "." {
		depth = len(strings.Split(rel, string(filepath.Separator)))
	}
	descended := false
	for _, step := range strings.Split(filepath.FromSlash(target), string(filepath.Separator)) {
		switch step {
		case "", ".":
		case "..":
			if descended {
				return fmt.Errorf("%w: symlink %q climbs after descending", ErrExtractionFailed, target)
			}
			if depth == 0 {
				return escape
			}
			depth--
		default:
			descended = true
		}
	}
	return nil
}

func writeFile(path string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// replace a link of the same name instead of writing through it
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// OpenFile applies the umask; restore the archived bits
	return os.Chmod(path, mode)
}

func fileMode(m int64) os.FileMode {
	perm := os.FileMode(m) & os.ModePerm
	if perm == 0 {
		perm = 0o644
	}
	return perm
}
