package artifact

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"github.com/loykin/pgembed/internal/lock"
	"github.com/loykin/pgembed/internal/logger"
	"github.com/loykin/pgembed/internal/metrics"
)

const sidecarName = "checksum.json"

// Entry is a verified archive in the cache. Entries are immutable; a
// sidecar is only written after the archive is fully in place.
type Entry struct {
	Key           Key       `json:"key"`
	FileName      string    `json:"file"`
	Path          string    `json:"-"`
	Checksum      Checksum  `json:"checksum"`
	ContentDigest string    `json:"blake3"`
	Size          int64     `json:"size"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// Cache stores downloaded archives under Dir/<platform>/<version>/.
type Cache struct {
	Dir string
	// VerifyOnLookup rehashes the archive on every lookup and treats a
	// digest mismatch as a miss.
	VerifyOnLookup bool

	downloader *Downloader
	guard      *lock.Guard
	log        *slog.Logger
	sf         singleflight.Group
}

// NewCache returns a cache rooted at dir. A nil guard gets a private one.
func NewCache(dir string, d *Downloader, g *lock.Guard, log *slog.Logger) *Cache {
	if d == nil {
		d = &Downloader{Logger: log}
	}
	if g == nil {
		g = lock.NewGuard()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Cache{Dir: dir, downloader: d, guard: g, log: log}
}

func (c *Cache) entryDir(k Key) string {
	return filepath.Join(c.Dir, k.Platform.String(), k.Version)
}

// Lookup returns the cached entry for k if archive and sidecar are present
// and agree.
func (c *Cache) Lookup(k Key) (Entry, bool) {
	dir := c.entryDir(k)
	b, err := os.ReadFile(filepath.Join(dir, sidecarName))
	if err != nil {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil || e.FileName == "" {
		return Entry{}, false
	}
	e.Path = filepath.Join(dir, e.FileName)
	fi, err := os.Stat(e.Path)
	if err != nil || fi.Size() != e.Size {
		return Entry{}, false
	}
	if c.VerifyOnLookup {
		digest, err := blake3File(e.Path)
		if err != nil || digest != e.ContentDigest {
			c.log.Warn("cached archive failed verification", "path", e.Path)
			return Entry{}, false
		}
	}
	return e, true
}

// Store streams r into the cache for k, hashing while writing. The archive
// becomes visible only when the digest matches expected; otherwise nothing
// is left behind and ErrChecksumMismatch is returned.
func (c *Cache) Store(k Key, fileName string, r io.Reader, expected Checksum) (Entry, error) {
	if fileName == "" || strings.ContainsAny(fileName, `/\`) {
		return Entry{}, fmt.Errorf("invalid archive file name %q", fileName)
	}
	h, err := expected.newHash()
	if err != nil {
		return Entry{}, err
	}
	dir := c.entryDir(k)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Entry{}, err
	}
	tmp, err := os.CreateTemp(dir, "."+fileName+".tmp-*")
	if err != nil {
		return Entry{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	b3 := blake3.New()
	n, err := io.Copy(io.MultiWriter(tmp, h, b3), r)
	if err != nil {
		return Entry{}, err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !expected.IsZero() && got != expected.Hex {
		return Entry{}, fmt.Errorf("%w: %s: expected %s, got %s:%s", ErrChecksumMismatch, k, expected, expected.Algo, got)
	}
	if err := tmp.Sync(); err != nil {
		return Entry{}, err
	}
	if err := tmp.Close(); err != nil {
		return Entry{}, err
	}
	final := filepath.Join(dir, fileName)
	if err := os.Rename(tmp.Name(), final); err != nil {
		return Entry{}, err
	}
	committed = true

	e := Entry{
		Key:           k,
		FileName:      fileName,
		Path:          final,
		Checksum:      Checksum{Algo: expected.Algo, Hex: got},
		ContentDigest: hex.EncodeToString(b3.Sum(nil)),
		Size:          n,
		FetchedAt:     time.Now().UTC(),
	}
	if err := writeJSONAtomic(filepath.Join(dir, sidecarName), e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Fetch returns the cached archive for a, downloading it first when absent.
// Concurrent fetches of the same key in this process share one download and
// the per-entry file lock keeps other processes out while it runs.
func (c *Cache) Fetch(ctx context.Context, a Artifact) (Entry, error) {
	v, err, _ := c.sf.Do(a.Key.String(), func() (any, error) {
		var e Entry
		lockFile := filepath.Join(c.entryDir(a.Key), ".lock")
		err := c.guard.WithLock(ctx, "artifact:"+a.Key.String(), lockFile, func(ctx context.Context) error {
			if hit, ok := c.Lookup(a.Key); ok {
				metrics.IncCacheHit()
				c.log.Debug("archive cache hit", "key", a.Key.String(), "path", hit.Path)
				e = hit
				return nil
			}
			var err error
			e, err = c.download(ctx, a)
			return err
		})
		return e, err
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

func (c *Cache) download(ctx context.Context, a Artifact) (Entry, error) {
	expected := a.Checksum
	if expected.IsZero() && a.ChecksumURL != "" {
		body, err := c.downloader.FetchText(ctx, a.ChecksumURL)
		if err != nil {
			metrics.IncDownload("failed")
			return Entry{}, err
		}
		if expected, err = parseSidecar(expected.Algo, body); err != nil {
			metrics.IncDownload("failed")
			return Entry{}, fmt.Errorf("%w: %s: %w", ErrDownloadFailed, a.ChecksumURL, err)
		}
	}
	c.log.Info("downloading server archive", "key", a.Key.String(), "url", a.URL)
	var e Entry
	err := c.downloader.Download(ctx, a.URL, func(r io.Reader) error {
		var serr error
		e, serr = c.Store(a.Key, a.FileName, r, expected)
		return serr
	})
	switch {
	case err == nil:
		metrics.IncDownload("ok")
	case errors.Is(err, ErrChecksumMismatch):
		metrics.IncDownload("checksum_mismatch")
	default:
		metrics.IncDownload("failed")
	}
	return e, err
}

// Entries lists every complete entry in the cache, sorted by key.
func (c *Cache) Entries() ([]Entry, error) {
	matches, err := filepath.Glob(filepath.Join(c.Dir, "*", "*", sidecarName))
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(matches))
	for _, m := range matches {
		b, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		var e Entry
		if json.Unmarshal(b, &e) != nil {
			continue
		}
		if got, ok := c.Lookup(e.Key); ok {
			out = append(out, got)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

// Purge removes the whole cache directory.
func (c *Cache) Purge() error {
	if c.Dir == "" {
		return errors.New("cache dir is empty")
	}
	return os.RemoveAll(c.Dir)
}

func blake3File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
