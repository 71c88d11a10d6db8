package migrate

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Source yields the full set of migrations, in any order.
type Source interface {
	Load() ([]Migration, error)
}

type fsSource struct {
	fsys fs.FS
	desc string
}

// DirSource reads *.sql files from a directory on disk.
func DirSource(dir string) Source { return fsSource{fsys: os.DirFS(dir), desc: dir} }

// FSSource reads *.sql files from the root of fsys, typically an embed.FS
// narrowed with fs.Sub.
func FSSource(fsys fs.FS) Source { return fsSource{fsys: fsys, desc: "fs"} }

func (s fsSource) Load() ([]Migration, error) {
	entries, err := fs.ReadDir(s.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations from %s: %w", s.desc, err)
	}
	var out []Migration
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		body, err := fs.ReadFile(s.fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		m, skip, err := newMigration(e.Name(), body)
		if err != nil {
			return nil, err
		}
		if !skip {
			out = append(out, m)
		}
	}
	return out, nil
}

type filesSource []string

// FilesSource reads an explicit list of migration files.
func FilesSource(paths ...string) Source { return filesSource(paths) }

func (s filesSource) Load() ([]Migration, error) {
	out := make([]Migration, 0, len(s))
	for _, p := range s {
		body, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", p, err)
		}
		m, skip, err := newMigration(filepath.Base(p), body)
		if err != nil {
			return nil, err
		}
		if skip {
			return nil, fmt.Errorf("%s is not an up migration", p)
		}
		out = append(out, m)
	}
	return out, nil
}

// Sort orders migrations by version, then ID. Files without a numeric prefix
// come after all versioned ones in lexical order. Duplicate IDs or versions
// are rejected since their order would be ambiguous.
func Sort(ms []Migration) ([]Migration, error) {
	out := append([]Migration(nil), ms...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.Version == 0) != (b.Version == 0) {
			return a.Version != 0
		}
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		return a.ID < b.ID
	})
	for i := 1; i < len(out); i++ {
		prev, cur := out[i-1], out[i]
		if prev.ID == cur.ID {
			return nil, fmt.Errorf("duplicate migration %q", cur.ID)
		}
		if cur.Version != 0 && prev.Version == cur.Version {
			return nil, fmt.Errorf("migrations %q and %q share version %d", prev.ID, cur.ID, cur.Version)
		}
	}
	return out, nil
}
