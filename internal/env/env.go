package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to initdb and postgres.
type Env struct {
	Var Var // overrides (K->V)
	env Var // cached base from OS environment
}

// scrubbed lists client-side variables that would otherwise leak into the
// server tools and point them at a different cluster.
var scrubbed = []string{
	"PGDATA", "PGHOST", "PGHOSTADDR", "PGPORT", "PGUSER", "PGPASSWORD",
	"PGDATABASE", "PGSERVICE", "PGSERVICEFILE", "PGPASSFILE", "PGOPTIONS",
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// ForServer returns an Env seeded from the OS with PG* client variables
// removed and messages forced to the C locale, so the server log can be
// matched against known English phrases.
func ForServer() *Env {
	e := New()
	e.FromOS()
	for _, k := range scrubbed {
		delete(e.env, k)
	}
	e.Set("LC_MESSAGES", "C")
	return e
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = Parse(os.Environ())
}

// Parse splits "K=V" entries into a map, skipping malformed ones.
func Parse(kvs []string) Var {
	out := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

// Set sets an override K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes an override.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Merge composes the final environment: base (OS env), then overrides, then
// extra. ${VAR} references are expanded once against the composed map.
// The result is sorted by key.
func (e *Env) Merge(extra map[string]string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(extra))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range extra {
		if k != "" {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		return m[k]
	})
}
