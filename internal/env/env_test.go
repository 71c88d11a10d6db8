package env

import (
	"strings"
	"testing"
)

func lookup(list []string, key string) (string, bool) {
	for _, kv := range list {
		if strings.HasPrefix(kv, key+"=") {
			return kv[len(key)+1:], true
		}
	}
	return "", false
}

func TestMergeOrderAndExpansion(t *testing.T) {
	e := &Env{env: Var{"HOME": "/home/u", "A": "base"}}
	e.Set("A", "override")
	e.Set("DATA", "${HOME}/data")
	out := e.Merge(map[string]string{"A": "extra", "": "ignored"})

	if v, _ := lookup(out, "A"); v != "extra" {
		t.Fatalf("A = %q, want extra", v)
	}
	if v, _ := lookup(out, "DATA"); v != "/home/u/data" {
		t.Fatalf("DATA = %q, want expanded", v)
	}
	for i := 1; i < len(out); i++ {
		if out[i-1] > out[i] {
			t.Fatalf("result not sorted: %v", out)
		}
	}
}

func TestForServerScrubsClientVars(t *testing.T) {
	t.Setenv("PGPORT", "9999")
	t.Setenv("PGDATA", "/elsewhere")
	t.Setenv("PGEMBED_TEST_KEEP", "1")
	out := ForServer().Merge(nil)
	if _, ok := lookup(out, "PGPORT"); ok {
		t.Fatalf("PGPORT should be removed")
	}
	if _, ok := lookup(out, "PGDATA"); ok {
		t.Fatalf("PGDATA should be removed")
	}
	if v, _ := lookup(out, "LC_MESSAGES"); v != "C" {
		t.Fatalf("LC_MESSAGES = %q, want C", v)
	}
	if v, _ := lookup(out, "PGEMBED_TEST_KEEP"); v != "1" {
		t.Fatalf("unrelated variables must survive")
	}
}

func TestParseSkipsMalformed(t *testing.T) {
	m := Parse([]string{"A=1", "=x", "novalue", "B=2=3"})
	if len(m) != 2 || m["A"] != "1" || m["B"] != "2=3" {
		t.Fatalf("unexpected parse result: %v", m)
	}
}

func TestUnset(t *testing.T) {
	e := &Env{env: Var{}}
	e.Set("X", "1")
	e.Unset("X")
	if _, ok := lookup(e.Merge(nil), "X"); ok {
		t.Fatalf("X should be unset")
	}
}
