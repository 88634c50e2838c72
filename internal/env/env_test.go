package env

import (
	"strings"
	"testing"
)

func lookup(kvs []string, key string) (string, bool) {
	for _, kv := range kvs {
		if strings.HasPrefix(kv, key+"=") {
			return kv[len(key)+1:], true
		}
	}
	return "", false
}

func TestMerge_LayerPrecedence(t *testing.T) {
	e := NewWithBase([]string{"A=base", "B=base", "PATH=/bin"})
	e.Set("B", "global")
	e.Set("C", "global")
	out := e.Merge([]string{"C=proc", "D=${PATH}:/usr/bin"})

	want := map[string]string{"A": "base", "B": "global", "C": "proc", "D": "/bin:/usr/bin", "PATH": "/bin"}
	for k, v := range want {
		got, ok := lookup(out, k)
		if !ok || got != v {
			t.Fatalf("%s: got %q (present=%t), want %q", k, got, ok, v)
		}
	}
	for i := 1; i < len(out); i++ {
		if out[i-1] > out[i] {
			t.Fatalf("output not sorted: %v", out)
		}
	}
}

func TestWithSet_DoesNotMutateReceiver(t *testing.T) {
	e := NewWithBase(nil)
	e2 := e.WithSet("FORCE_COLOR", "1").WithList([]string{"BROWSER=none", "bad", "=skip"})
	if _, ok := e.Var["FORCE_COLOR"]; ok {
		t.Fatalf("receiver mutated")
	}
	out := e2.Merge(nil)
	if len(out) != 2 {
		t.Fatalf("unexpected env: %v", out)
	}
	if v, _ := lookup(out, "BROWSER"); v != "none" {
		t.Fatalf("BROWSER=%q", v)
	}
}

func TestMerge_UnknownReferenceKept(t *testing.T) {
	e := NewWithBase(nil)
	out := e.Merge([]string{"X=${NOPE}-1"})
	if v, _ := lookup(out, "X"); v != "${NOPE}-1" {
		t.Fatalf("X=%q", v)
	}
}
