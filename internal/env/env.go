package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to dev-server children: the OS
// environment (or an explicit base), supervisor-wide variables, then
// per-launch overrides.
type Env struct {
	Var  Var // global variables (K->V)
	base Var // cached base; nil means "read os.Environ on first Merge"
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// NewWithBase uses kvs instead of the OS environment as the base layer.
func NewWithBase(kvs []string) *Env {
	e := New()
	e.base = parse(kvs)
	return e
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.base = parse(os.Environ())
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// WithSet returns a copy of e with K=V applied; e is left untouched.
func (e *Env) WithSet(k, v string) *Env {
	cp := &Env{Var: make(Var, len(e.Var)+1), base: e.base}
	for kk, vv := range e.Var {
		cp.Var[kk] = vv
	}
	if k != "" {
		cp.Var[k] = v
	}
	return cp
}

// WithList applies every "K=V" entry of kvs, see WithSet.
func (e *Env) WithList(kvs []string) *Env {
	cp := e.WithSet("", "")
	for k, v := range parse(kvs) {
		cp.Var[k] = v
	}
	return cp
}

// Merge composes the final environment:
// base (OS env or explicit), then global e.Var, then perProc "K=V" overrides.
// ${VAR} references are expanded against the composed map (single pass).
// The result is sorted by key.
func (e *Env) Merge(perProc []string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var)+len(perProc))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range parse(perProc) {
		m[k] = v
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

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return "${" + k + "}"
	})
}
