package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Var maps variable names to values.
type Var map[string]string

// Env composes the extra environment handed to worker processes. Workers
// inherit the supervisor's own environment; Env only describes additions.
type Env struct {
	Var  Var // overrides, applied last
	base Var // lookup source for ${VAR} expansion
}

// New returns an Env that expands against the current OS environment.
func New() *Env {
	e := &Env{Var: make(Var)}
	e.fromOS()
	return e
}

// fromOS caches the current process environment as the expansion base.
func (e *Env) fromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			base[k] = v
		}
	}
	e.base = base
}

// Set sets a variable K=V.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// SetPairs applies "K=V" entries; malformed entries are skipped.
func (e *Env) SetPairs(pairs []string) {
	for _, kv := range pairs {
		if k, v, ok := strings.Cut(kv, "="); ok {
			e.Set(strings.TrimSpace(k), v)
		}
	}
}

// LoadFile applies a .env file with KEY=VALUE lines. Blank lines and lines
// starting with # are ignored; an optional "export " prefix and matching
// surrounding quotes are stripped.
func (e *Env) LoadFile(path string) error {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	for n, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("%s:%d: expected KEY=VALUE", path, n+1)
		}
		e.Set(strings.TrimSpace(k), unquote(strings.TrimSpace(v)))
	}
	return nil
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// Merge returns the variables as sorted "K=V" entries, with perWorker
// entries applied on top. ${VAR} references are expanded once against the
// composed set, falling back to the OS environment.
func (e *Env) Merge(perWorker []string) []string {
	m := make(Var, len(e.Var)+len(perWorker))
	for k, v := range e.Var {
		m[k] = v
	}
	for _, kv := range perWorker {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+e.expand(v, m))
	}
	sort.Strings(out)
	return out
}

func (e *Env) expand(s string, m Var) string {
	return os.Expand(s, func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return e.base[k]
	})
}

// Compose builds the worker environment from env files, applied in order,
// then inline "K=V" pairs.
func Compose(files, pairs []string) ([]string, error) {
	e := New()
	for _, f := range files {
		if err := e.LoadFile(f); err != nil {
			return nil, fmt.Errorf("env file: %w", err)
		}
	}
	e.SetPairs(pairs)
	return e.Merge(nil), nil
}
