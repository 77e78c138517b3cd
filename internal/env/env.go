// Package env composes the environment handed to the root command.
package env

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
)

type Var map[string]string

type Env struct {
	Var   Var // global variables (K->V)
	base  Var // cached base from OS environment
	clean bool
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := splitPair(kv); ok {
			base[k] = v
		}
	}
	e.base = base
}

// Clean drops the inherited environment: Merge starts from an empty base.
func (e *Env) Clean() {
	e.clean = true
	e.base = make(Var)
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// WithSet is Set returning e for chaining.
func (e *Env) WithSet(k, v string) *Env {
	e.Set(k, v)
	return e
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// LoadFile reads KEY=VALUE lines into the global variables. Blank lines and
// lines starting with '#' are skipped, an "export " prefix is allowed, and one
// pair of surrounding quotes is stripped from the value.
func (e *Env) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("env file: %w", err)
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	n := 0
	for s.Scan() {
		n++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := splitPair(line)
		if !ok {
			return fmt.Errorf("env file %s:%d: expected KEY=VALUE", path, n)
		}
		e.Set(strings.TrimSpace(k), unquote(strings.TrimSpace(v)))
	}
	return s.Err()
}

// Merge composes the final environment list applying order:
// base = OS env (or cached, or empty after Clean)
// then apply global e.Var overrides
// then apply perProc (slice of "K=V") overrides
// Values are expanded (${VAR} and $VAR) against the composed map, one level
// deep. The result is sorted by key.
func (e *Env) Merge(perProc []string) []string {
	if e.base == nil && !e.clean {
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
	for _, kv := range perProc {
		if k, v, ok := splitPair(kv); ok {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}

// splitPair splits "K=V", rejecting entries with an empty key.
func splitPair(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", false
	}
	return k, v, true
}

func unquote(v string) string {
	if n := len(v); n >= 2 {
		if (v[0] == '"' && v[n-1] == '"') || (v[0] == '\'' && v[n-1] == '\'') {
			return v[1 : n-1]
		}
	}
	return v
}
