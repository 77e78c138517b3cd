package env

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// FuzzLoadFileMerge writes the first input as an env file, loads it into a
// clean environment and merges the second input as per-run overrides.
func FuzzLoadFileMerge(f *testing.F) {
	f.Add([]byte("A=1\nB=${A}-x"), []byte("C=${B}-y"))
	f.Add([]byte("export FOO=\"bar\"\n# note\n"), []byte("FOO=${FOO}"))
	f.Add([]byte("X=$Y"), []byte("Y=${X}"))
	f.Add([]byte("=nokey\nK='v'"), []byte("=x\nK2"))
	f.Add([]byte("broken line"), []byte(""))

	f.Fuzz(func(t *testing.T, fileB []byte, perB []byte) {
		if len(fileB) > 4096 || len(perB) > 4096 {
			return
		}
		path := filepath.Join(t.TempDir(), "fuzz.env")
		if err := os.WriteFile(path, fileB, 0o600); err != nil {
			t.Fatal(err)
		}
		per := strings.Split(string(perB), "\n")

		e := New()
		e.Clean()
		loadErr := e.LoadFile(path)
		out := e.Merge(per)

		allowed := map[string]bool{}
		for k := range e.Var {
			allowed[k] = true
		}
		for _, kv := range per {
			if k, _, ok := splitPair(kv); ok {
				allowed[k] = true
			}
		}
		prev := ""
		for _, kv := range out {
			k, _, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				t.Fatalf("bad pair %q", kv)
			}
			// a clean environment holds only what was loaded or passed
			if !allowed[k] {
				t.Fatalf("key %q leaked into a clean environment", k)
			}
			if kv < prev {
				t.Fatalf("output not sorted: %q after %q", kv, prev)
			}
			prev = kv
		}
		if loadErr == nil && !strings.ContainsRune(string(fileB)+string(perB), '$') {
			for _, kv := range out {
				if strings.Contains(kv, "${") {
					t.Fatalf("unexpected placeholder remains: %q", kv)
				}
			}
		}
	})
}
