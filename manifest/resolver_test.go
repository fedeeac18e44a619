package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func scriptTree(t *testing.T) *Manifest {
	t.Helper()
	dir := t.TempDir()
	for _, f := range []string{
		"scripts/start.int",
		"scripts/door.int",
		"mods/door.int",
		"mods/extra.int",
		"mods/readme.txt",
	} {
		path := filepath.Join(dir, f)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte{0, 0, 0, 0}, 0644); err != nil {
			t.Fatal(err)
		}
	}
	m, err := Default(dir)
	if err != nil {
		t.Fatal(err)
	}
	m.Scripts.Dirs = []string{"scripts", "mods"}
	m.Scripts.Entry = "start"
	return m
}

func TestResolverLookup(t *testing.T) {
	m := scriptTree(t)
	r := NewResolver(m)

	tests := []struct {
		name    string
		wantDir string
	}{
		{"start", "scripts"},
		{"door.int", "scripts"}, // the first directory shadows later ones
		{"extra", "mods"},
	}
	for _, tc := range tests {
		rs, err := r.Lookup(tc.name)
		if err != nil {
			t.Errorf("Lookup(%s): %v", tc.name, err)
			continue
		}
		if want := filepath.Join(m.Dir, tc.wantDir); rs.Dir != want {
			t.Errorf("Lookup(%s).Dir = %q, want %q", tc.name, rs.Dir, want)
		}
	}

	if _, err := r.Lookup("missing"); err == nil {
		t.Error("Lookup(missing) succeeded")
	}
}

func TestResolverResolveFallsBackToFirstDir(t *testing.T) {
	m := scriptTree(t)
	r := NewResolver(m)

	if got, want := r.Resolve("extra"), filepath.Join(m.Dir, "mods", "extra.int"); got != want {
		t.Errorf("Resolve(extra) = %q, want %q", got, want)
	}
	if got, want := r.Resolve("missing"), filepath.Join(m.Dir, "scripts", "missing.int"); got != want {
		t.Errorf("Resolve(missing) = %q, want %q", got, want)
	}
}

func TestResolverEntry(t *testing.T) {
	m := scriptTree(t)
	rs, err := NewResolver(m).Entry()
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if filepath.Base(rs.Path) != "start.int" {
		t.Errorf("entry = %q", rs.Path)
	}

	m.Scripts.Entry = ""
	if _, err := NewResolver(m).Entry(); err == nil {
		t.Error("Entry with nothing configured succeeded")
	}
}

func TestResolverScripts(t *testing.T) {
	m := scriptTree(t)
	scripts, err := NewResolver(m).Scripts()
	if err != nil {
		t.Fatalf("Scripts: %v", err)
	}
	names := make(map[string]string)
	for _, s := range scripts {
		names[s.Name] = filepath.Base(s.Dir)
	}
	if len(names) != 3 {
		t.Errorf("scripts = %v, want start, door and extra", names)
	}
	if names["door"] != "scripts" {
		t.Errorf("door found in %q, want scripts", names["door"])
	}
}
