package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolvedScript is a script name mapped to an image on disk.
type ResolvedScript struct {
	Name string // name as given by the caller
	Path string // absolute path of the image
	Dir  string // script directory it was found in
}

// Resolver maps the script names used by CALLSTART, SPAWN, FORK and EXEC
// to image paths. Names are looked up in the manifest's script
// directories in order; a name without an extension gets the configured
// one.
type Resolver struct {
	manifest *Manifest
	cache    map[string]ResolvedScript
}

// NewResolver creates a resolver for m.
func NewResolver(m *Manifest) *Resolver {
	return &Resolver{
		manifest: m,
		cache:    make(map[string]ResolvedScript),
	}
}

// fileName appends the script extension when name has none.
func (r *Resolver) fileName(name string) string {
	if filepath.Ext(name) == "" {
		return name + r.manifest.Scripts.Extension
	}
	return name
}

// Lookup resolves name to an existing image.
func (r *Resolver) Lookup(name string) (ResolvedScript, error) {
	if rs, ok := r.cache[name]; ok {
		return rs, nil
	}

	file := r.fileName(name)
	if filepath.IsAbs(file) {
		if _, err := os.Stat(file); err != nil {
			return ResolvedScript{}, fmt.Errorf("script %q not found: %w", name, err)
		}
		rs := ResolvedScript{Name: name, Path: file, Dir: filepath.Dir(file)}
		r.cache[name] = rs
		return rs, nil
	}

	dirs := r.manifest.ScriptDirPaths()
	for _, dir := range dirs {
		path := filepath.Join(dir, file)
		if _, err := os.Stat(path); err == nil {
			rs := ResolvedScript{Name: name, Path: path, Dir: dir}
			r.cache[name] = rs
			return rs, nil
		}
	}
	return ResolvedScript{}, fmt.Errorf("script %q not found in %s", name, strings.Join(dirs, ", "))
}

// Resolve returns the path to load for name. A name that is not found
// maps into the first script directory, so the load error names a
// sensible path.
func (r *Resolver) Resolve(name string) string {
	if rs, err := r.Lookup(name); err == nil {
		return rs.Path
	}
	file := r.fileName(name)
	if filepath.IsAbs(file) {
		return file
	}
	if dirs := r.manifest.ScriptDirPaths(); len(dirs) > 0 {
		return filepath.Join(dirs[0], file)
	}
	return filepath.Join(r.manifest.Dir, file)
}

// Entry resolves the configured entry script.
func (r *Resolver) Entry() (ResolvedScript, error) {
	if r.manifest.Scripts.Entry == "" {
		return ResolvedScript{}, fmt.Errorf("no entry script configured in %s", FileName)
	}
	return r.Lookup(r.manifest.Scripts.Entry)
}

// Scripts lists every image in the script directories, earlier
// directories shadowing later ones.
func (r *Resolver) Scripts() ([]ResolvedScript, error) {
	seen := make(map[string]bool)
	var out []ResolvedScript
	for _, dir := range r.manifest.ScriptDirPaths() {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != r.manifest.Scripts.Extension || seen[e.Name()] {
				continue
			}
			seen[e.Name()] = true
			out = append(out, ResolvedScript{
				Name: strings.TrimSuffix(e.Name(), r.manifest.Scripts.Extension),
				Path: filepath.Join(dir, e.Name()),
				Dir:  dir,
			})
		}
	}
	return out, nil
}
