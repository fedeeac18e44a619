// Package manifest handles tickvm.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/tickvm/vm"
)

// FileName is the name of the project configuration file.
const FileName = "tickvm.toml"

// Manifest represents a tickvm.toml project configuration.
type Manifest struct {
	Project Project `toml:"project"`
	Runtime Runtime `toml:"runtime"`
	Scripts Scripts `toml:"scripts"`
	Save    Save    `toml:"save"`

	// Dir is the directory containing the tickvm.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name string `toml:"name"`
}

// Runtime configures the virtual machine.
type Runtime struct {
	TicksPerSecond int `toml:"ticks-per-second"`
	BurstSize      int `toml:"burst-size"`
	StackCapacity  int `toml:"stack-capacity"`
	HeapLimit      int `toml:"heap-limit"`
}

// Scripts configures where compiled program images are found.
type Scripts struct {
	Dirs      []string `toml:"dirs"`
	Extension string   `toml:"extension"`
	Entry     string   `toml:"entry"`
}

// Save configures the exported-variable save store.
type Save struct {
	Database string `toml:"database"`
	Slot     string `toml:"slot"`
}

// Load parses and validates the tickvm.toml file in the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	if err := Validate(path, data); err != nil {
		return nil, err
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	m.applyDefaults()
	return &m, nil
}

// Default returns the configuration used when a project has no
// tickvm.toml, rooted at dir.
func Default(dir string) (*Manifest, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	m := &Manifest{Dir: abs}
	m.applyDefaults()
	return m, nil
}

func (m *Manifest) applyDefaults() {
	def := vm.DefaultOptions()
	if m.Runtime.TicksPerSecond == 0 {
		m.Runtime.TicksPerSecond = def.TicksPerSecond
	}
	if m.Runtime.BurstSize == 0 {
		m.Runtime.BurstSize = def.BurstSize
	}
	if m.Runtime.StackCapacity == 0 {
		m.Runtime.StackCapacity = def.StackCapacity
	}
	if len(m.Scripts.Dirs) == 0 {
		m.Scripts.Dirs = []string{"scripts"}
	}
	if m.Scripts.Extension == "" {
		m.Scripts.Extension = ".int"
	}
	if m.Save.Database == "" {
		m.Save.Database = "saves.db"
	}
	if m.Save.Slot == "" {
		m.Save.Slot = "auto"
	}
}

// FindAndLoad walks up from startDir to find a tickvm.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// ScriptDirPaths returns absolute paths for the configured script directories.
func (m *Manifest) ScriptDirPaths() []string {
	var paths []string
	for _, d := range m.Scripts.Dirs {
		if filepath.IsAbs(d) {
			paths = append(paths, d)
			continue
		}
		paths = append(paths, filepath.Join(m.Dir, d))
	}
	return paths
}

// DatabasePath returns the absolute path of the save database.
func (m *Manifest) DatabasePath() string {
	if filepath.IsAbs(m.Save.Database) {
		return m.Save.Database
	}
	return filepath.Join(m.Dir, m.Save.Database)
}

// VMOptions converts the runtime section into machine options. Scripts
// named by the spawn opcodes are looked up through the manifest's Resolver.
func (m *Manifest) VMOptions() vm.Options {
	return vm.Options{
		StackCapacity:  m.Runtime.StackCapacity,
		TicksPerSecond: m.Runtime.TicksPerSecond,
		BurstSize:      m.Runtime.BurstSize,
		HeapLimit:      m.Runtime.HeapLimit,
		Resolve:        NewResolver(m).Resolve,
	}
}
