// Package manifest handles avm.toml runtime configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/chazu/avm2/vm"
	"github.com/tliron/commonlog"
)

// FileName is the name of the configuration file.
const FileName = "avm.toml"

// Manifest represents an avm.toml configuration.
type Manifest struct {
	Project   Project   `toml:"project"`
	Program   Program   `toml:"program"`
	VM        VMConfig  `toml:"vm"`
	Optimizer Optimizer `toml:"optimizer"`
	Log       Log       `toml:"log"`

	// Dir is the directory containing the avm.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Program names the images to load and what to run.
type Program struct {
	Image     string   `toml:"image"`     // entry image
	Libraries []string `toml:"libraries"` // images loaded before the entry, in order
	Script    int      `toml:"script"`    // script of the entry image to run
	Entry     string   `toml:"entry"`     // optional global function called after the script
	Workers   int      `toml:"workers"`   // parallel workers running the entry
}

// VMConfig holds execution limits.
type VMConfig struct {
	MaxRecursion int    `toml:"max-recursion"`
	StackSize    int    `toml:"stack-size"`
	Timeout      string `toml:"timeout"`       // Go duration, "0" disables
	DomainMemory int    `toml:"domain-memory"` // bytes
}

// Optimizer holds the translation tier switches.
type Optimizer struct {
	Enabled      bool `toml:"enabled"`
	Required     bool `toml:"required"`
	EarlyBinding bool `toml:"early-binding"`
	InlineCaches bool `toml:"inline-caches"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int      `toml:"verbosity"` // commonlog verbosity: 0 notice, 1 info, 2 debug
	File      string   `toml:"file"`      // empty logs to stderr
	Debug     []string `toml:"debug"`     // logger names forced to debug level
}

// Default returns the configuration used when no avm.toml exists.
func Default() *Manifest {
	opts := vm.DefaultOptions()
	return &Manifest{
		Program: Program{Workers: 1},
		VM: VMConfig{
			MaxRecursion: opts.MaxRecursion,
			StackSize:    opts.StackSize,
			Timeout:      opts.Timeout.String(),
			DomainMemory: opts.DomainMemory,
		},
		Optimizer: Optimizer{
			Enabled:      opts.Optimizer.Enabled,
			Required:     opts.Optimizer.Required,
			EarlyBinding: opts.Optimizer.EarlyBinding,
			InlineCaches: opts.Optimizer.InlineCaches,
		},
	}
}

// Load parses the avm.toml file in the given directory. Keys missing from
// the file keep their defaults.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m := Default()
	md, err := toml.Decode(string(data), m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if m.Program.Workers <= 0 {
		m.Program.Workers = 1
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find an avm.toml file,
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
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Options converts the configuration into VM options.
func (m *Manifest) Options() (vm.Options, error) {
	opts := vm.Options{
		MaxRecursion: m.VM.MaxRecursion,
		StackSize:    m.VM.StackSize,
		DomainMemory: m.VM.DomainMemory,
		Optimizer: vm.OptimizerOptions{
			Enabled:      m.Optimizer.Enabled,
			Required:     m.Optimizer.Required,
			EarlyBinding: m.Optimizer.EarlyBinding,
			InlineCaches: m.Optimizer.InlineCaches,
		},
	}
	if m.VM.Timeout != "" {
		d, err := time.ParseDuration(m.VM.Timeout)
		if err != nil {
			return vm.Options{}, fmt.Errorf("vm.timeout: %w", err)
		}
		if d < 0 {
			return vm.Options{}, fmt.Errorf("vm.timeout: negative duration %s", d)
		}
		opts.Timeout = d
	}
	if opts.DomainMemory < 0 {
		return vm.Options{}, fmt.Errorf("vm.domain-memory: negative size %d", opts.DomainMemory)
	}
	if opts.Optimizer.Required && !opts.Optimizer.Enabled {
		return vm.Options{}, fmt.Errorf("optimizer.required needs optimizer.enabled")
	}
	return opts, nil
}

// ImagePaths returns absolute paths of the libraries followed by the entry
// image.
func (m *Manifest) ImagePaths() []string {
	var paths []string
	for _, lib := range m.Program.Libraries {
		paths = append(paths, m.resolve(lib))
	}
	if m.Program.Image != "" {
		paths = append(paths, m.resolve(m.Program.Image))
	}
	return paths
}

func (m *Manifest) resolve(p string) string {
	if filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// ConfigureLogging applies the [log] section to commonlog. A backend must
// be registered by the caller, typically by importing
// github.com/tliron/commonlog/simple.
func (m *Manifest) ConfigureLogging() {
	var path *string
	if m.Log.File != "" {
		file := m.resolve(m.Log.File)
		path = &file
	}
	commonlog.Configure(m.Log.Verbosity, path)
	for _, name := range m.Log.Debug {
		commonlog.SetMaxLevel(commonlog.Debug, strings.Split(name, ".")...)
	}
}
