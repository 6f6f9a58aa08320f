package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/antoniostano/copd/internal/rubocop"
)

// Settings are the rubocop options editors expose to users. They are read
// fresh for every run so edits take effect without a restart.
type Settings struct {
	ExecutePath             string   `toml:"execute_path" json:"execute_path"`
	ConfigFilePath          string   `toml:"config_file_path" json:"config_file_path"`
	OnSave                  bool     `toml:"on_save" json:"on_save"`
	UseBundler              bool     `toml:"use_bundler" json:"use_bundler"`
	SuppressRubocopWarnings bool     `toml:"suppress_rubocop_warnings" json:"suppress_rubocop_warnings"`
	ForceExclusion          bool     `toml:"force_exclusion" json:"force_exclusion"`
	ExtraArgs               []string `toml:"extra_args" json:"extra_args,omitempty"`
}

type settingsFile struct {
	Rubocop Settings `toml:"rubocop"`
}

func DefaultSettings() Settings {
	return Settings{
		OnSave:         true,
		ForceExclusion: true,
	}
}

// ParseSettings decodes the [rubocop] table of a settings document. Keys
// that are absent keep their defaults.
func ParseSettings(data []byte) (Settings, error) {
	doc := settingsFile{Rubocop: DefaultSettings()}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	return doc.Rubocop, nil
}

// LoadSettings reads a settings file. A missing file yields defaults.
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultSettings(), nil
		}
		return Settings{}, fmt.Errorf("reading settings file %s: %w", path, err)
	}
	s, err := ParseSettings(data)
	if err != nil {
		return Settings{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

type SettingsProvider interface {
	Current() (Settings, error)
}

// FileSettings re-reads the settings file on every call.
type FileSettings struct {
	path string
}

func NewFileSettings(path string) *FileSettings {
	return &FileSettings{path: path}
}

func (f *FileSettings) Path() string {
	return f.path
}

func (f *FileSettings) Current() (Settings, error) {
	return LoadSettings(f.path)
}

// StaticSettings always returns the same value.
type StaticSettings Settings

func (s StaticSettings) Current() (Settings, error) {
	return Settings(s), nil
}

// Resolver turns Settings into a concrete rubocop invocation for a
// workspace.
type Resolver struct {
	Workspace string
	GOOS      string

	LookPath      func(file string) (string, error)
	DetectBundler func(dir string) bool

	mu      sync.Mutex
	bundled map[string]bool
}

func NewResolver(workspace string) *Resolver {
	return &Resolver{
		Workspace:     workspace,
		GOOS:          runtime.GOOS,
		LookPath:      exec.LookPath,
		DetectBundler: detectBundledRubocop,
	}
}

func (r *Resolver) Executable() string {
	if r.GOOS == "windows" {
		return "rubocop.bat"
	}
	return "rubocop"
}

// Resolve picks the command in order of precedence: an explicit execute
// path, bundler (configured or detected), then PATH. When nothing is found
// the bare executable name is used and the run will report not_found.
func (r *Resolver) Resolve(s Settings) rubocop.Invocation {
	exe := r.Executable()
	inv := rubocop.Invocation{
		Dir:            r.Workspace,
		ForceExclusion: s.ForceExclusion,
		ExtraArgs:      append([]string(nil), s.ExtraArgs...),
	}

	switch {
	case strings.TrimSpace(s.ExecutePath) != "":
		inv.Command = []string{filepath.Join(strings.TrimSpace(s.ExecutePath), exe)}
	case s.UseBundler || r.bundledRubocop():
		inv.Command = []string{"bundle", "exec", exe}
	default:
		inv.Command = []string{exe}
		if r.LookPath != nil {
			if p, err := r.LookPath(exe); err == nil {
				inv.Command = []string{p}
			}
		}
	}

	if cfg := strings.TrimSpace(s.ConfigFilePath); cfg != "" {
		if !filepath.IsAbs(cfg) && r.Workspace != "" {
			cfg = filepath.Join(r.Workspace, cfg)
		}
		inv.ConfigFile = cfg
	}
	return inv
}

func (r *Resolver) bundledRubocop() bool {
	if r.DetectBundler == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bundled == nil {
		r.bundled = make(map[string]bool)
	}
	if v, ok := r.bundled[r.Workspace]; ok {
		return v
	}
	v := r.DetectBundler(r.Workspace)
	r.bundled[r.Workspace] = v
	return v
}

func detectBundledRubocop(dir string) bool {
	if !hasGemfile(dir) {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "bundle", "show", "rubocop")
	cmd.Dir = dir
	return cmd.Run() == nil
}

func hasGemfile(dir string) bool {
	for _, name := range []string{"Gemfile", "gems.rb"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}
