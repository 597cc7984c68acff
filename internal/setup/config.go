package setup

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/cochaviz/aibmoe/internal/packer"
)

// StateDir is the root for everything a session writes. Nothing under it
// survives the session that created it.
var StateDir = filepath.Join(os.TempDir(), "aibmoe")

var (
	DefaultWorkspaceRoot = filepath.Join(StateDir, "workspaces")
	DefaultArtifactDir   = filepath.Join(StateDir, "artifacts")
	DefaultExportDir     = filepath.Join(StateDir, "exports")
)

const (
	DefaultWorkers   = 2
	DefaultLogLevel  = "warning"
	DefaultLogFormat = "cli"

	PackerChunk   = "chunk"
	PackerCommand = "command"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// PackerConfig selects the packing primitive.
type PackerConfig struct {
	Kind    string                `yaml:"kind" toml:"kind"`
	Command *packer.CommandConfig `yaml:"command,omitempty" toml:"command,omitempty"`
}

// Config is the effective runtime configuration.
type Config struct {
	WorkspaceRoot string       `yaml:"workspace_root" toml:"workspace_root"`
	ArtifactDir   string       `yaml:"artifact_dir" toml:"artifact_dir"`
	ExportDir     string       `yaml:"export_dir" toml:"export_dir"`
	Workers       int          `yaml:"workers" toml:"workers"`
	LogLevel      string       `yaml:"log_level" toml:"log_level"`
	LogFormat     string       `yaml:"log_format" toml:"log_format"`
	Packer        PackerConfig `yaml:"packer" toml:"packer"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		WorkspaceRoot: DefaultWorkspaceRoot,
		ArtifactDir:   DefaultArtifactDir,
		ExportDir:     DefaultExportDir,
		Workers:       DefaultWorkers,
		LogLevel:      DefaultLogLevel,
		LogFormat:     DefaultLogFormat,
		Packer:        PackerConfig{Kind: PackerChunk},
	}
}

// Load reads path on top of Default. The decoder is chosen by extension:
// .yaml/.yml for YAML, .toml for TOML. An empty path returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		return Config{}, fmt.Errorf("config load failed (%s): unsupported extension %q", path, ext)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	getLogger().Debug("configuration loaded", "path", path, "packer", cfg.Packer.Kind, "workers", cfg.Workers)
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if strings.TrimSpace(c.WorkspaceRoot) == "" {
		c.WorkspaceRoot = def.WorkspaceRoot
	}
	if strings.TrimSpace(c.ArtifactDir) == "" {
		c.ArtifactDir = def.ArtifactDir
	}
	if strings.TrimSpace(c.ExportDir) == "" {
		c.ExportDir = def.ExportDir
	}
	if c.Workers == 0 {
		c.Workers = def.Workers
	}
	if strings.TrimSpace(c.Packer.Kind) == "" {
		c.Packer.Kind = def.Packer.Kind
	}
}

// Validate reports configuration that cannot produce a working session.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalidConfig, c.Workers)
	}
	switch c.Packer.Kind {
	case PackerChunk:
	case PackerCommand:
		if c.Packer.Command == nil || strings.TrimSpace(c.Packer.Command.Command) == "" {
			return fmt.Errorf("%w: packer kind %q requires packer.command.command", ErrInvalidConfig, PackerCommand)
		}
		if c.Packer.Command.Timeout < 0 {
			return fmt.Errorf("%w: packer timeout must not be negative", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown packer kind %q", ErrInvalidConfig, c.Packer.Kind)
	}
	for name, dir := range map[string]string{
		"workspace_root": c.WorkspaceRoot,
		"artifact_dir":   c.ArtifactDir,
		"export_dir":     c.ExportDir,
	} {
		if strings.TrimSpace(dir) == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidConfig, name)
		}
	}
	return nil
}

// NewPacker builds the packing primitive selected by c.
func (c Config) NewPacker(logger *slog.Logger) (packer.Packer, error) {
	switch c.Packer.Kind {
	case PackerCommand:
		return c.Packer.Command.Parse(logger)
	case PackerChunk, "":
		return packer.ChunkPacker{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown packer kind %q", ErrInvalidConfig, c.Packer.Kind)
	}
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

var packageLogger atomic.Pointer[slog.Logger]

// SetLogger configures the logger used while loading configuration. A nil
// logger restores the process default.
func SetLogger(logger *slog.Logger) {
	packageLogger.Store(logger)
}

func getLogger() *slog.Logger {
	if logger := packageLogger.Load(); logger != nil {
		return logger
	}
	return slog.Default()
}
