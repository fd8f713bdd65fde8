// Package config loads scan configuration from a YAML file, the environment
// and mounted registry credential directories.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"

	"github.com/bibin-skaria/imginv/internal/errors"
	"github.com/bibin-skaria/imginv/internal/types"
)

const (
	DefaultWorkers      = 4
	DefaultOutputFormat = "json"
	DefaultPlatform     = "linux/amd64"
	DefaultMaxFileSize  = 256 << 20

	EnvWorkers           = "IMGINV_WORKERS"
	EnvTmpDir            = "IMGINV_TMPDIR"
	EnvPlatform          = "IMGINV_PLATFORM"
	EnvOutput            = "IMGINV_OUTPUT"
	EnvRegistryConfig    = "IMGINV_REGISTRY_CONFIG"
	EnvRegistrySecretDir = "IMGINV_REGISTRY_SECRET_DIR"
	EnvLogLevel          = "LOG_LEVEL"
	EnvLogFormat         = "LOG_FORMAT"
)

// Loader reads configuration through fs and looks variables up with getenv
type Loader struct {
	fs     afero.Fs
	getenv func(string) string
}

func NewLoader() *Loader {
	return &Loader{fs: afero.NewOsFs(), getenv: os.Getenv}
}

func NewLoaderWithFs(fs afero.Fs, getenv func(string) string) *Loader {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	return &Loader{fs: fs, getenv: getenv}
}

// Load reads path (optional), applies environment overrides and fills defaults
func (l *Loader) Load(path string) (*types.ScanConfig, error) {
	cfg := &types.ScanConfig{}
	if path != "" {
		data, err := afero.ReadFile(l.fs, path)
		if err != nil {
			return nil, errors.NewConfigurationError("load_config", fmt.Sprintf("failed to read config file %s", path), err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.NewConfigurationError("load_config", fmt.Sprintf("failed to parse config file %s", path), err)
		}
	}

	if err := l.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any configuration variables that are set
func (l *Loader) ApplyEnv(cfg *types.ScanConfig) error {
	if v := l.getenv(EnvWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.NewConfigurationError("load_config", fmt.Sprintf("%s must be an integer, got %q", EnvWorkers, v), err)
		}
		cfg.Workers = n
	}
	if v := l.getenv(EnvTmpDir); v != "" {
		cfg.TmpDir = v
	}
	if v := l.getenv(EnvPlatform); v != "" {
		cfg.Platform = v
	}
	if v := l.getenv(EnvOutput); v != "" {
		cfg.OutputFormat = v
	}
	if v := l.getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := l.getenv(EnvLogFormat); v != "" {
		cfg.LogFormat = v
	}

	if path := l.getenv(EnvRegistryConfig); path != "" {
		data, err := afero.ReadFile(l.fs, path)
		if err != nil {
			return errors.NewConfigurationError("load_registry_config", fmt.Sprintf("failed to read %s", path), err)
		}
		if err := ParseRegistryConfig(data, registryConfig(cfg)); err != nil {
			return err
		}
	}
	if dir := l.getenv(EnvRegistrySecretDir); dir != "" {
		if err := l.LoadRegistrySecretDir(dir, registryConfig(cfg)); err != nil {
			return err
		}
	}
	return nil
}

func registryConfig(cfg *types.ScanConfig) *types.RegistryConfig {
	if cfg.Registry == nil {
		cfg.Registry = &types.RegistryConfig{}
	}
	if cfg.Registry.Registries == nil {
		cfg.Registry.Registries = make(map[string]types.RegistryAuth)
	}
	if cfg.Registry.Mirrors == nil {
		cfg.Registry.Mirrors = make(map[string][]string)
	}
	return cfg.Registry
}

// ParseRegistryConfig merges a registry configuration document into registryConfig
func ParseRegistryConfig(data []byte, registryConfig *types.RegistryConfig) error {
	var doc types.RegistryConfig
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.NewConfigurationError("load_registry_config", "failed to parse registry config", err)
	}

	if doc.DefaultRegistry != "" {
		registryConfig.DefaultRegistry = doc.DefaultRegistry
	}
	for registry, auth := range doc.Registries {
		registryConfig.Registries[registry] = auth
	}
	if len(doc.Insecure) > 0 {
		registryConfig.Insecure = append(registryConfig.Insecure, doc.Insecure...)
	}
	for registry, mirrors := range doc.Mirrors {
		registryConfig.Mirrors[registry] = mirrors
	}
	return nil
}

// LoadRegistrySecretDir reads credentials mounted as one file per field
// (registry, username, password, token). A missing directory is not an error.
func (l *Loader) LoadRegistrySecretDir(dir string, registryConfig *types.RegistryConfig) error {
	exists, err := afero.DirExists(l.fs, dir)
	if err != nil || !exists {
		return nil
	}

	files, err := afero.ReadDir(l.fs, dir)
	if err != nil {
		return errors.NewConfigurationError("load_registry_secret", fmt.Sprintf("failed to list %s", dir), err)
	}

	var registry string
	var auth types.RegistryAuth
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		data, err := afero.ReadFile(l.fs, filepath.Join(dir, file.Name()))
		if err != nil {
			return errors.NewConfigurationError("load_registry_secret", fmt.Sprintf("failed to read %s", file.Name()), err)
		}
		value := strings.TrimSpace(string(data))
		switch file.Name() {
		case "registry":
			registry = value
		case "username":
			auth.Username = value
		case "password":
			auth.Password = value
		case "token":
			auth.Token = value
		}
	}

	if registry != "" && (auth.Username != "" || auth.Token != "") {
		registryConfig.Registries[registry] = auth
	}
	return nil
}

func ApplyDefaults(cfg *types.ScanConfig) {
	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = DefaultOutputFormat
	}
	if cfg.Platform == "" {
		cfg.Platform = DefaultPlatform
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.TmpDir == "" {
		cfg.TmpDir = os.TempDir()
	}
}

func Validate(cfg *types.ScanConfig) error {
	if cfg.Workers < 1 {
		return errors.NewConfigurationError("validate_config", fmt.Sprintf("workers must be at least 1, got %d", cfg.Workers), nil)
	}
	if cfg.MaxFileSize < 0 {
		return errors.NewConfigurationError("validate_config", "max_file_size cannot be negative", nil)
	}
	if cfg.ImageType != "" {
		if _, err := types.ParseImageType(string(cfg.ImageType)); err != nil {
			return errors.NewConfigurationError("validate_config", err.Error(), err)
		}
	}
	if p := strings.Split(cfg.Platform, "/"); len(p) < 2 || p[0] == "" || p[1] == "" {
		return errors.NewConfigurationError("validate_config", fmt.Sprintf("platform must be os/arch[/variant], got %q", cfg.Platform), nil)
	}
	return nil
}
