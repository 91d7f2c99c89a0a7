// Package fileloader loads the service configuration with viper: defaults,
// then an optional YAML file, then SCANLINE_* environment overrides.
package fileloader

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/ahrav/scanline/internal/config"
)

// PathEnv names the environment variable holding the config file path.
const PathEnv = config.EnvPrefix + "_CONFIG"

// FileLoader loads configuration from an optional file on disk merged with
// the environment.
type FileLoader struct {
	// path is the filesystem path to the configuration file; empty skips it.
	path string
}

// NewFileLoader creates a FileLoader for path. An empty path falls back to
// the SCANLINE_CONFIG environment variable.
func NewFileLoader(path string) *FileLoader {
	if path == "" {
		path = os.Getenv(PathEnv)
	}
	return &FileLoader{path: path}
}

var _ config.Loader = (*FileLoader)(nil)

// Load builds the configuration and validates it.
func (l *FileLoader) Load(ctx context.Context) (*config.Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	for key, val := range config.Defaults() {
		v.SetDefault(key, val)
	}

	if l.path != "" {
		v.SetConfigFile(l.path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.path, err)
		}
	}

	// AutomaticEnv only sees keys viper already knows, which the defaults
	// guarantee for every field.
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	cfg.Web.CORSAllowedOrigins = splitList(cfg.Web.CORSAllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// splitList trims entries and drops empty ones, so an unset env var yields
// an empty list rather than [""].
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
