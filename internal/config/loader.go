package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fiasco-engine/ipc/pkg/types"
)

// envVarPattern matches ${VAR_NAME} and ${VAR_NAME:-default}
var envVarPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)(:-([^}]*))?\}`)

// interpolateEnvVars expands ${VAR} and ${VAR:-default}. An unset or empty
// variable without a default expands to nothing.
func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[3]
	})
}

func checkExtension(path string) error {
	if path == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "configuration file path cannot be empty")
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return nil
	default:
		return types.NewError(types.ErrCodeInvalidArgument,
			"configuration file must have .yaml or .yml extension, got: "+ext)
	}
}

// decodeYAML parses a whole document into cfg. Keys that match no field
// are rejected so that a misspelt setting does not silently fall back to
// its default.
func decodeYAML(data []byte, path string, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return types.NewError(types.ErrCodeInvalid, "configuration file is empty: "+path)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return types.NewError(types.ErrCodeInvalid, "configuration file contains no YAML document: "+path)
		}
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			return types.WrapError(types.ErrCodeInvalid, "YAML type error in "+path, err)
		}
		return types.WrapError(types.ErrCodeInvalid, "invalid YAML syntax in "+path, err)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file. Environment
// placeholders are expanded in the raw text, so numeric and duration
// settings can use them too. Missing fields get their defaults.
func LoadFromFile(path string) (*Config, error) {
	if err := checkExtension(path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.WrapError(types.ErrCodeNotFound, "configuration file not found: "+path, err)
		}
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to read configuration file: "+path, err)
	}

	var cfg Config
	if err := decodeYAML([]byte(interpolateEnvVars(string(data))), path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalid, "configuration validation failed for "+path, err)
	}
	return &cfg, nil
}
