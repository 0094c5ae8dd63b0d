package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads an optional YAML config file (os.ExpandEnv is applied to
// the raw bytes before parsing), layers it over Default(), then
// applies environment-variable overrides. An empty path skips the file
// and returns Default() with env overrides applied.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	return applyEnv(cfg), nil
}
