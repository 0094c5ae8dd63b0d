// Package config loads the handful of settings the agent runtime core
// actually needs: provider/model aliases, token budgets, the database
// path, and the MCP config path. It follows the same struct-with-yaml-
// tags shape as a larger nested config, just narrowed to this core.
package config

import "os"

// Config is the top-level configuration for the agent runtime.
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Tokens   TokenConfig    `yaml:"tokens"`
	Database DatabaseConfig `yaml:"database"`
	MCP      MCPConfig      `yaml:"mcp"`
}

// ProviderConfig selects the model provider and its model aliases.
type ProviderConfig struct {
	Name      string `yaml:"name"`
	Reasoning string `yaml:"reasoning_model"`
	Workhorse string `yaml:"workhorse_model"`
	Fast      string `yaml:"fast_model"`
}

// TokenConfig carries the budgets the prompt assembler and compaction
// agent use.
type TokenConfig struct {
	TemporalBudget      int `yaml:"temporal_budget"`
	CompactionThreshold int `yaml:"compaction_threshold"`
	CompactionTarget    int `yaml:"compaction_target"`
}

// DatabaseConfig points at the single SQLite file backing all storage.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// MCPConfig points at an optional MCP server config file.
type MCPConfig struct {
	ConfigPath string `yaml:"config_path"`
}

// Default returns the baseline configuration used when no file or
// environment overrides are present.
func Default() Config {
	return Config{
		Provider: ProviderConfig{Name: "anthropic"},
		Tokens: TokenConfig{
			TemporalBudget:      4000,
			CompactionThreshold: 6000,
			CompactionTarget:    3000,
		},
		Database: DatabaseConfig{Path: "agentkernel.db"},
	}
}

// applyEnv overrides cfg field-by-field from environment variables,
// matching the teacher's env-override-after-yaml idiom.
func applyEnv(cfg Config) Config {
	if v, ok := os.LookupEnv("AGENT_PROVIDER"); ok {
		cfg.Provider.Name = v
	}
	if v, ok := os.LookupEnv("AGENT_MODEL_REASONING"); ok {
		cfg.Provider.Reasoning = v
	}
	if v, ok := os.LookupEnv("AGENT_MODEL_WORKHORSE"); ok {
		cfg.Provider.Workhorse = v
	}
	if v, ok := os.LookupEnv("AGENT_MODEL_FAST"); ok {
		cfg.Provider.Fast = v
	}
	if v, ok := lookupEnvInt("AGENT_TOKEN_BUDGET_TEMPORAL"); ok {
		cfg.Tokens.TemporalBudget = v
	}
	if v, ok := lookupEnvInt("AGENT_TOKEN_BUDGET_COMPACTION_THRESHOLD"); ok {
		cfg.Tokens.CompactionThreshold = v
	}
	if v, ok := lookupEnvInt("AGENT_TOKEN_BUDGET_COMPACTION_TARGET"); ok {
		cfg.Tokens.CompactionTarget = v
	}
	if v, ok := os.LookupEnv("AGENT_DB_PATH"); ok {
		cfg.Database.Path = v
	}
	if v, ok := os.LookupEnv("MIRIAD_MCP_CONFIG"); ok {
		cfg.MCP.ConfigPath = v
	}
	return cfg
}

func lookupEnvInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}
