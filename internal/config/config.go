package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Database Database `toml:"database"`
	Budget   Budget   `toml:"budget"`
	Engine   Engine   `toml:"engine"`
	Observer Observer `toml:"observer"`
}

type Database struct {
	// Path is the SQLite event log file. "postgres" deployments set URL
	// instead and leave Path empty.
	Path string `toml:"path"`
	URL  string `toml:"url"`
}

type Budget struct {
	MaxTokens         int64 `toml:"max_tokens"`
	MaxToolCalls      int   `toml:"max_tool_calls"`
	MaxTimeSeconds    int   `toml:"max_time_seconds"`
	MaxRecursionDepth int   `toml:"max_recursion_depth"`
	MaxParallel       int   `toml:"max_parallel"`
}

type Engine struct {
	MaxParallel          int `toml:"max_parallel"`
	AgentMaxSteps        int `toml:"agent_max_steps"`
	RLMMaxIterations     int `toml:"rlm_max_iterations"`
	MaxConsecutiveErrors int `toml:"max_consecutive_errors"`
}

type Observer struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Database: Database{Path: "kiln.db"},
		Budget: Budget{
			MaxTokens:         100000,
			MaxToolCalls:      50,
			MaxTimeSeconds:    300,
			MaxRecursionDepth: 3,
			MaxParallel:       4,
		},
		Engine: Engine{
			MaxParallel:          4,
			AgentMaxSteps:        15,
			RLMMaxIterations:     10,
			MaxConsecutiveErrors: 3,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "kiln.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("KILN_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("KILN_DB_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("KILN_MAX_TOKENS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Budget.MaxTokens = n
		}
	}
	if v := os.Getenv("KILN_OBSERVER_ENABLED"); v != "" {
		cfg.Observer.Enabled = v == "true" || v == "1"
	}

	return cfg
}
