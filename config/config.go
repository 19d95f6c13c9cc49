// Package config loads evaluation settings from ~/.qbit/settings.toml with
// environment variable overrides. Precedence, highest first:
//
//  1. Environment variables (QBIT_CLI_PATH, QBIT_SERVER_PATH, QBIT_EVAL_MODEL,
//     GEMINI_API_KEY, RUN_API_TESTS, VERBOSE)
//  2. The [eval] table of settings.toml
//  3. Built-in defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// DefaultEvalModel grades responses when settings name no other model.
	DefaultEvalModel = "gemini-2.0-flash"

	settingsDir  = ".qbit"
	settingsName = "settings"
)

// Eval holds the knobs for LLM-graded scoring.
type Eval struct {
	Model       string
	AgentModel  string
	Temperature float64
	APIKey      string
}

// Config is the loaded evaluation configuration.
type Config struct {
	Eval Eval

	// CLIPath is the qbit binary used for one-shot CLI runs.
	CLIPath string
	// ServerPath is the qbit binary used for `serve`; defaults to CLIPath.
	ServerPath string
	// SidecarDBPath is the agent's sidecar observability database.
	SidecarDBPath string
}

// Load reads settings.toml (if present) and applies env overrides. A missing
// settings file is not an error; defaults and env cover everything.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName(settingsName)
	v.SetConfigType("toml")

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	qbitDir := filepath.Join(home, settingsDir)
	v.AddConfigPath(qbitDir)

	v.SetDefault("eval.model", DefaultEvalModel)
	v.SetDefault("eval.temperature", 0.0)

	v.BindEnv("eval.model", "QBIT_EVAL_MODEL")
	v.BindEnv("eval.api_key", "GEMINI_API_KEY")
	v.BindEnv("cli_path", "QBIT_CLI_PATH")
	v.BindEnv("server_path", "QBIT_SERVER_PATH")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read settings: %w", err)
		}
	}

	cfg := &Config{
		Eval: Eval{
			Model:       v.GetString("eval.model"),
			AgentModel:  v.GetString("eval.agent_model"),
			Temperature: v.GetFloat64("eval.temperature"),
			APIKey:      v.GetString("eval.api_key"),
		},
		CLIPath:       v.GetString("cli_path"),
		ServerPath:    v.GetString("server_path"),
		SidecarDBPath: v.GetString("sidecar_db_path"),
	}
	if cfg.CLIPath == "" {
		cfg.CLIPath = defaultBinaryPath(qbitDir)
	}
	if cfg.ServerPath == "" {
		cfg.ServerPath = cfg.CLIPath
	}
	if cfg.SidecarDBPath == "" {
		cfg.SidecarDBPath = filepath.Join(qbitDir, "sidecar", "sidecar.db")
	}
	return cfg, nil
}

// defaultBinaryPath prefers an installed qbit, falling back to a sibling
// debug build for repo-local development.
func defaultBinaryPath(qbitDir string) string {
	installed := filepath.Join(qbitDir, "bin", "qbit")
	if _, err := os.Stat(installed); err == nil {
		return installed
	}
	return filepath.Join("..", "target", "debug", "qbit")
}

// Verbose reports whether VERBOSE is set to a truthy value.
func Verbose() bool {
	return truthy(os.Getenv("VERBOSE"))
}

// APITestsEnabled reports whether live LLM-graded tests may run.
func APITestsEnabled() bool {
	return truthy(os.Getenv("RUN_API_TESTS"))
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
