package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton.
// Should be called once at application startup.
func Initialize() error {
	v = viper.New()

	// Set config type to yaml (we only load config.yaml, not config.json)
	v.SetConfigType("yaml")

	// Explicitly locate config.yaml and use SetConfigFile so nothing
	// else on the search path gets picked up.
	// Precedence: project .loom/config.yaml > ~/.config/loom/config.yaml > ~/.loom/config.yaml
	configFileSet := false

	// 1. Walk up from CWD to find project .loom/config.yaml
	//    This allows commands to work from subdirectories
	cwd, err := os.Getwd()
	if err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".loom", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}

	// 2. User config directory (~/.config/loom/config.yaml)
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "loom", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// 3. Home directory (~/.loom/config.yaml)
	if !configFileSet {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configPath := filepath.Join(homeDir, ".loom", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Automatic environment variable binding.
	// Environment variables take precedence over config file.
	// E.g., LOOM_DB, LOOM_LISTEN, LOOM_LEASE_TTL
	v.SetEnvPrefix("LOOM")

	// Replace hyphens and dots with underscores for env var mapping
	// so LOOM_LEASE_TTL maps to the "lease-ttl" config key.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Server defaults
	v.SetDefault("db", "")
	v.SetDefault("listen", "127.0.0.1:7411")
	v.SetDefault("log-file", "")
	v.SetDefault("log-max-size-mb", 50)
	v.SetDefault("log-max-backups", 3)

	// Concurrency knobs
	v.SetDefault("lease-ttl", "120s")
	v.SetDefault("lock-timeout", "3s")
	v.SetDefault("busy-wait", "10s")

	// Context assembly knobs
	v.SetDefault("history-limit", 40)
	v.SetDefault("token-limit", 8000)
	v.SetDefault("merge-summary-role", "assistant")

	// Provider keys come from the vendors' conventional env vars; the
	// prefixed forms work too.
	_ = v.BindEnv("anthropic-api-key", "ANTHROPIC_API_KEY", "LOOM_ANTHROPIC_API_KEY")
	_ = v.BindEnv("openai-api-key", "OPENAI_API_KEY", "LOOM_OPENAI_API_KEY")
	_ = v.BindEnv("gemini-api-key", "GEMINI_API_KEY", "LOOM_GEMINI_API_KEY")
	v.SetDefault("anthropic-api-key", "")
	v.SetDefault("openai-api-key", "")
	v.SetDefault("gemini-api-key", "")

	// Read config file if it was found
	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// ConfigSource represents where a configuration value came from
type ConfigSource string

const (
	SourceDefault    ConfigSource = "default"
	SourceConfigFile ConfigSource = "config_file"
	SourceEnvVar     ConfigSource = "env_var"
	SourceFlag       ConfigSource = "flag"
)

// GetValueSource returns the source of a configuration value.
// Priority (highest to lowest): env var > config file > default.
// Flag overrides are handled separately since viper doesn't know about
// cobra flags.
func GetValueSource(key string) ConfigSource {
	if v == nil {
		return SourceDefault
	}

	envKey := "LOOM_" + strings.ToUpper(strings.ReplaceAll(strings.ReplaceAll(key, "-", "_"), ".", "_"))
	if os.Getenv(envKey) != "" {
		return SourceEnvVar
	}

	if v.InConfig(key) {
		return SourceConfigFile
	}

	return SourceDefault
}

// GetString retrieves a string configuration value
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set sets a configuration value
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// AllSettings returns all configuration settings as a map
func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}

// LeaseTTL returns the configured lease TTL with the 10s floor applied.
func LeaseTTL() time.Duration {
	ttl := GetDuration("lease-ttl")
	if ttl < 10*time.Second {
		ttl = 10 * time.Second
	}
	return ttl
}

// LockTimeout returns the ref-row lock timeout.
func LockTimeout() time.Duration {
	timeout := GetDuration("lock-timeout")
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return timeout
}

// HistoryLimit returns the default history page size.
func HistoryLimit() int {
	limit := GetInt("history-limit")
	if limit <= 0 {
		limit = 40
	}
	return limit
}

// TokenLimit returns the context token budget.
func TokenLimit() int {
	limit := GetInt("token-limit")
	if limit <= 0 {
		limit = 8000
	}
	return limit
}

// MergeSummaryRole returns the attribution role for merge summaries,
// "user" or "assistant". Anything else falls back to assistant.
func MergeSummaryRole() string {
	role := GetString("merge-summary-role")
	if role != "user" && role != "assistant" {
		role = "assistant"
	}
	return role
}
