// Package config resolves the engine's environment-variable surface into
// a typed Config, optionally overlaid on a yaml file.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the flat configuration surface the engine recognizes.
type Config struct {
	Workspace string `yaml:"workspace"`

	LocalDBURL    string `yaml:"local_db_url"`
	EmbedURL      string `yaml:"embed_url"`
	LocalModelID  string `yaml:"local_model_id"`

	RemoteDBURL      string `yaml:"remote_db_url"`
	RemoteNamespace  string `yaml:"remote_namespace"`
	RemoteThreshold  int    `yaml:"remote_threshold"`
	RemoteEmbedURL   string `yaml:"remote_embed_url"`
	RemoteModelID    string `yaml:"remote_model_id"`

	AllowlistEnabled     bool `yaml:"allowlist_enabled"`
	RemoteFallbackEnabled bool `yaml:"remote_fallback_enabled"`

	EvalMinRecallPct int `yaml:"eval_min_recall_pct"`
}

// Default returns the baseline configuration before any overlay or
// environment override is applied.
func Default() Config {
	return Config{
		RemoteThreshold:  3,
		AllowlistEnabled: true,
		EvalMinRecallPct: 0,
	}
}

// Load builds a Config starting from Default, overlaid by an optional
// yaml file at overlayPath (ignored if absent), then by HM_-prefixed
// environment variables, which always win.
func Load(overlayPath string) (Config, error) {
	cfg := Default()

	if overlayPath != "" {
		if data, err := os.ReadFile(overlayPath); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		} else if !os.IsNotExist(err) {
			return cfg, err
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Workspace = envOrDefault("HM_WORKSPACE", cfg.Workspace)
	cfg.LocalDBURL = envOrDefault("HM_LOCAL_DB_URL", cfg.LocalDBURL)
	cfg.EmbedURL = envOrDefault("HM_EMBED_URL", cfg.EmbedURL)
	cfg.LocalModelID = envOrDefault("HM_LOCAL_MODEL_ID", cfg.LocalModelID)
	cfg.RemoteDBURL = envOrDefault("HM_REMOTE_DB_URL", cfg.RemoteDBURL)
	cfg.RemoteNamespace = envOrDefault("HM_REMOTE_NAMESPACE", cfg.RemoteNamespace)
	cfg.RemoteThreshold = envIntOrDefault("HM_REMOTE_THRESHOLD", cfg.RemoteThreshold)
	cfg.RemoteEmbedURL = envOrDefault("HM_REMOTE_EMBED_URL", cfg.RemoteEmbedURL)
	cfg.RemoteModelID = envOrDefault("HM_REMOTE_MODEL_ID", cfg.RemoteModelID)
	cfg.AllowlistEnabled = envBoolOrDefault("HM_ALLOWLIST", cfg.AllowlistEnabled)
	cfg.RemoteFallbackEnabled = envBoolOrDefault("HM_REMOTE_FALLBACK", cfg.RemoteFallbackEnabled)
	cfg.EvalMinRecallPct = envIntOrDefault("HM_EVAL_MIN_RECALL_PCT", cfg.EvalMinRecallPct)
}

func envOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBoolOrDefault(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
