// Package config loads service configuration from a JSON config file with
// LINEGUARD_* environment overrides.
package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Pricefeed PricefeedConfig
	Scan      ScanConfig
	Pipeline  PipelineConfig
	Ingest    IngestConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
	// APIToken protects the HTTP API with bearer auth. Empty disables auth;
	// it is settable only through the environment.
	APIToken string
}

type OllamaConfig struct {
	// Enabled gates the LLM content screen; keyword heuristics take over
	// when off or unreachable.
	Enabled    bool
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type PricefeedConfig struct {
	Enabled bool
	BaseURL string
	Timeout string
}

type ScanConfig struct {
	// Enabled gates the safety scan; triggering a disabled scan fails fast.
	Enabled        bool
	UsageThreshold int
}

type PipelineConfig struct {
	Currency    string
	MaxAttempts int
	// DryRun records feedback decisions without applying band updates.
	DryRun bool
}

type IngestConfig struct {
	PollInterval string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Ollama: OllamaConfig{
			Enabled:    true,
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.2",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Pricefeed: PricefeedConfig{
			Enabled: false,
			BaseURL: "",
			Timeout: "10s",
		},
		Scan: ScanConfig{
			Enabled:        true,
			UsageThreshold: 20,
		},
		Pipeline: PipelineConfig{
			Currency:    "USD",
			MaxAttempts: 2,
		},
		Ingest: IngestConfig{
			PollInterval: "5s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file (LINEGUARD_CONFIG or
// $XDG_CONFIG_HOME/lineguard/config.json), then applies LINEGUARD_*
// environment overrides on top.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "lineguard-data"
		}
	}
	return filepath.Join(dir, "lineguard")
}

func configFilePath() string {
	if p := os.Getenv("LINEGUARD_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "lineguard", "config.json")
}
