package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "LINEGUARD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "LINEGUARD_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "ollama.enabled", typ: kBool, env: "LINEGUARD_OLLAMA_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Ollama.Enabled },
	},
	{
		key: "ollama.base_url", typ: kString, env: "LINEGUARD_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "LINEGUARD_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "LINEGUARD_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LINEGUARD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "pricefeed.enabled", typ: kBool, env: "LINEGUARD_PRICEFEED_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Pricefeed.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Pricefeed.Enabled },
	},
	{
		key: "pricefeed.base_url", typ: kString, env: "LINEGUARD_PRICEFEED_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Pricefeed.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Pricefeed.BaseURL },
	},
	{
		key: "pricefeed.timeout", typ: kString, env: "LINEGUARD_PRICEFEED_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pricefeed.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Pricefeed.Timeout },
	},
	{
		key: "scan.enabled", typ: kBool, env: "LINEGUARD_SCAN_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Scan.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Scan.Enabled },
	},
	{
		key: "scan.usage_threshold", typ: kInt, env: "LINEGUARD_SCAN_USAGE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Scan.UsageThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Scan.UsageThreshold },
	},
	{
		key: "pipeline.currency", typ: kString, env: "LINEGUARD_PIPELINE_CURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Currency = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.Currency },
	},
	{
		key: "pipeline.max_attempts", typ: kInt, env: "LINEGUARD_PIPELINE_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxAttempts },
	},
	{
		key: "pipeline.dry_run", typ: kBool, env: "LINEGUARD_PIPELINE_DRY_RUN",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.DryRun = v.(bool) },
		extract: func(cfg Config) any { return cfg.Pipeline.DryRun },
	},
	{
		key: "ingest.poll_interval", typ: kString, env: "LINEGUARD_INGEST_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Ingest.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.PollInterval },
	},
	{
		key: "log.level", typ: kString, env: "LINEGUARD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
