package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
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
		key: "server.port", typ: kInt, env: "WFSTUDIO_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "agent.command", typ: kString, env: "WFSTUDIO_AGENT_COMMAND",
		apply:   func(cfg *Config, v any) { cfg.Agent.Command = v.(string) },
		extract: func(cfg Config) any { return cfg.Agent.Command },
	},
	{
		key: "agent.args", typ: kString, env: "WFSTUDIO_AGENT_ARGS",
		apply:   func(cfg *Config, v any) { cfg.Agent.Args = v.(string) },
		extract: func(cfg Config) any { return cfg.Agent.Args },
	},
	{
		key: "agent.grace_period", typ: kDuration, env: "WFSTUDIO_AGENT_GRACE_PERIOD",
		apply:   func(cfg *Config, v any) { cfg.Agent.GracePeriod = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Agent.GracePeriod },
	},
	{
		key: "refine.timeout", typ: kDuration, env: "WFSTUDIO_REFINE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Refine.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Refine.Timeout },
	},
	{
		key: "refine.max_iterations", typ: kInt, env: "WFSTUDIO_REFINE_MAX_ITERATIONS",
		apply:   func(cfg *Config, v any) { cfg.Refine.MaxIterations = v.(int) },
		extract: func(cfg Config) any { return cfg.Refine.MaxIterations },
	},
	{
		key: "refine.max_skills", typ: kInt, env: "WFSTUDIO_REFINE_MAX_SKILLS",
		apply:   func(cfg *Config, v any) { cfg.Refine.MaxSkills = v.(int) },
		extract: func(cfg Config) any { return cfg.Refine.MaxSkills },
	},
	{
		key: "skills.user_dir", typ: kString, env: "WFSTUDIO_SKILLS_USER_DIR",
		apply:   func(cfg *Config, v any) { cfg.Skills.UserDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Skills.UserDir },
	},
	{
		key: "skills.project_dir", typ: kString, env: "WFSTUDIO_SKILLS_PROJECT_DIR",
		apply:   func(cfg *Config, v any) { cfg.Skills.ProjectDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Skills.ProjectDir },
	},
	{
		key: "skills.cache_ttl", typ: kDuration, env: "WFSTUDIO_SKILLS_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Skills.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Skills.CacheTTL },
	},
	{
		key: "storage.data_dir", typ: kString, env: "WFSTUDIO_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "WFSTUDIO_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "api.rate_limit", typ: kInt, env: "WFSTUDIO_API_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.API.RateLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.API.RateLimit },
	},
	{
		key: "api.token", typ: kString, env: "WFSTUDIO_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
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
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
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
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
