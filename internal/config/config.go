package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultRefineTimeout is the single budget applied to every agent
// invocation unless refine.timeout overrides it. First attempts and retries
// both read it from Config, never from a local constant.
const DefaultRefineTimeout = 90 * time.Second

type Config struct {
	Server  ServerConfig
	Agent   AgentConfig
	Refine  RefineConfig
	Skills  SkillsConfig
	Storage StorageConfig
	Log     LogConfig
	API     APIConfig
}

type ServerConfig struct {
	Port int
}

type AgentConfig struct {
	Command     string
	Args        string
	GracePeriod time.Duration
}

// ArgList splits Args on whitespace.
func (a AgentConfig) ArgList() []string {
	return strings.Fields(a.Args)
}

type RefineConfig struct {
	Timeout       time.Duration
	MaxIterations int
	MaxSkills     int
}

type SkillsConfig struct {
	UserDir    string
	ProjectDir string
	CacheTTL   time.Duration
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type APIConfig struct {
	Token     string
	RateLimit int
}

// appName names the per-user config, data and secret locations.
const appName = "wfstudio"

func defaultDataDir() string {
	if base := platformDataDir(); base != "" {
		return filepath.Join(base, appName)
	}
	return appName + "-data"
}

// defaultUserSkillsDir is where the agent keeps user-scoped skills.
func defaultUserSkillsDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".claude", "skills")
	}
	return ""
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Agent: AgentConfig{
			Command:     "claude",
			Args:        "-p",
			GracePeriod: 500 * time.Millisecond,
		},
		Refine: RefineConfig{
			Timeout:       DefaultRefineTimeout,
			MaxIterations: 20,
			MaxSkills:     20,
		},
		Skills: SkillsConfig{
			UserDir:    defaultUserSkillsDir(),
			ProjectDir: ".claude/skills",
			CacheTTL:   time.Minute,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		API: APIConfig{
			RateLimit: 30,
		},
	}
}

// Load reads configuration from a local .env file, the platform-native
// backend, environment variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.wfstudio.app) and the
// API token lives in the login Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/wfstudio/config.json
// and the token lives in $XDG_DATA_HOME/wfstudio/secrets.json.
//
// Environment variables (WFSTUDIO_*) override backend values on all platforms.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("could not parse .env file", "error", err)
	}
	return loadWith(newPlatformBackend(), keychainStore{})
}

// keychain abstracts the platform secret store for testing.
type keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.API.Token == "" {
		if tok, err := kc.Get(keychainService, tokenAccount); err == nil && tok != "" {
			cfg.API.Token = tok
		}
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	var errs []error
	if cfg.Agent.Command == "" {
		errs = append(errs, errors.New("agent.command must not be empty"))
	}
	if cfg.Refine.Timeout <= 0 {
		errs = append(errs, errors.New("refine.timeout must be positive"))
	}
	if cfg.Refine.MaxIterations <= 0 {
		errs = append(errs, errors.New("refine.max_iterations must be positive"))
	}
	if cfg.Agent.GracePeriod < 0 {
		errs = append(errs, errors.New("agent.grace_period must not be negative"))
	}
	return errors.Join(errs...)
}

const (
	keychainService = appName
	tokenAccount    = "api_token"
)

// keychainStore reads and writes the platform secret store.
type keychainStore struct{}

func (keychainStore) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (keychainStore) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}
