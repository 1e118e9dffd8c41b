package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// mapBackend is an in-memory ConfigBackend.
type mapBackend struct {
	data map[string]any
}

func newMapBackend(kv map[string]any) *mapBackend {
	if kv == nil {
		kv = map[string]any{}
	}
	return &mapBackend{data: kv}
}

func (m *mapBackend) GetString(key string) (string, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	s, _ := v.(string)
	return s, true, nil
}

func (m *mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return 0, false, nil
	}
	i, ok := v.(int)
	if !ok {
		return 0, true, errors.New("not an int")
	}
	return i, true, nil
}

func (m *mapBackend) SetString(key, val string) error  { m.data[key] = val; return nil }
func (m *mapBackend) SetInt(key string, val int) error { m.data[key] = val; return nil }
func (m *mapBackend) Delete(key string) error          { delete(m.data, key); return nil }

// mockKeychain is a test double for the keychain interface.
type mockKeychain struct {
	value  string
	err    error
	stored map[string]string
}

func (m *mockKeychain) Get(service, account string) (string, error) {
	if v, ok := m.stored[service+"/"+account]; ok {
		return v, nil
	}
	return m.value, m.err
}

func (m *mockKeychain) Set(service, account, value string) error {
	if m.stored == nil {
		m.stored = map[string]string{}
	}
	m.stored[service+"/"+account] = value
	return nil
}

func TestDefaults(t *testing.T) {
	cfg, err := loadWith(newMapBackend(nil), &mockKeychain{err: errors.New("none")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Agent.Command != "claude" {
		t.Errorf("Agent.Command = %q, want %q", cfg.Agent.Command, "claude")
	}
	if got := cfg.Agent.ArgList(); len(got) != 1 || got[0] != "-p" {
		t.Errorf("Agent.ArgList() = %v, want [-p]", got)
	}
	if cfg.Agent.GracePeriod != 500*time.Millisecond {
		t.Errorf("Agent.GracePeriod = %v, want 500ms", cfg.Agent.GracePeriod)
	}
	if cfg.Refine.Timeout != DefaultRefineTimeout {
		t.Errorf("Refine.Timeout = %v, want %v", cfg.Refine.Timeout, DefaultRefineTimeout)
	}
	if cfg.Refine.MaxIterations != 20 {
		t.Errorf("Refine.MaxIterations = %d, want 20", cfg.Refine.MaxIterations)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if cfg.API.Token != "" {
		t.Errorf("API.Token = %q, want empty", cfg.API.Token)
	}
}

func TestBackendValues(t *testing.T) {
	b := newMapBackend(map[string]any{
		"server.port":           5000,
		"agent.command":         "/opt/bin/agent",
		"agent.args":            "--print --quiet",
		"refine.timeout":        "2m",
		"refine.max_iterations": 5,
		"skills.project_dir":    "/tmp/skills",
	})

	cfg, err := loadWith(b, &mockKeychain{err: errors.New("none")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Agent.Command != "/opt/bin/agent" {
		t.Errorf("Agent.Command = %q", cfg.Agent.Command)
	}
	if got := cfg.Agent.ArgList(); len(got) != 2 || got[1] != "--quiet" {
		t.Errorf("Agent.ArgList() = %v", got)
	}
	if cfg.Refine.Timeout != 2*time.Minute {
		t.Errorf("Refine.Timeout = %v", cfg.Refine.Timeout)
	}
	if cfg.Refine.MaxIterations != 5 {
		t.Errorf("Refine.MaxIterations = %d", cfg.Refine.MaxIterations)
	}
	if cfg.Skills.ProjectDir != "/tmp/skills" {
		t.Errorf("Skills.ProjectDir = %q", cfg.Skills.ProjectDir)
	}
}

func TestEnvOverride(t *testing.T) {
	b := newMapBackend(map[string]any{"refine.timeout": "2m", "server.port": 5000})

	t.Setenv("WFSTUDIO_REFINE_TIMEOUT", "45s")
	t.Setenv("WFSTUDIO_SERVER_PORT", "6000")
	t.Setenv("WFSTUDIO_API_TOKEN", "env-token")

	cfg, err := loadWith(b, &mockKeychain{value: "keychain-token"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Refine.Timeout != 45*time.Second {
		t.Errorf("Refine.Timeout = %v, want 45s", cfg.Refine.Timeout)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.API.Token != "env-token" {
		t.Errorf("API.Token = %q, want env-token", cfg.API.Token)
	}
}

func TestInvalidEnvKeepsDefault(t *testing.T) {
	t.Setenv("WFSTUDIO_REFINE_TIMEOUT", "soon")

	cfg, err := loadWith(newMapBackend(nil), &mockKeychain{err: errors.New("none")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Refine.Timeout != DefaultRefineTimeout {
		t.Errorf("Refine.Timeout = %v, want default", cfg.Refine.Timeout)
	}
}

func TestKeychainFallback(t *testing.T) {
	t.Setenv("WFSTUDIO_API_TOKEN", "")

	cfg, err := loadWith(newMapBackend(nil), &mockKeychain{value: "keychain-secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.API.Token != "keychain-secret" {
		t.Errorf("API.Token = %q, want %q", cfg.API.Token, "keychain-secret")
	}
}

func TestValidationErrors(t *testing.T) {
	b := newMapBackend(map[string]any{
		"agent.command":         "",
		"refine.max_iterations": 0,
	})

	_, err := loadWith(b, &mockKeychain{err: errors.New("none")})
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	for _, want := range []string{"agent.command", "refine.max_iterations"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %q, want it to mention %q", err, want)
		}
	}
}

func TestEnsureTokenGeneratesOnce(t *testing.T) {
	kc := &mockKeychain{err: errors.New("none")}

	first, err := ensureToken(Config{}, kc)
	if err != nil {
		t.Fatalf("ensureToken: %v", err)
	}
	if len(first) != 64 {
		t.Errorf("token length = %d, want 64", len(first))
	}

	second, err := ensureToken(Config{}, kc)
	if err != nil {
		t.Fatalf("ensureToken: %v", err)
	}
	if first != second {
		t.Errorf("second call generated a new token: %q != %q", second, first)
	}

	cfg := Config{API: APIConfig{Token: "explicit"}}
	if got, _ := ensureToken(cfg, kc); got != "explicit" {
		t.Errorf("ensureToken with configured token = %q", got)
	}
}

func TestSetKey(t *testing.T) {
	b := newMapBackend(nil)

	if err := setKey(b, "refine.max_iterations", "12"); err != nil {
		t.Fatalf("setKey int: %v", err)
	}
	if b.data["refine.max_iterations"] != 12 {
		t.Errorf("stored = %v, want 12", b.data["refine.max_iterations"])
	}
	if err := setKey(b, "refine.timeout", "3m"); err != nil {
		t.Fatalf("setKey duration: %v", err)
	}
	if err := setKey(b, "refine.timeout", "later"); err == nil {
		t.Error("expected error for invalid duration")
	}
	if err := setKey(b, "api.token", "x"); err == nil {
		t.Error("expected error for secret key")
	}
	if err := setKey(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.API.Token = "hidden"
	for _, ki := range ShowAll(cfg) {
		if ki.Key == "api.token" || ki.Value == "hidden" {
			t.Fatalf("ShowAll exposed secret: %+v", ki)
		}
	}
	if len(ValidKeys()) != len(specs)-1 {
		t.Errorf("ValidKeys() = %d keys, want %d", len(ValidKeys()), len(specs)-1)
	}
}
