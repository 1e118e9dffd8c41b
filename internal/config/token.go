package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GetAPIToken returns the bearer token guarding the HTTP API. A token from
// the environment or secret store wins; otherwise a new one is generated and
// persisted so the CLI and server agree on it across restarts.
func GetAPIToken(cfg Config) (string, error) {
	return ensureToken(cfg, keychainStore{})
}

func ensureToken(cfg Config, kc keychain) (string, error) {
	if cfg.API.Token != "" {
		return cfg.API.Token, nil
	}
	if tok, err := kc.Get(keychainService, tokenAccount); err == nil && tok != "" {
		return tok, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := kc.Set(keychainService, tokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing api token: %w", err)
	}
	return tok, nil
}
