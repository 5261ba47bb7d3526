package router

import (
	"fmt"
	"os"
	"strings"
)

// SecretSource resolves credential secrets by key_id. Secret values must
// never be logged; use MaskKey for any diagnostic output.
type SecretSource interface {
	Secret(keyID string) (string, error)
}

// EnvSource reads secrets from environment variables named
// <prefix><KEY_ID>, with the key_id uppercased and dashes mapped to
// underscores.
type EnvSource struct {
	Prefix string
}

// NewEnvSource creates an environment-backed source. An empty prefix
// defaults to CONDUCTOR_KEY_.
func NewEnvSource(prefix string) *EnvSource {
	if prefix == "" {
		prefix = "CONDUCTOR_KEY_"
	}
	return &EnvSource{Prefix: prefix}
}

func (s *EnvSource) Secret(keyID string) (string, error) {
	name := s.Prefix + strings.ToUpper(strings.ReplaceAll(keyID, "-", "_"))
	value := os.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("secret for key %s not found in environment", keyID)
	}
	return value, nil
}

// StaticSource serves secrets from a fixed map. Test and development use.
type StaticSource map[string]string

func (s StaticSource) Secret(keyID string) (string, error) {
	value, ok := s[keyID]
	if !ok || value == "" {
		return "", fmt.Errorf("secret for key %s not configured", keyID)
	}
	return value, nil
}

// MaskKey renders a secret safe for logs: first four characters, then
// asterisks. Short secrets are fully masked.
func MaskKey(secret string) string {
	if len(secret) <= 8 {
		return "********"
	}
	return secret[:4] + "****"
}
