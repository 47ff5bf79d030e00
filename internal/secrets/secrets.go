// Package secrets resolves service secrets from Vault KV2 with
// environment and development-default fallbacks.
package secrets

import (
	"fmt"
	"os"

	"github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

// Keys under the service KV2 path. The same names double as environment
// fallback variables.
const (
	KeyPGURL      = "PG_URL"
	KeyNATSURL    = "NATS_URL"
	KeyRedisURL   = "REDIS_URL"
	KeyAuthSecret = "PORTALS_AUTH_SECRET"
	KeyMaskSecret = "PUBLIC_MASK_SECRET"
)

// SecretManager wraps the Vault API client for reading secrets.
type SecretManager struct {
	client *api.Client
}

// NewSecretManager creates a Vault client pointed at the given address
// and authenticated with the provided token.
func NewSecretManager(address, token string) (*SecretManager, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client initialization failed: %w", err)
	}
	client.SetToken(token)

	return &SecretManager{client: client}, nil
}

// GetSecret reads a secret at the given path and returns the raw data map.
// For KV v2 backends the caller must unwrap the nested "data" key.
func (s *SecretManager) GetSecret(path string) (map[string]interface{}, error) {
	secret, err := s.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no data found at %s", path)
	}
	return secret.Data, nil
}

// GetKV2 is a convenience wrapper that reads from a KV v2 backend and
// returns the inner "data" map, unwrapping the v2 envelope automatically.
func (s *SecretManager) GetKV2(path string) (map[string]interface{}, error) {
	raw, err := s.GetSecret(path)
	if err != nil {
		return nil, err
	}
	data, ok := raw["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected data format at %s", path)
	}
	return data, nil
}

// Values holds the resolved service secrets. Empty PGURL or RedisURL mean
// the corresponding integration is disabled.
type Values struct {
	PGURL      string
	NATSURL    string
	RedisURL   string
	AuthSecret string
	MaskSecret string
}

// Load resolves the service secrets. Precedence per key: Vault KV2, then
// environment, then development default. A nil manager or an unreachable
// Vault degrades to env/defaults with a warning so batch tooling works
// without a Vault deployment.
func Load(sm *SecretManager, path string, logger *zap.Logger) Values {
	data := map[string]interface{}{}
	if sm != nil {
		d, err := sm.GetKV2(path)
		if err != nil {
			logger.Warn("vault secrets unavailable, falling back to env",
				zap.String("path", path), zap.Error(err))
		} else {
			data = d
		}
	}
	return Values{
		PGURL:      resolve(data, KeyPGURL, ""),
		NATSURL:    resolve(data, KeyNATSURL, "nats://localhost:4222"),
		RedisURL:   resolve(data, KeyRedisURL, ""),
		AuthSecret: resolve(data, KeyAuthSecret, "dev-secret-change-me"),
		MaskSecret: resolve(data, KeyMaskSecret, "public-dev-secret"),
	}
}

// MaskSecretFromEnv resolves just the pseudonymisation secret, for the
// batch CLI which never talks to Vault.
func MaskSecretFromEnv() string {
	if v := os.Getenv(KeyMaskSecret); v != "" {
		return v
	}
	return "public-dev-secret"
}

func resolve(data map[string]interface{}, key, def string) string {
	if v, ok := data[key].(string); ok && v != "" {
		return v
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
