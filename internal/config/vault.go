package config

import (
	"fmt"

	"github.com/hashicorp/vault/api"
)

// SecretManager reads configuration secrets from Vault.
type SecretManager struct {
	client *api.Client
}

// NewSecretManager connects to Vault at address using token auth.
func NewSecretManager(address, token string) (*SecretManager, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(token)
	return &SecretManager{client: client}, nil
}

// GetKV2 reads a KV v2 secret and returns the inner data map, unwrapping the
// v2 {"data": {"data": ...}} envelope.
func (s *SecretManager) GetKV2(path string) (map[string]any, error) {
	secret, err := s.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secret data at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("secret at %s is not a KV v2 payload", path)
	}
	return data, nil
}
