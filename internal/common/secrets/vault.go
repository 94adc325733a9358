package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultProvider stores secrets in a HashiCorp Vault KV v2 engine. Each
// key becomes one secret holding its value under the "value" field.
type VaultProvider struct {
	client *vault.Client
	mount  string
	base   string
}

// NewVaultProvider connects to the Vault at cfg.VaultAddr. The
// configured path names the KV v2 mount and the folder beneath it;
// "secret/data/flowcatalyst" and "secret/flowcatalyst" both mean mount
// "secret", folder "flowcatalyst".
func NewVaultProvider(cfg *Config) (*VaultProvider, error) {
	if cfg.VaultAddr == "" {
		return nil, fmt.Errorf("vault provider: address is required")
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.VaultAddr

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("create Vault client: %w", err)
	}
	if cfg.VaultToken != "" {
		client.SetToken(cfg.VaultToken)
	}
	if cfg.VaultNamespace != "" {
		client.SetNamespace(cfg.VaultNamespace)
	}

	mount, base := splitKVPath(cfg.VaultPath)
	return &VaultProvider{
		client: client,
		mount:  mount,
		base:   base,
	}, nil
}

// splitKVPath separates the engine mount from the folder inside it.
// The "data/" segment KV v2 injects into API paths is stripped because
// the client library adds it back.
func splitKVPath(path string) (mount, base string) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "secret", "flowcatalyst"
	}

	if i := strings.Index(path, "/data/"); i >= 0 {
		return path[:i], path[i+len("/data/"):]
	}
	if mount, base, ok := strings.Cut(path, "/"); ok {
		return mount, base
	}
	return path, ""
}

func (p *VaultProvider) secretPath(key string) string {
	if p.base == "" {
		return key
	}
	return p.base + "/" + key
}

func (p *VaultProvider) Get(ctx context.Context, key string) (string, error) {
	secret, err := p.client.KVv2(p.mount).Get(ctx, p.secretPath(key))
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("vault get %q: %w", key, err)
	}
	if secret == nil || secret.Data == nil {
		return "", ErrNotFound
	}

	value, ok := secret.Data["value"].(string)
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (p *VaultProvider) Set(ctx context.Context, key, value string) error {
	_, err := p.client.KVv2(p.mount).Put(ctx, p.secretPath(key), map[string]interface{}{
		"value": value,
	})
	if err != nil {
		return fmt.Errorf("vault put %q: %w", key, err)
	}
	return nil
}

// Delete removes the secret's metadata, which destroys all versions.
func (p *VaultProvider) Delete(ctx context.Context, key string) error {
	err := p.client.KVv2(p.mount).DeleteMetadata(ctx, p.secretPath(key))
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("vault delete %q: %w", key, err)
	}
	return nil
}

func (p *VaultProvider) Name() string {
	return "vault"
}
