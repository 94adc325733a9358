// Package secrets resolves sensitive configuration values through a
// pluggable backend. Config fields may carry a literal value or a
// secret://<key> reference; references are resolved once at load time
// so the rest of the process never touches the backend.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrNotFound is returned when the backend has no value for a key.
	ErrNotFound = errors.New("secret not found")

	// ErrInvalidKey is returned when an encryption key cannot be used.
	ErrInvalidKey = errors.New("invalid encryption key")

	// ErrReadOnly is returned by providers that cannot store secrets.
	ErrReadOnly = errors.New("provider is read-only")
)

// Provider is a secret storage backend.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error

	// Name identifies the backend in logs.
	Name() string
}

// ProviderType selects a backend implementation.
type ProviderType string

const (
	ProviderTypeEnv       ProviderType = "env"
	ProviderTypeEncrypted ProviderType = "encrypted"
	ProviderTypeAWSSM     ProviderType = "aws-sm"
	ProviderTypeVault     ProviderType = "vault"
	ProviderTypeGCPSM     ProviderType = "gcp-sm"
)

// Config selects and parameterizes a backend. The toml tags line up
// with the [secrets] section of the config file.
type Config struct {
	Provider ProviderType `json:"provider" toml:"provider"`

	// Encrypted file store
	EncryptionKey string `json:"encryptionKey" toml:"encryption_key"`
	DataDir       string `json:"dataDir" toml:"data_dir"`

	// AWS Secrets Manager
	AWSRegion    string `json:"awsRegion" toml:"aws_region"`
	AWSPrefix    string `json:"awsPrefix" toml:"aws_prefix"`
	AWSEndpoint  string `json:"awsEndpoint" toml:"aws_endpoint"` // LocalStack
	AWSAccessKey string `json:"awsAccessKey" toml:"aws_access_key"`
	AWSSecretKey string `json:"awsSecretKey" toml:"aws_secret_key"`

	// HashiCorp Vault
	VaultAddr      string `json:"vaultAddr" toml:"vault_addr"`
	VaultToken     string `json:"vaultToken" toml:"vault_token"`
	VaultPath      string `json:"vaultPath" toml:"vault_path"`
	VaultNamespace string `json:"vaultNamespace" toml:"vault_namespace"`

	// GCP Secret Manager
	GCPProject string `json:"gcpProject" toml:"gcp_project"`
	GCPPrefix  string `json:"gcpPrefix" toml:"gcp_prefix"`
}

// DefaultConfig returns the env provider with the standard prefixes.
func DefaultConfig() *Config {
	return &Config{
		Provider:  ProviderTypeEnv,
		DataDir:   "./data/secrets",
		AWSPrefix: "/flowcatalyst/",
		VaultPath: "secret/data/flowcatalyst",
		GCPPrefix: "flowcatalyst-",
	}
}

// LoadConfigFromEnv builds a Config from FLOWCATALYST_SECRETS_* variables.
// The cloud-native variables (AWS_REGION, VAULT_ADDR, VAULT_TOKEN,
// GOOGLE_CLOUD_PROJECT) act as fallbacks so container platforms that
// inject them need no extra wiring.
func LoadConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("FLOWCATALYST_SECRETS_PROVIDER"); v != "" {
		cfg.Provider = ProviderType(strings.ToLower(v))
	}

	if v := os.Getenv("FLOWCATALYST_SECRETS_ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKey = v
	}
	if v := os.Getenv("FLOWCATALYST_SECRETS_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	cfg.AWSRegion = firstEnv("FLOWCATALYST_SECRETS_AWS_REGION", "AWS_REGION")
	if v := os.Getenv("FLOWCATALYST_SECRETS_AWS_PREFIX"); v != "" {
		cfg.AWSPrefix = v
	}
	if v := os.Getenv("FLOWCATALYST_SECRETS_AWS_ENDPOINT"); v != "" {
		cfg.AWSEndpoint = v
	}

	cfg.VaultAddr = firstEnv("FLOWCATALYST_SECRETS_VAULT_ADDR", "VAULT_ADDR")
	cfg.VaultToken = firstEnv("FLOWCATALYST_SECRETS_VAULT_TOKEN", "VAULT_TOKEN")
	if v := os.Getenv("FLOWCATALYST_SECRETS_VAULT_PATH"); v != "" {
		cfg.VaultPath = v
	}
	if v := os.Getenv("FLOWCATALYST_SECRETS_VAULT_NAMESPACE"); v != "" {
		cfg.VaultNamespace = v
	}

	cfg.GCPProject = firstEnv("FLOWCATALYST_SECRETS_GCP_PROJECT", "GOOGLE_CLOUD_PROJECT")
	if v := os.Getenv("FLOWCATALYST_SECRETS_GCP_PREFIX"); v != "" {
		cfg.GCPPrefix = v
	}

	return cfg
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// NewProvider constructs the backend named by cfg. A nil cfg loads
// settings from the environment.
func NewProvider(ctx context.Context, cfg *Config) (Provider, error) {
	if cfg == nil {
		cfg = LoadConfigFromEnv()
	}

	switch cfg.Provider {
	case ProviderTypeEnv, "":
		return NewEnvProvider("FLOWCATALYST_SECRET_"), nil
	case ProviderTypeEncrypted:
		return NewEncryptedProvider(cfg.EncryptionKey, cfg.DataDir)
	case ProviderTypeAWSSM:
		return NewAWSSecretsManagerProvider(ctx, cfg)
	case ProviderTypeVault:
		return NewVaultProvider(cfg)
	case ProviderTypeGCPSM:
		return NewGCPSecretManagerProvider(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown secrets provider %q", cfg.Provider)
	}
}

// Scheme marks a config value as a secret reference.
const Scheme = "secret://"

// Resolve expands a secret:// reference through the provider. Plain
// values pass through untouched, so config fields can hold either a
// literal or a reference.
func Resolve(ctx context.Context, p Provider, value string) (string, error) {
	if !strings.HasPrefix(value, Scheme) {
		return value, nil
	}

	key := strings.TrimPrefix(value, Scheme)
	if key == "" {
		return "", fmt.Errorf("secret reference %q has no key", value)
	}
	if p == nil {
		return "", fmt.Errorf("secret reference %q but no provider configured", value)
	}

	resolved, err := p.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("resolve secret %q via %s: %w", key, p.Name(), err)
	}
	return resolved, nil
}

// EnvProvider reads secrets from prefixed environment variables. It is
// the default backend and needs no infrastructure.
type EnvProvider struct {
	prefix string
}

func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

// Get maps the key to an environment variable name: upper-cased, with
// dashes folded to underscores, behind the provider prefix.
func (p *EnvProvider) Get(ctx context.Context, key string) (string, error) {
	name := p.prefix + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
	value := os.Getenv(name)
	if value == "" {
		return "", ErrNotFound
	}
	return value, nil
}

func (p *EnvProvider) Set(ctx context.Context, key, value string) error {
	return fmt.Errorf("env provider: %w", ErrReadOnly)
}

func (p *EnvProvider) Delete(ctx context.Context, key string) error {
	return fmt.Errorf("env provider: %w", ErrReadOnly)
}

func (p *EnvProvider) Name() string {
	return "env"
}
