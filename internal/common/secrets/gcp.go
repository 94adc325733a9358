package secrets

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GCPSecretManagerProvider stores secrets in Google Secret Manager.
// Secret IDs carry a name prefix since GCP has no path hierarchy.
type GCPSecretManagerProvider struct {
	client  *secretmanager.Client
	project string
	prefix  string
}

// NewGCPSecretManagerProvider builds a provider using application
// default credentials.
func NewGCPSecretManagerProvider(ctx context.Context, cfg *Config) (*GCPSecretManagerProvider, error) {
	if cfg.GCPProject == "" {
		return nil, fmt.Errorf("gcp-sm provider: project is required")
	}

	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create Secret Manager client: %w", err)
	}

	prefix := cfg.GCPPrefix
	if prefix == "" {
		prefix = "flowcatalyst-"
	}

	return &GCPSecretManagerProvider{
		client:  client,
		project: cfg.GCPProject,
		prefix:  prefix,
	}, nil
}

// Get reads the latest version of the secret.
func (p *GCPSecretManagerProvider) Get(ctx context.Context, key string) (string, error) {
	result, err := p.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: p.resourceName(key) + "/versions/latest",
	})
	if err != nil {
		if grpcCode(err) == codes.NotFound {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("gcp-sm get %q: %w", key, err)
	}
	return string(result.Payload.Data), nil
}

// Set adds a new version, creating the secret container on first use.
func (p *GCPSecretManagerProvider) Set(ctx context.Context, key, value string) error {
	_, err := p.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   "projects/" + p.project,
		SecretId: p.prefix + key,
		Secret: &secretmanagerpb.Secret{
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{
					Automatic: &secretmanagerpb.Replication_Automatic{},
				},
			},
		},
	})
	if err != nil && grpcCode(err) != codes.AlreadyExists {
		return fmt.Errorf("gcp-sm create %q: %w", key, err)
	}

	_, err = p.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent: p.resourceName(key),
		Payload: &secretmanagerpb.SecretPayload{
			Data: []byte(value),
		},
	})
	if err != nil {
		return fmt.Errorf("gcp-sm add version %q: %w", key, err)
	}
	return nil
}

func (p *GCPSecretManagerProvider) Delete(ctx context.Context, key string) error {
	err := p.client.DeleteSecret(ctx, &secretmanagerpb.DeleteSecretRequest{
		Name: p.resourceName(key),
	})
	if err != nil {
		if grpcCode(err) == codes.NotFound {
			return ErrNotFound
		}
		return fmt.Errorf("gcp-sm delete %q: %w", key, err)
	}
	return nil
}

func (p *GCPSecretManagerProvider) Name() string {
	return "gcp-sm"
}

// Close releases the underlying gRPC connection.
func (p *GCPSecretManagerProvider) Close() error {
	return p.client.Close()
}

func (p *GCPSecretManagerProvider) resourceName(key string) string {
	return fmt.Sprintf("projects/%s/secrets/%s%s", p.project, p.prefix, key)
}

// grpcCode extracts the status code, codes.Unknown for non-gRPC errors.
func grpcCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	st, ok := status.FromError(err)
	if !ok {
		return codes.Unknown
	}
	return st.Code()
}
