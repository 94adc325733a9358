package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// AWSSecretsManagerProvider stores secrets in AWS Secrets Manager.
// Keys are namespaced under a path prefix so one account can host
// several environments.
type AWSSecretsManagerProvider struct {
	client *secretsmanager.Client
	prefix string
}

// NewAWSSecretsManagerProvider builds a provider from the default AWS
// credential chain. Explicit keys in cfg override the chain; a custom
// endpoint points the client at LocalStack.
func NewAWSSecretsManagerProvider(ctx context.Context, cfg *Config) (*AWSSecretsManagerProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
	}
	if cfg.AWSAccessKey != "" && cfg.AWSSecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKey, cfg.AWSSecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var smOpts []func(*secretsmanager.Options)
	if cfg.AWSEndpoint != "" {
		smOpts = append(smOpts, func(o *secretsmanager.Options) {
			o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
		})
	}

	prefix := cfg.AWSPrefix
	if prefix == "" {
		prefix = "/flowcatalyst/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &AWSSecretsManagerProvider{
		client: secretsmanager.NewFromConfig(awsCfg, smOpts...),
		prefix: prefix,
	}, nil
}

func (p *AWSSecretsManagerProvider) Get(ctx context.Context, key string) (string, error) {
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(p.prefix + key),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("aws-sm get %q: %w", key, err)
	}
	if out.SecretString == nil {
		// Binary secrets are not part of this store's contract.
		return "", ErrNotFound
	}
	return *out.SecretString, nil
}

// Set writes a new secret version, creating the secret on first use.
func (p *AWSSecretsManagerProvider) Set(ctx context.Context, key, value string) error {
	name := p.prefix + key

	_, err := p.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(name),
		SecretString: aws.String(value),
	})
	if err == nil {
		return nil
	}
	if !isAWSNotFound(err) {
		return fmt.Errorf("aws-sm put %q: %w", key, err)
	}

	_, err = p.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		SecretString: aws.String(value),
	})
	if err != nil {
		return fmt.Errorf("aws-sm create %q: %w", key, err)
	}
	return nil
}

// Delete removes the secret immediately. Recovery windows are skipped
// so a delete-then-set cycle works within one deploy.
func (p *AWSSecretsManagerProvider) Delete(ctx context.Context, key string) error {
	_, err := p.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(p.prefix + key),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("aws-sm delete %q: %w", key, err)
	}
	return nil
}

func (p *AWSSecretsManagerProvider) Name() string {
	return "aws-sm"
}

// isAWSNotFound unwraps the SDK's operation error chain; a bare type
// assertion would miss the wrapped ResourceNotFoundException.
func isAWSNotFound(err error) bool {
	var notFound *types.ResourceNotFoundException
	return errors.As(err, &notFound)
}
