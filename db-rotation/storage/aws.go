package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/google/uuid"
)

// SecretsManagerAPI is the subset of the Secrets Manager client the store uses.
type SecretsManagerAPI interface {
	DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	UpdateSecretVersionStage(ctx context.Context, params *secretsmanager.UpdateSecretVersionStageInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretVersionStageOutput, error)
	RotateSecret(ctx context.Context, params *secretsmanager.RotateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.RotateSecretOutput, error)
}

// implements VersionedSecretStore for AWS Secrets Manager.
type AWSSecretsManager struct {
	client SecretsManagerAPI
}

// AWSOption configures an AWSSecretsManager.
type AWSOption func(*AWSSecretsManager)

// WithSecretsManagerClient sets the client instead of building one in Setup.
func WithSecretsManagerClient(client SecretsManagerAPI) AWSOption {
	return func(a *AWSSecretsManager) {
		a.client = client
	}
}

// creates a new AWSSecretsManager. Call Setup before use unless a client is given.
func NewAWSSecretsManager(opts ...AWSOption) *AWSSecretsManager {
	a := &AWSSecretsManager{}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Setup initializes the AWS Secrets Manager client.
func (a *AWSSecretsManager) Setup(ctx context.Context, configMap map[string]string) error {
	region, ok := configMap["region"]
	if !ok || region == "" {
		return fmt.Errorf("region is required for AWS Secrets Manager")
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return fmt.Errorf("failed to load aws config: %w", err)
	}

	var opts []func(*secretsmanager.Options)
	if endpoint := configMap["endpoint"]; endpoint != "" {
		opts = append(opts, func(o *secretsmanager.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	a.client = secretsmanager.NewFromConfig(cfg, opts...)
	return nil
}

// Describe returns the rotation flag and version stages of a secret.
func (a *AWSSecretsManager) Describe(ctx context.Context, secretID string) (*Metadata, error) {
	out, err := a.client.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return nil, mapAWSError(err, "describe secret "+secretID)
	}

	meta := &Metadata{
		SecretID:        secretID,
		RotationEnabled: aws.ToBool(out.RotationEnabled),
		VersionStages:   out.VersionIdsToStages,
	}
	if meta.VersionStages == nil {
		meta.VersionStages = map[string][]string{}
	}
	if out.LastRotatedDate != nil {
		meta.LastRotated = *out.LastRotatedDate
	}
	return meta, nil
}

// GetValue retrieves the version holding stage, optionally narrowed to versionID.
func (a *AWSSecretsManager) GetValue(ctx context.Context, secretID, stage, versionID string) ([]byte, error) {
	input := &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretID),
		VersionStage: aws.String(stage),
	}
	if versionID != "" {
		input.VersionId = aws.String(versionID)
	}

	out, err := a.client.GetSecretValue(ctx, input)
	if err != nil {
		return nil, mapAWSError(err, fmt.Sprintf("get %s of %s", stage, secretID))
	}
	if out.SecretString != nil {
		return []byte(*out.SecretString), nil
	}
	if out.SecretBinary != nil {
		return out.SecretBinary, nil
	}
	return nil, fmt.Errorf("%w: %s of %s has no value", ErrNotFound, stage, secretID)
}

// PutValue creates the version identified by token. Secrets Manager treats a
// repeated token with identical content as a no-op.
func (a *AWSSecretsManager) PutValue(ctx context.Context, secretID, token string, value []byte, stages []string) error {
	_, err := a.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:           aws.String(secretID),
		ClientRequestToken: aws.String(token),
		SecretString:       aws.String(string(value)),
		VersionStages:      stages,
	})
	if err != nil {
		return mapAWSError(err, fmt.Sprintf("put version %s of %s", token, secretID))
	}
	return nil
}

// MoveStage moves a staging label in a single UpdateSecretVersionStage call.
func (a *AWSSecretsManager) MoveStage(ctx context.Context, secretID, stage, toVersion, fromVersion string) error {
	input := &secretsmanager.UpdateSecretVersionStageInput{
		SecretId:        aws.String(secretID),
		VersionStage:    aws.String(stage),
		MoveToVersionId: aws.String(toVersion),
	}
	if fromVersion != "" {
		input.RemoveFromVersionId = aws.String(fromVersion)
	}

	if _, err := a.client.UpdateSecretVersionStage(ctx, input); err != nil {
		return mapAWSError(err, fmt.Sprintf("move %s of %s to %s", stage, secretID, toVersion))
	}
	return nil
}

// RotateNow asks Secrets Manager to start a rotation, which invokes the rotation
// Lambda attached to the secret. It returns the new pending version id.
func (a *AWSSecretsManager) RotateNow(ctx context.Context, secretID string) (string, error) {
	out, err := a.client.RotateSecret(ctx, &secretsmanager.RotateSecretInput{
		SecretId:           aws.String(secretID),
		ClientRequestToken: aws.String(uuid.NewString()),
		RotateImmediately:  aws.Bool(true),
	})
	if err != nil {
		return "", mapAWSError(err, "rotate secret "+secretID)
	}
	return aws.ToString(out.VersionId), nil
}

func mapAWSError(err error, op string) error {
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	}

	var exists *types.ResourceExistsException
	var invalidParam *types.InvalidParameterException
	var invalidReq *types.InvalidRequestException
	if errors.As(err, &exists) || errors.As(err, &invalidParam) || errors.As(err, &invalidReq) {
		return fmt.Errorf("%s: %w: %w", op, ErrConflict, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}
