// Package secretstore is the client for the credential store holding the
// rotated SMTP secret. The store owns the secret's durable state exclusively;
// the rotation engine re-reads stage mappings on every invocation and never
// caches them across calls.
package secretstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	roterrors "github.com/systmms/smtprotate/internal/errors"
	"github.com/systmms/smtprotate/internal/logging"
)

// ClientAPI defines the Secrets Manager operations the store consumes.
// Matching the SDK signatures keeps fakes drop-in for tests.
type ClientAPI interface {
	DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	UpdateSecretVersionStage(ctx context.Context, params *secretsmanager.UpdateSecretVersionStageInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretVersionStageOutput, error)
}

// StageMap maps version ids to the staging labels they carry.
type StageMap map[string][]Stage

// VersionFor returns the version id carrying the given stage label.
func (m StageMap) VersionFor(stage Stage) (string, bool) {
	for version, stages := range m {
		for _, s := range stages {
			if s == stage {
				return version, true
			}
		}
	}
	return "", false
}

// Has reports whether the version carries the stage label.
func (m StageMap) Has(version string, stage Stage) bool {
	for _, s := range m[version] {
		if s == stage {
			return true
		}
	}
	return false
}

// SecretState is the stage view of a secret at one instant.
type SecretState struct {
	ARN             string
	Name            string
	RotationEnabled bool
	Stages          StageMap
}

// Store wraps the Secrets Manager client with the stage-label operations the
// rotation engine needs.
type Store struct {
	client ClientAPI
	logger *logging.Logger
}

// Option configures a Store.
type Option func(*storeOptions)

type storeOptions struct {
	client   ClientAPI
	endpoint string
}

// WithClient injects a custom client (fakes in tests, pre-built clients in
// callers that already hold an AWS config).
func WithClient(client ClientAPI) Option {
	return func(o *storeOptions) {
		o.client = client
	}
}

// WithEndpoint overrides the service endpoint, for LocalStack or VPC
// interface endpoints.
func WithEndpoint(endpoint string) Option {
	return func(o *storeOptions) {
		o.endpoint = endpoint
	}
}

// New creates a Store. Without WithClient it builds a real client from the
// default AWS config chain.
func New(ctx context.Context, region string, logger *logging.Logger, opts ...Option) (*Store, error) {
	var options storeOptions
	for _, opt := range opts {
		opt(&options)
	}

	if options.client == nil {
		var configOpts []func(*config.LoadOptions) error
		if region != "" {
			configOpts = append(configOpts, config.WithRegion(region))
		}
		cfg, err := config.LoadDefaultConfig(ctx, configOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		var clientOpts []func(*secretsmanager.Options)
		if options.endpoint != "" {
			endpoint := options.endpoint
			clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
				o.BaseEndpoint = &endpoint
			})
		}
		options.client = secretsmanager.NewFromConfig(cfg, clientOpts...)
	}

	return &Store{client: options.client, logger: logger}, nil
}

// DescribeStages returns the current stage mapping for a secret.
func (s *Store) DescribeStages(ctx context.Context, secretID string) (*SecretState, error) {
	out, err := s.client.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return nil, s.mapError("describe secret", secretID, err)
	}

	stages := make(StageMap, len(out.VersionIdsToStages))
	for version, labels := range out.VersionIdsToStages {
		converted := make([]Stage, 0, len(labels))
		for _, label := range labels {
			converted = append(converted, Stage(label))
		}
		stages[version] = converted
	}

	return &SecretState{
		ARN:             aws.ToString(out.ARN),
		Name:            aws.ToString(out.Name),
		RotationEnabled: aws.ToBool(out.RotationEnabled),
		Stages:          stages,
	}, nil
}

// GetVersion fetches and validates the payload for a stage. A non-empty token
// additionally pins the read to that version id, so a phase can confirm its
// own PENDING version rather than whichever version happens to hold the label.
func (s *Store) GetVersion(ctx context.Context, secretID string, stage Stage, token string) (*Credentials, error) {
	input := &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretID),
		VersionStage: aws.String(string(stage)),
	}
	if token != "" {
		input.VersionId = aws.String(token)
	}

	out, err := s.client.GetSecretValue(ctx, input)
	if err != nil {
		return nil, s.mapError("get version", secretID, err)
	}

	var raw []byte
	switch {
	case out.SecretString != nil:
		raw = []byte(*out.SecretString)
	case out.SecretBinary != nil:
		raw = out.SecretBinary
	default:
		return nil, roterrors.ValidationError{
			Op:      "get version",
			Message: fmt.Sprintf("secret %q stage %s has no value", secretID, stage),
		}
	}

	return ParseCredentials(raw)
}

// PutVersion writes a payload as a new version under the request token and
// labels it. Repeating the call with the same token is accepted while the
// version only carries AWSPENDING, which is what lets the create and set steps
// repeat safely under at-least-once delivery and lets set enrich the payload
// the create step staged.
func (s *Store) PutVersion(ctx context.Context, secretID, token string, creds *Credentials, stage Stage) error {
	data, err := creds.Encode()
	if err != nil {
		return err
	}

	_, err = s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:           aws.String(secretID),
		ClientRequestToken: aws.String(token),
		SecretString:       aws.String(string(data)),
		VersionStages:      []string{string(stage)},
	})
	if err != nil {
		return s.mapError("put version", secretID, err)
	}

	s.logger.Debug("Stored version %s of %s with stage %s", token, secretID, stage)
	return nil
}

// PromoteVersion moves AWSCURRENT onto moveTo in a single conditional update.
// The store relabels the displaced version AWSPREVIOUS atomically, so
// consumers never observe a secret without a current version.
func (s *Store) PromoteVersion(ctx context.Context, secretID, moveTo, removeFrom string) error {
	input := &secretsmanager.UpdateSecretVersionStageInput{
		SecretId:        aws.String(secretID),
		VersionStage:    aws.String(string(StageCurrent)),
		MoveToVersionId: aws.String(moveTo),
	}
	if removeFrom != "" {
		input.RemoveFromVersionId = aws.String(removeFrom)
	}

	if _, err := s.client.UpdateSecretVersionStage(ctx, input); err != nil {
		return s.mapError("promote version", secretID, err)
	}

	s.logger.Info("Promoted version %s of %s to %s", moveTo, secretID, StageCurrent)
	return nil
}

// DropPending detaches the AWSPENDING label from a version. Finish calls it
// after promotion so the next rotation cycle does not mistake the completed
// attempt for one still in flight; the reclaim command exposes it to
// operators for abandoned attempts. Already-detached labels are a no-op.
func (s *Store) DropPending(ctx context.Context, secretID, version string) error {
	_, err := s.client.UpdateSecretVersionStage(ctx, &secretsmanager.UpdateSecretVersionStageInput{
		SecretId:            aws.String(secretID),
		VersionStage:        aws.String(string(StagePending)),
		RemoveFromVersionId: aws.String(version),
	})
	if err != nil {
		var invalidParam *types.InvalidParameterException
		var invalidRequest *types.InvalidRequestException
		if errors.As(err, &invalidParam) || errors.As(err, &invalidRequest) {
			return nil
		}
		return s.mapError("drop pending label", secretID, err)
	}
	return nil
}

// mapError converts SDK errors into the engine's taxonomy.
func (s *Store) mapError(op, secretID string, err error) error {
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return roterrors.NotFoundError{Resource: "secret version", Key: secretID}
	}

	var invalidRequest *types.InvalidRequestException
	if errors.As(err, &invalidRequest) {
		return roterrors.ValidationError{Op: op, Message: err.Error()}
	}

	var invalidParam *types.InvalidParameterException
	if errors.As(err, &invalidParam) {
		return roterrors.ValidationError{Op: op, Message: err.Error()}
	}

	return roterrors.Transient(op, err)
}
