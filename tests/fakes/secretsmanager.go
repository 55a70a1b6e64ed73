package fakes

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// FakeSecret holds the state of one secret: its versions and which staging
// labels each version carries.
type FakeSecret struct {
	ARN             string
	Name            string
	RotationEnabled bool
	Versions        map[string]string   // version id -> payload
	Stages          map[string][]string // version id -> staging labels
}

// FakeSecretsManager is an in-memory Secrets Manager with real staging-label
// move semantics, sufficient to drive full rotation cycles in tests.
type FakeSecretsManager struct {
	mu      sync.Mutex
	Secrets map[string]*FakeSecret
	// Errs injects an error for a named operation ("DescribeSecret",
	// "GetSecretValue", "PutSecretValue", "UpdateSecretVersionStage").
	Errs map[string]error
	// Calls records operation names in invocation order.
	Calls []string
	// Observe, when set, sees every operation's context before it runs.
	Observe func(ctx context.Context, op string)
}

// NewFakeSecretsManager creates an empty fake store.
func NewFakeSecretsManager() *FakeSecretsManager {
	return &FakeSecretsManager{
		Secrets: make(map[string]*FakeSecret),
		Errs:    make(map[string]error),
	}
}

// AddSecret seeds a rotation-enabled secret whose v1 payload carries
// AWSCURRENT.
func (f *FakeSecretsManager) AddSecret(name, payload string) *FakeSecret {
	f.mu.Lock()
	defer f.mu.Unlock()

	secret := &FakeSecret{
		ARN:             fmt.Sprintf("arn:aws:secretsmanager:us-east-1:123456789012:secret:%s", name),
		Name:            name,
		RotationEnabled: true,
		Versions:        map[string]string{"v1": payload},
		Stages:          map[string][]string{"v1": {"AWSCURRENT"}},
	}
	f.Secrets[name] = secret
	return secret
}

// StagesOf returns a copy of the secret's stage mapping.
func (f *FakeSecretsManager) StagesOf(name string) map[string][]string {
	f.mu.Lock()
	defer f.mu.Unlock()

	secret, ok := f.Secrets[name]
	if !ok {
		return nil
	}
	out := make(map[string][]string, len(secret.Stages))
	for v, labels := range secret.Stages {
		out[v] = append([]string(nil), labels...)
	}
	return out
}

// PayloadOf returns the stored payload for a version id.
func (f *FakeSecretsManager) PayloadOf(name, version string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	secret, ok := f.Secrets[name]
	if !ok {
		return "", false
	}
	payload, ok := secret.Versions[version]
	return payload, ok
}

// VersionWith returns the version id carrying the given label.
func (f *FakeSecretsManager) VersionWith(name, label string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	secret, ok := f.Secrets[name]
	if !ok {
		return "", false
	}
	return versionWithLabel(secret, label)
}

func versionWithLabel(secret *FakeSecret, label string) (string, bool) {
	for version, labels := range secret.Stages {
		for _, l := range labels {
			if l == label {
				return version, true
			}
		}
	}
	return "", false
}

func (f *FakeSecretsManager) lookup(secretID string) (*FakeSecret, error) {
	for _, secret := range f.Secrets {
		if secret.Name == secretID || secret.ARN == secretID {
			return secret, nil
		}
	}
	return nil, &types.ResourceNotFoundException{
		Message: aws.String(fmt.Sprintf("Secrets Manager can't find the specified secret: %s", secretID)),
	}
}

func (f *FakeSecretsManager) begin(ctx context.Context, op string) error {
	f.Calls = append(f.Calls, op)
	if f.Observe != nil {
		f.Observe(ctx, op)
	}
	if err, ok := f.Errs[op]; ok {
		return err
	}
	return nil
}

// DescribeSecret implements the store client interface.
func (f *FakeSecretsManager) DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.begin(ctx, "DescribeSecret"); err != nil {
		return nil, err
	}
	secret, err := f.lookup(aws.ToString(params.SecretId))
	if err != nil {
		return nil, err
	}

	stages := make(map[string][]string, len(secret.Stages))
	for v, labels := range secret.Stages {
		stages[v] = append([]string(nil), labels...)
	}
	return &secretsmanager.DescribeSecretOutput{
		ARN:                aws.String(secret.ARN),
		Name:               aws.String(secret.Name),
		RotationEnabled:    aws.Bool(secret.RotationEnabled),
		VersionIdsToStages: stages,
	}, nil
}

// GetSecretValue implements the store client interface.
func (f *FakeSecretsManager) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.begin(ctx, "GetSecretValue"); err != nil {
		return nil, err
	}
	secret, err := f.lookup(aws.ToString(params.SecretId))
	if err != nil {
		return nil, err
	}

	version := aws.ToString(params.VersionId)
	stage := aws.ToString(params.VersionStage)

	if version == "" && stage != "" {
		v, ok := versionWithLabel(secret, stage)
		if !ok {
			return nil, &types.ResourceNotFoundException{
				Message: aws.String(fmt.Sprintf("Secrets Manager can't find the specified secret value for staging label: %s", stage)),
			}
		}
		version = v
	}

	payload, ok := secret.Versions[version]
	if !ok {
		return nil, &types.ResourceNotFoundException{
			Message: aws.String(fmt.Sprintf("Secrets Manager can't find the specified secret value for VersionId: %s", version)),
		}
	}
	if stage != "" && !hasLabel(secret.Stages[version], stage) {
		return nil, &types.ResourceNotFoundException{
			Message: aws.String(fmt.Sprintf("version %s does not carry staging label %s", version, stage)),
		}
	}

	return &secretsmanager.GetSecretValueOutput{
		ARN:           aws.String(secret.ARN),
		Name:          aws.String(secret.Name),
		SecretString:  aws.String(payload),
		VersionId:     aws.String(version),
		VersionStages: append([]string(nil), secret.Stages[version]...),
	}, nil
}

// PutSecretValue implements the store client interface. Repeating a put with
// the same token succeeds while the version only carries the pending label;
// once a version is promoted its content is frozen.
func (f *FakeSecretsManager) PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.begin(ctx, "PutSecretValue"); err != nil {
		return nil, err
	}
	secret, err := f.lookup(aws.ToString(params.SecretId))
	if err != nil {
		return nil, err
	}

	token := aws.ToString(params.ClientRequestToken)
	payload := aws.ToString(params.SecretString)

	if existing, ok := secret.Versions[token]; ok {
		if existing != payload && !pendingOnly(secret.Stages[token]) {
			return nil, &types.InvalidRequestException{
				Message: aws.String("a version with this ClientRequestToken already exists with different content"),
			}
		}
		// A version that only carries the pending label still belongs to the
		// in-flight rotation and may be rewritten; promoted content is frozen.
		secret.Versions[token] = payload
		return &secretsmanager.PutSecretValueOutput{
			ARN:           aws.String(secret.ARN),
			Name:          aws.String(secret.Name),
			VersionId:     aws.String(token),
			VersionStages: append([]string(nil), secret.Stages[token]...),
		}, nil
	}

	secret.Versions[token] = payload
	for _, label := range params.VersionStages {
		detachLabel(secret, label)
		secret.Stages[token] = append(secret.Stages[token], label)
	}

	return &secretsmanager.PutSecretValueOutput{
		ARN:           aws.String(secret.ARN),
		Name:          aws.String(secret.Name),
		VersionId:     aws.String(token),
		VersionStages: append([]string(nil), secret.Stages[token]...),
	}, nil
}

// UpdateSecretVersionStage implements the store client interface, including
// the service's automatic AWSPREVIOUS move when AWSCURRENT changes hands.
func (f *FakeSecretsManager) UpdateSecretVersionStage(ctx context.Context, params *secretsmanager.UpdateSecretVersionStageInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretVersionStageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.begin(ctx, "UpdateSecretVersionStage"); err != nil {
		return nil, err
	}
	secret, err := f.lookup(aws.ToString(params.SecretId))
	if err != nil {
		return nil, err
	}

	label := aws.ToString(params.VersionStage)
	moveTo := aws.ToString(params.MoveToVersionId)
	removeFrom := aws.ToString(params.RemoveFromVersionId)

	if removeFrom != "" && !hasLabel(secret.Stages[removeFrom], label) {
		return nil, &types.InvalidParameterException{
			Message: aws.String(fmt.Sprintf("version %s does not carry staging label %s", removeFrom, label)),
		}
	}

	if removeFrom != "" {
		secret.Stages[removeFrom] = removeLabel(secret.Stages[removeFrom], label)
	}
	if moveTo != "" {
		if _, ok := secret.Versions[moveTo]; !ok {
			return nil, &types.ResourceNotFoundException{
				Message: aws.String(fmt.Sprintf("version %s not found", moveTo)),
			}
		}
		detachLabel(secret, label)
		secret.Stages[moveTo] = append(secret.Stages[moveTo], label)
	}

	// Moving AWSCURRENT shifts AWSPREVIOUS onto the displaced version.
	if label == "AWSCURRENT" && removeFrom != "" {
		detachLabel(secret, "AWSPREVIOUS")
		secret.Stages[removeFrom] = append(secret.Stages[removeFrom], "AWSPREVIOUS")
	}

	return &secretsmanager.UpdateSecretVersionStageOutput{
		ARN:  aws.String(secret.ARN),
		Name: aws.String(secret.Name),
	}, nil
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

func removeLabel(labels []string, label string) []string {
	out := labels[:0]
	for _, l := range labels {
		if l != label {
			out = append(out, l)
		}
	}
	return out
}

func pendingOnly(labels []string) bool {
	return len(labels) == 1 && labels[0] == "AWSPENDING"
}

func detachLabel(secret *FakeSecret, label string) {
	for version := range secret.Stages {
		secret.Stages[version] = removeLabel(secret.Stages[version], label)
	}
}
