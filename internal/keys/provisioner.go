// Package keys manages the IAM access-key pairs behind the SMTP identity.
// IAM allows at most two access keys per user; that ceiling is the central
// constraint of the whole rotation scheme and it lives with the provider, not
// here, so every decision re-reads the authoritative key list first.
package keys

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"

	roterrors "github.com/systmms/smtprotate/internal/errors"
	"github.com/systmms/smtprotate/internal/logging"
)

// MaxActivePairs is the identity provider's hard limit on concurrently
// active access keys per principal.
const MaxActivePairs = 2

// ClientAPI defines the IAM operations the provisioner consumes.
type ClientAPI interface {
	CreateAccessKey(ctx context.Context, params *iam.CreateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error)
	DeleteAccessKey(ctx context.Context, params *iam.DeleteAccessKeyInput, optFns ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error)
	ListAccessKeys(ctx context.Context, params *iam.ListAccessKeysInput, optFns ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error)
}

// Pair is one access-key pair. SecretMaterial is only populated on the
// Provision call that created the pair; IAM never returns it again.
type Pair struct {
	ID             string
	SecretMaterial string
	CreatedAt      time.Time
	Active         bool
}

// Provisioner creates and revokes access-key pairs for a principal.
type Provisioner struct {
	client ClientAPI
	logger *logging.Logger
	limit  int
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithIAMClient injects a custom IAM client.
func WithIAMClient(client ClientAPI) Option {
	return func(p *Provisioner) {
		p.client = client
	}
}

// WithLimit overrides the active-pair ceiling. Tests only; the real limit
// belongs to IAM.
func WithLimit(limit int) Option {
	return func(p *Provisioner) {
		p.limit = limit
	}
}

// New creates a Provisioner. Without WithIAMClient it builds a real client
// from the default AWS config chain.
func New(ctx context.Context, region string, logger *logging.Logger, opts ...Option) (*Provisioner, error) {
	p := &Provisioner{logger: logger, limit: MaxActivePairs}
	for _, opt := range opts {
		opt(p)
	}

	if p.client == nil {
		var configOpts []func(*config.LoadOptions) error
		if region != "" {
			configOpts = append(configOpts, config.WithRegion(region))
		}
		cfg, err := config.LoadDefaultConfig(ctx, configOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		p.client = iam.NewFromConfig(cfg)
	}
	return p, nil
}

// Limit returns the active-pair ceiling the provisioner enforces.
func (p *Provisioner) Limit() int {
	return p.limit
}

// ListActive returns the principal's active pairs, oldest first.
func (p *Provisioner) ListActive(ctx context.Context, principal string) ([]Pair, error) {
	out, err := p.client.ListAccessKeys(ctx, &iam.ListAccessKeysInput{
		UserName: aws.String(principal),
	})
	if err != nil {
		return nil, p.mapError("list access keys", principal, err)
	}

	pairs := make([]Pair, 0, len(out.AccessKeyMetadata))
	for _, meta := range out.AccessKeyMetadata {
		if meta.Status != types.StatusTypeActive {
			continue
		}
		pairs = append(pairs, Pair{
			ID:        aws.ToString(meta.AccessKeyId),
			CreatedAt: aws.ToTime(meta.CreateDate),
			Active:    true,
		})
	}
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].CreatedAt.Before(pairs[j].CreatedAt)
	})
	return pairs, nil
}

// Provision creates a new pair for the principal. It fails fast with a
// CapacityError when the ceiling is already reached, rather than letting the
// provider reject the create; callers must revoke first.
func (p *Provisioner) Provision(ctx context.Context, principal string) (*Pair, error) {
	active, err := p.ListActive(ctx, principal)
	if err != nil {
		return nil, err
	}
	if len(active) >= p.limit {
		return nil, roterrors.CapacityError{
			Principal: principal,
			Active:    len(active),
			Limit:     p.limit,
		}
	}

	out, err := p.client.CreateAccessKey(ctx, &iam.CreateAccessKeyInput{
		UserName: aws.String(principal),
	})
	if err != nil {
		return nil, p.mapError("create access key", principal, err)
	}

	key := out.AccessKey
	pair := &Pair{
		ID:             aws.ToString(key.AccessKeyId),
		SecretMaterial: aws.ToString(key.SecretAccessKey),
		CreatedAt:      aws.ToTime(key.CreateDate),
		Active:         true,
	}
	p.logger.Info("Created access key %s for %s", logging.KeyID(pair.ID), principal)
	return pair, nil
}

// Revoke deletes a pair. Revoking a pair that is already gone succeeds
// silently, so duplicate phase deliveries can repeat cleanup safely.
func (p *Provisioner) Revoke(ctx context.Context, principal, pairID string) error {
	_, err := p.client.DeleteAccessKey(ctx, &iam.DeleteAccessKeyInput{
		UserName:    aws.String(principal),
		AccessKeyId: aws.String(pairID),
	})
	if err != nil {
		var noSuchEntity *types.NoSuchEntityException
		if errors.As(err, &noSuchEntity) {
			p.logger.Debug("Access key %s already revoked", logging.KeyID(pairID))
			return nil
		}
		return p.mapError("delete access key", principal, err)
	}

	p.logger.Info("Revoked access key %s for %s", logging.KeyID(pairID), principal)
	return nil
}

func (p *Provisioner) mapError(op, principal string, err error) error {
	var noSuchEntity *types.NoSuchEntityException
	if errors.As(err, &noSuchEntity) {
		return roterrors.NotFoundError{Resource: "principal", Key: principal}
	}
	var limitExceeded *types.LimitExceededException
	if errors.As(err, &limitExceeded) {
		return roterrors.CapacityError{Principal: principal, Active: p.limit, Limit: p.limit}
	}
	return roterrors.Transient(op, err)
}
