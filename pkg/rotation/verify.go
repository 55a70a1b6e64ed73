package rotation

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/systmms/smtprotate/internal/secretstore"
)

// Verifier performs the live authentication check of the test step against
// the pending credential.
type Verifier interface {
	Name() string
	Verify(ctx context.Context, creds *secretstore.Credentials) error
}

// IdentityClient is the STS surface the identity verifier consumes.
type IdentityClient interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// IdentityVerifier authenticates with the raw pending key pair and checks the
// caller identity resolves to the expected principal. This is the cheapest
// live check: it proves the pair is accepted by the identity provider without
// sending mail.
type IdentityVerifier struct {
	Principal string
	Region    string

	// NewClient builds an STS client signing with the given pair. Nil uses
	// the real service.
	NewClient func(ctx context.Context, region, accessKeyID, secretAccessKey string) (IdentityClient, error)
}

// Name implements Verifier.
func (v *IdentityVerifier) Name() string { return "identity" }

// Verify implements Verifier.
func (v *IdentityVerifier) Verify(ctx context.Context, creds *secretstore.Credentials) error {
	region := creds.Region
	if region == "" {
		region = v.Region
	}

	newClient := v.NewClient
	if newClient == nil {
		newClient = newSTSClient
	}
	client, err := newClient(ctx, region, creds.AccessKeyID, creds.SecretAccessKey)
	if err != nil {
		return fmt.Errorf("build verification client: %w", err)
	}

	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return err
	}

	arn := ""
	if out.Arn != nil {
		arn = *out.Arn
	}
	idx := strings.LastIndex(arn, "/")
	if idx < 0 {
		return fmt.Errorf("unexpected caller identity %q", arn)
	}
	if caller := arn[idx+1:]; caller != v.Principal {
		return fmt.Errorf("authenticated as %q, expected %q", caller, v.Principal)
	}
	return nil
}

func newSTSClient(ctx context.Context, region, accessKeyID, secretAccessKey string) (IdentityClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, err
	}
	return sts.NewFromConfig(cfg), nil
}

// SMTPVerifier performs a real AUTH PLAIN handshake with the derived
// credentials against the SMTP endpoint consumers will use. Requires the set
// step to have run.
type SMTPVerifier struct {
	// Dial overrides the connection setup. Nil dials host:port with
	// STARTTLS.
	Dial func(ctx context.Context, addr, host string) (SMTPSession, error)
}

// SMTPSession is the subset of the SMTP client the verifier drives.
type SMTPSession interface {
	Auth(a sasl.Client) error
	Close() error
}

// Name implements Verifier.
func (v *SMTPVerifier) Name() string { return "smtp" }

// Verify implements Verifier.
func (v *SMTPVerifier) Verify(ctx context.Context, creds *secretstore.Credentials) error {
	if creds.DerivedUsername == "" || creds.DerivedPassword == "" {
		return fmt.Errorf("pending payload has no derived credentials; set step has not run")
	}

	host := creds.ProtocolHost
	if host == "" {
		return fmt.Errorf("pending payload has no protocol host")
	}
	port := creds.ProtocolPort
	if port == 0 {
		port = 587
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dial := v.Dial
	if dial == nil {
		dial = dialStartTLS
	}
	session, err := dial(ctx, addr, host)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer session.Close()

	auth := sasl.NewPlainClient("", creds.DerivedUsername, creds.DerivedPassword)
	if err := session.Auth(auth); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}
	return nil
}

func dialStartTLS(ctx context.Context, addr, host string) (SMTPSession, error) {
	client, err := smtp.DialStartTLS(addr, &tls.Config{ServerName: host})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// ChainVerifier runs verifiers in order and fails on the first error. Used
// when both the identity and the SMTP handshake checks are configured.
type ChainVerifier []Verifier

// Name implements Verifier.
func (c ChainVerifier) Name() string {
	names := make([]string, len(c))
	for i, v := range c {
		names[i] = v.Name()
	}
	return strings.Join(names, "+")
}

// Verify implements Verifier.
func (c ChainVerifier) Verify(ctx context.Context, creds *secretstore.Credentials) error {
	for _, v := range c {
		if err := v.Verify(ctx, creds); err != nil {
			return fmt.Errorf("%s: %w", v.Name(), err)
		}
	}
	return nil
}
