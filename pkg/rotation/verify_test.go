package rotation

import (
	"context"
	"errors"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/smtprotate/internal/secretstore"
	"github.com/systmms/smtprotate/tests/fakes"
)

func identityVerifier(stsFake *fakes.FakeSTS) *IdentityVerifier {
	return &IdentityVerifier{
		Principal: principal,
		Region:    "us-east-1",
		NewClient: func(ctx context.Context, region, accessKeyID, secretAccessKey string) (IdentityClient, error) {
			return stsFake.ClientFor(accessKeyID, secretAccessKey), nil
		},
	}
}

func TestIdentityVerifier(t *testing.T) {
	iamFake := fakes.NewFakeIAM(principal)
	iamFake.SeedKey(principal, seedKeyID, seedSecret)
	v := identityVerifier(fakes.NewFakeSTS(iamFake))

	err := v.Verify(context.Background(), &secretstore.Credentials{
		AccessKeyID:     seedKeyID,
		SecretAccessKey: seedSecret,
		Region:          "us-east-1",
	})
	assert.NoError(t, err)
}

func TestIdentityVerifierRejectsBadSecret(t *testing.T) {
	iamFake := fakes.NewFakeIAM(principal)
	iamFake.SeedKey(principal, seedKeyID, seedSecret)
	v := identityVerifier(fakes.NewFakeSTS(iamFake))

	err := v.Verify(context.Background(), &secretstore.Credentials{
		AccessKeyID:     seedKeyID,
		SecretAccessKey: "wrong",
		Region:          "us-east-1",
	})
	assert.Error(t, err)
}

func TestIdentityVerifierRejectsWrongPrincipal(t *testing.T) {
	iamFake := fakes.NewFakeIAM("someone-else")
	iamFake.SeedKey("someone-else", seedKeyID, seedSecret)
	v := identityVerifier(fakes.NewFakeSTS(iamFake))

	err := v.Verify(context.Background(), &secretstore.Credentials{
		AccessKeyID:     seedKeyID,
		SecretAccessKey: seedSecret,
		Region:          "us-east-1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected")
}

type fakeSMTPSession struct {
	auth   sasl.Client
	err    error
	closed bool
}

func (s *fakeSMTPSession) Auth(a sasl.Client) error {
	s.auth = a
	return s.err
}

func (s *fakeSMTPSession) Close() error {
	s.closed = true
	return nil
}

func TestSMTPVerifier(t *testing.T) {
	session := &fakeSMTPSession{}
	v := &SMTPVerifier{
		Dial: func(ctx context.Context, addr, host string) (SMTPSession, error) {
			assert.Equal(t, "email-smtp.us-east-1.amazonaws.com:587", addr)
			return session, nil
		},
	}

	err := v.Verify(context.Background(), &secretstore.Credentials{
		ProtocolHost:    "email-smtp.us-east-1.amazonaws.com",
		ProtocolPort:    587,
		DerivedUsername: seedKeyID,
		DerivedPassword: "Bxxx",
	})
	require.NoError(t, err)
	assert.NotNil(t, session.auth)
	assert.True(t, session.closed)
}

func TestSMTPVerifierRequiresDerivedCredentials(t *testing.T) {
	v := &SMTPVerifier{
		Dial: func(ctx context.Context, addr, host string) (SMTPSession, error) {
			t.Fatal("must not dial without derived credentials")
			return nil, nil
		},
	}

	err := v.Verify(context.Background(), &secretstore.Credentials{
		ProtocolHost: "email-smtp.us-east-1.amazonaws.com",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "derived")
}

func TestSMTPVerifierSurfacesAuthFailure(t *testing.T) {
	session := &fakeSMTPSession{err: errors.New("535 authentication credentials invalid")}
	v := &SMTPVerifier{
		Dial: func(ctx context.Context, addr, host string) (SMTPSession, error) {
			return session, nil
		},
	}

	err := v.Verify(context.Background(), &secretstore.Credentials{
		ProtocolHost:    "email-smtp.us-east-1.amazonaws.com",
		DerivedUsername: seedKeyID,
		DerivedPassword: "Bxxx",
	})
	require.Error(t, err)
	assert.True(t, session.closed)
}

func TestChainVerifier(t *testing.T) {
	iamFake := fakes.NewFakeIAM(principal)
	iamFake.SeedKey(principal, seedKeyID, seedSecret)
	session := &fakeSMTPSession{}

	chain := ChainVerifier{
		identityVerifier(fakes.NewFakeSTS(iamFake)),
		&SMTPVerifier{Dial: func(ctx context.Context, addr, host string) (SMTPSession, error) {
			return session, nil
		}},
	}
	assert.Equal(t, "identity+smtp", chain.Name())

	err := chain.Verify(context.Background(), &secretstore.Credentials{
		AccessKeyID:     seedKeyID,
		SecretAccessKey: seedSecret,
		Region:          "us-east-1",
		ProtocolHost:    "email-smtp.us-east-1.amazonaws.com",
		DerivedUsername: seedKeyID,
		DerivedPassword: "Bxxx",
	})
	assert.NoError(t, err)
}

func TestChainVerifierStopsOnFirstFailure(t *testing.T) {
	iamFake := fakes.NewFakeIAM(principal)
	chain := ChainVerifier{
		identityVerifier(fakes.NewFakeSTS(iamFake)),
		&SMTPVerifier{Dial: func(ctx context.Context, addr, host string) (SMTPSession, error) {
			t.Fatal("must not reach the second verifier")
			return nil, nil
		}},
	}

	err := chain.Verify(context.Background(), &secretstore.Credentials{
		AccessKeyID:     "AKIAUNKNOWNKEY00",
		SecretAccessKey: "nope",
		Region:          "us-east-1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity:")
}
