package fakes

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// FakeSTS answers GetCallerIdentity for credentials issued by a FakeIAM.
// A key pair authenticates when the id exists, the secret matches, and the
// key is active, mirroring how a freshly created IAM key behaves once it has
// propagated.
type FakeSTS struct {
	mu  sync.Mutex
	IAM *FakeIAM
	// FailTimes makes the next N calls fail with a transient error before
	// authentication succeeds, simulating IAM key propagation delay.
	FailTimes int
	// Calls counts GetCallerIdentity invocations.
	Calls int
}

// NewFakeSTS creates an STS fake backed by the given IAM fake.
func NewFakeSTS(iamFake *FakeIAM) *FakeSTS {
	return &FakeSTS{IAM: iamFake}
}

// FakeSTSClient is the per-credential client the verifier factory hands out;
// it carries the static credentials the real verifier would sign with.
type FakeSTSClient struct {
	sts         *FakeSTS
	accessKeyID string
	secret      string
}

// ClientFor returns an STS client bound to the given credentials.
func (f *FakeSTS) ClientFor(accessKeyID, secretAccessKey string) *FakeSTSClient {
	return &FakeSTSClient{sts: f, accessKeyID: accessKeyID, secret: secretAccessKey}
}

// GetCallerIdentity implements the verifier's STS client interface.
func (c *FakeSTSClient) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	c.sts.mu.Lock()
	defer c.sts.mu.Unlock()

	c.sts.Calls++
	if c.sts.FailTimes > 0 {
		c.sts.FailTimes--
		return nil, errors.New("RequestTimeout: connection reset by peer")
	}

	user, key, ok := c.sts.IAM.FindKey(c.accessKeyID)
	if !ok || key.Secret != c.secret {
		return nil, errors.New("InvalidClientTokenId: The security token included in the request is invalid")
	}

	return &sts.GetCallerIdentityOutput{
		Account: aws.String("123456789012"),
		Arn:     aws.String(fmt.Sprintf("arn:aws:iam::123456789012:user/%s", user)),
		UserId:  aws.String("AIDAFAKEUSERID"),
	}, nil
}
