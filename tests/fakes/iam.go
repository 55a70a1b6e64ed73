package fakes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// FakeAccessKey is one issued access-key pair.
type FakeAccessKey struct {
	ID         string
	Secret     string
	Status     types.StatusType
	CreateDate time.Time
}

// FakeIAM is an in-memory IAM access-key backend. It enforces the service's
// hard two-keys-per-user limit so ceiling handling is exercised for real.
type FakeIAM struct {
	mu    sync.Mutex
	Users map[string][]*FakeAccessKey
	// MaxKeys is the per-user active key limit. Defaults to 2.
	MaxKeys int
	// Errs injects an error for a named operation ("CreateAccessKey",
	// "DeleteAccessKey", "ListAccessKeys").
	Errs map[string]error
	// Deleted records key ids in deletion order.
	Deleted []string

	calls   []string
	counter int
	now     time.Time
}

// NewFakeIAM creates a fake IAM backend with the given users registered.
func NewFakeIAM(users ...string) *FakeIAM {
	f := &FakeIAM{
		Users:   make(map[string][]*FakeAccessKey),
		MaxKeys: 2,
		Errs:    make(map[string]error),
		now:     time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, u := range users {
		f.Users[u] = nil
	}
	return f
}

// SeedKey registers an existing active key for a user and returns it. Each
// seeded or created key is stamped one hour after the previous one, so the
// first key is always the oldest.
func (f *FakeIAM) SeedKey(user, id, secret string) *FakeAccessKey {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := &FakeAccessKey{
		ID:         id,
		Secret:     secret,
		Status:     types.StatusTypeActive,
		CreateDate: f.now,
	}
	f.now = f.now.Add(time.Hour)
	f.Users[user] = append(f.Users[user], key)
	return key
}

// ActiveKeys returns the ids of the user's active keys.
func (f *FakeIAM) ActiveKeys(user string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, key := range f.Users[user] {
		if key.Status == types.StatusTypeActive {
			out = append(out, key.ID)
		}
	}
	return out
}

// FindKey locates a key pair by id across all users.
func (f *FakeIAM) FindKey(id string) (user string, key *FakeAccessKey, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for u, keys := range f.Users {
		for _, k := range keys {
			if k.ID == id {
				return u, k, true
			}
		}
	}
	return "", nil, false
}

// Calls returns the operation names invoked so far, in order.
func (f *FakeIAM) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *FakeIAM) opErr(op string) error {
	f.calls = append(f.calls, op)
	if err, ok := f.Errs[op]; ok {
		return err
	}
	return nil
}

// CreateAccessKey implements the provisioner client interface.
func (f *FakeIAM) CreateAccessKey(ctx context.Context, params *iam.CreateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.opErr("CreateAccessKey"); err != nil {
		return nil, err
	}

	user := aws.ToString(params.UserName)
	keys, ok := f.Users[user]
	if !ok {
		return nil, &types.NoSuchEntityException{
			Message: aws.String(fmt.Sprintf("The user with name %s cannot be found", user)),
		}
	}

	active := 0
	for _, k := range keys {
		if k.Status == types.StatusTypeActive {
			active++
		}
	}
	if active >= f.MaxKeys {
		return nil, &types.LimitExceededException{
			Message: aws.String(fmt.Sprintf("Cannot exceed quota for AccessKeysPerUser: %d", f.MaxKeys)),
		}
	}

	f.counter++
	key := &FakeAccessKey{
		ID:         fmt.Sprintf("AKIAFAKE%012d", f.counter),
		Secret:     fmt.Sprintf("secret-material-%d", f.counter),
		Status:     types.StatusTypeActive,
		CreateDate: f.now,
	}
	f.now = f.now.Add(time.Hour)
	f.Users[user] = append(keys, key)

	return &iam.CreateAccessKeyOutput{
		AccessKey: &types.AccessKey{
			UserName:        aws.String(user),
			AccessKeyId:     aws.String(key.ID),
			SecretAccessKey: aws.String(key.Secret),
			Status:          key.Status,
			CreateDate:      aws.Time(key.CreateDate),
		},
	}, nil
}

// DeleteAccessKey implements the provisioner client interface.
func (f *FakeIAM) DeleteAccessKey(ctx context.Context, params *iam.DeleteAccessKeyInput, optFns ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.opErr("DeleteAccessKey"); err != nil {
		return nil, err
	}

	user := aws.ToString(params.UserName)
	id := aws.ToString(params.AccessKeyId)

	keys := f.Users[user]
	for i, k := range keys {
		if k.ID == id {
			f.Users[user] = append(keys[:i], keys[i+1:]...)
			f.Deleted = append(f.Deleted, id)
			return &iam.DeleteAccessKeyOutput{}, nil
		}
	}
	return nil, &types.NoSuchEntityException{
		Message: aws.String(fmt.Sprintf("The Access Key with id %s cannot be found", id)),
	}
}

// ListAccessKeys implements the provisioner client interface.
func (f *FakeIAM) ListAccessKeys(ctx context.Context, params *iam.ListAccessKeysInput, optFns ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.opErr("ListAccessKeys"); err != nil {
		return nil, err
	}

	user := aws.ToString(params.UserName)
	keys, ok := f.Users[user]
	if !ok {
		return nil, &types.NoSuchEntityException{
			Message: aws.String(fmt.Sprintf("The user with name %s cannot be found", user)),
		}
	}

	meta := make([]types.AccessKeyMetadata, 0, len(keys))
	for _, k := range keys {
		meta = append(meta, types.AccessKeyMetadata{
			UserName:    aws.String(user),
			AccessKeyId: aws.String(k.ID),
			Status:      k.Status,
			CreateDate:  aws.Time(k.CreateDate),
		})
	}
	return &iam.ListAccessKeysOutput{AccessKeyMetadata: meta}, nil
}
