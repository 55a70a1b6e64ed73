package secretstore

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	roterrors "github.com/systmms/smtprotate/internal/errors"
)

// Stage is a Secrets Manager staging label. Exactly one version carries each
// label at any instant; AWSCURRENT always resolves to a credential the
// identity provider accepts.
type Stage string

const (
	// StageCurrent labels the live version consumers read.
	StageCurrent Stage = "AWSCURRENT"
	// StagePending labels the in-flight version of an active rotation.
	StagePending Stage = "AWSPENDING"
	// StagePrevious labels the displaced version kept for the grace window.
	StagePrevious Stage = "AWSPREVIOUS"
)

// Credentials is the secret version payload. The create step writes the raw
// access-key pair; the set step fills the derived SMTP fields so downstream
// consumers need no further derivation at read time.
type Credentials struct {
	SourceIdentityRef string `json:"sourceIdentityRef"`
	AccessKeyID       string `json:"accessKeyId"`
	SecretAccessKey   string `json:"secretAccessKey"`
	ProtocolHost      string `json:"protocolHost,omitempty"`
	ProtocolPort      int    `json:"protocolPort,omitempty"`
	AuthMode          string `json:"authMode,omitempty"`
	AccountDomain     string `json:"accountDomain,omitempty"`
	DerivedUsername   string `json:"derivedUsername,omitempty"`
	DerivedPassword   string `json:"derivedPassword,omitempty"`
	Region            string `json:"region"`
}

// credentialsSchema guards against half-written or foreign payloads ending up
// in the rotation path. Reads and writes both validate against it.
const credentialsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["accessKeyId", "secretAccessKey", "region"],
  "properties": {
    "sourceIdentityRef": {"type": "string"},
    "accessKeyId": {"type": "string", "minLength": 16},
    "secretAccessKey": {"type": "string", "minLength": 1},
    "protocolHost": {"type": "string"},
    "protocolPort": {"type": "integer", "minimum": 1, "maximum": 65535},
    "authMode": {"type": "string", "enum": ["plain", "login"]},
    "accountDomain": {"type": "string"},
    "derivedUsername": {"type": "string"},
    "derivedPassword": {"type": "string"},
    "region": {"type": "string", "minLength": 1}
  },
  "additionalProperties": true
}`

var schemaLoader = gojsonschema.NewStringLoader(credentialsSchema)

// ParseCredentials decodes and validates a secret payload.
func ParseCredentials(data []byte) (*Credentials, error) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, roterrors.ValidationError{
			Op:      "parse payload",
			Message: fmt.Sprintf("payload is not valid JSON: %v", err),
		}
	}
	if !result.Valid() {
		detail := ""
		for _, desc := range result.Errors() {
			if detail != "" {
				detail += "; "
			}
			detail += desc.String()
		}
		return nil, roterrors.ValidationError{Op: "parse payload", Message: detail}
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, roterrors.ValidationError{
			Op:      "parse payload",
			Message: err.Error(),
		}
	}
	return &creds, nil
}

// Encode serializes the payload after re-validating it, so a coding mistake in
// a phase handler cannot publish a malformed version.
func (c *Credentials) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if _, err := ParseCredentials(data); err != nil {
		return nil, err
	}
	return data, nil
}
