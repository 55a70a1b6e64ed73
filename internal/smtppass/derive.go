// Package smtppass derives SES SMTP passwords from IAM secret access keys.
//
// SES does not accept raw IAM credentials on its SMTP endpoint. The SMTP
// username is the access key id and the SMTP password is a fixed SigV4
// signing-key chain over the secret access key, documented at
// https://docs.aws.amazon.com/ses/latest/dg/smtp-credentials.html
// The transform is pure and deterministic: no network calls, identical inputs
// always yield byte-identical output.
package smtppass

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Fixed inputs of the SigV4 signing-key derivation for SMTP credentials.
const (
	date     = "11111111"
	service  = "ses"
	message  = "SendRawEmail"
	terminal = "aws4_request"
	version  = 0x04
)

func sign(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

// Derive converts an IAM secret access key into the SMTP password for the
// given region. The caller keeps ownership of secretAccessKey and should wipe
// it when done.
func Derive(secretAccessKey []byte, region string) (string, error) {
	if len(secretAccessKey) == 0 {
		return "", fmt.Errorf("secret access key is empty")
	}
	if region == "" {
		return "", fmt.Errorf("region is required")
	}

	key := append([]byte("AWS4"), secretAccessKey...)
	signature := sign(key, date)
	signature = sign(signature, region)
	signature = sign(signature, service)
	signature = sign(signature, terminal)
	signature = sign(signature, message)

	versioned := append([]byte{version}, signature...)
	return base64.StdEncoding.EncodeToString(versioned), nil
}

// Username returns the SMTP username for an access key pair. It is the access
// key id unchanged; the function exists so call sites read as a derivation
// rather than a field copy.
func Username(accessKeyID string) string {
	return accessKeyID
}
