// Package fakes provides scriptable in-memory fakes of the AWS clients the
// rotation engine consumes: Secrets Manager with real staging-label
// semantics, IAM access-key management with the two-key ceiling, and an STS
// caller-identity endpoint keyed by issued credentials.
//
// The fakes implement the same client interfaces the production code uses, so
// tests exercise the real engine with nothing swapped out but the transport.
package fakes
