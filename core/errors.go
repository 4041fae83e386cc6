package core

import "errors"

var (
	ErrCredentialAbsent     = errors.New("credential absent")
	ErrMalformedCredential  = errors.New("malformed credential")
	ErrInvalidReference     = errors.New("invalid transaction reference")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrReplayDetected       = errors.New("transaction reference already used")
	ErrChallengeExpired     = errors.New("challenge has expired")
	ErrUnknownChallenge     = errors.New("unknown challenge")
	ErrChallengeAlreadyUsed = errors.New("challenge already used")
	ErrProofMismatch        = errors.New("proof does not match challenge")
	ErrUnknownCredential    = errors.New("unknown credential")
	ErrInfrastructure       = errors.New("infrastructure failure")
	ErrInvalidPolicy        = errors.New("invalid policy")
)

// Code is a stable machine-readable denial code shared with adapters.
type Code string

const (
	CodeNone                 Code = ""
	CodePaymentRequired      Code = "payment_required"
	CodeMalformedCredential  Code = "malformed_credential"
	CodeInvalidReference     Code = "invalid_reference"
	CodePaymentNotFound      Code = "payment_not_found"
	CodeReplayDetected       Code = "replay_detected"
	CodeChallengeExpired     Code = "challenge_expired"
	CodeUnknownChallenge     Code = "unknown_challenge"
	CodeChallengeAlreadyUsed Code = "challenge_already_used"
	CodeProofMismatch        Code = "proof_mismatch"
	CodeInfrastructure       Code = "infrastructure_failure"
)

// CodeOf maps an error returned by the gate components to its denial code.
// Unrecognised errors are reported as infrastructure failures.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeNone
	case errors.Is(err, ErrCredentialAbsent):
		return CodePaymentRequired
	case errors.Is(err, ErrMalformedCredential):
		return CodeMalformedCredential
	case errors.Is(err, ErrInvalidReference):
		return CodeInvalidReference
	case errors.Is(err, ErrPaymentNotFound):
		return CodePaymentNotFound
	case errors.Is(err, ErrReplayDetected):
		return CodeReplayDetected
	case errors.Is(err, ErrChallengeExpired):
		return CodeChallengeExpired
	case errors.Is(err, ErrUnknownChallenge):
		return CodeUnknownChallenge
	case errors.Is(err, ErrChallengeAlreadyUsed):
		return CodeChallengeAlreadyUsed
	case errors.Is(err, ErrProofMismatch):
		return CodeProofMismatch
	default:
		return CodeInfrastructure
	}
}
