package core

import "github.com/ethereum/go-ethereum/common"

// Outcome is the kind of decision the gate reached.
type Outcome int

const (
	OutcomeAuthorized Outcome = iota + 1
	OutcomeChallengeRequired
	OutcomeDenied
	OutcomeUnavailable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAuthorized:
		return "authorized"
	case OutcomeChallengeRequired:
		return "challenge_required"
	case OutcomeDenied:
		return "denied"
	case OutcomeUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// GateResult is the tagged result of a gate decision. Exactly one of the
// outcome-specific fields is meaningful for a given Outcome.
type GateResult struct {
	Outcome Outcome
	Code    Code
	Message string

	Reference   common.Hash // Authorized
	ChallengeID string      // Authorized via a redeemed challenge
	Receipt     string      // Authorized, when receipts are enabled
	Challenge   *Challenge  // ChallengeRequired
}

// Authorized builds a successful result for ref.
func Authorized(ref common.Hash) GateResult {
	return GateResult{Outcome: OutcomeAuthorized, Reference: ref}
}

// ChallengeRequired asks the caller to pay against ch.
func ChallengeRequired(ch *Challenge, code Code) GateResult {
	return GateResult{
		Outcome:   OutcomeChallengeRequired,
		Code:      code,
		Message:   "payment required",
		Challenge: ch,
	}
}

// Denied rejects the credential for the reason carried by err.
func Denied(err error) GateResult {
	return GateResult{Outcome: OutcomeDenied, Code: CodeOf(err), Message: err.Error()}
}

// Unavailable reports that the decision could not be made. Details of the
// underlying failure are logged, never returned to the caller.
func Unavailable() GateResult {
	return GateResult{Outcome: OutcomeUnavailable, Code: CodeInfrastructure, Message: ErrInfrastructure.Error()}
}

// IsAuthorized reports whether the request may proceed.
func (r GateResult) IsAuthorized() bool {
	return r.Outcome == OutcomeAuthorized
}
