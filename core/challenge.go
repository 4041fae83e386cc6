package core

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MethodERC20 is the only payment method the gate issues challenges for.
const MethodERC20 = "erc20"

// PaymentRequest is the amount, asset and destination a challenge demands.
type PaymentRequest struct {
	Amount      *big.Int       `json:"amount"`
	Asset       common.Address `json:"asset"`
	Destination common.Address `json:"destination"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// Challenge is a single-use, time-boxed demand for payment
type Challenge struct {
	ID        string         `json:"id"`     // Unguessable identifier
	Realm     string         `json:"realm"`  // Protection space the challenge belongs to
	Method    string         `json:"method"` // Payment method, always MethodERC20
	Request   PaymentRequest `json:"request"`
	IssuedAt  time.Time      `json:"issued_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Expired reports whether the challenge can no longer be redeemed at now.
func (c Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Receipt records a successful authorization.
type Receipt struct {
	ID          string
	Reference   common.Hash
	ChallengeID string
	Realm       string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// AuthorizationEvent is published to other instances whenever the gate
// authorizes a request.
type AuthorizationEvent struct {
	Reference   string    `json:"reference"`
	ChallengeID string    `json:"challenge_id,omitempty"`
	Realm       string    `json:"realm"`
	Recipient   string    `json:"recipient"`
	Token       string    `json:"token"`
	At          time.Time `json:"at"`
}
