package tokenizer

import "github.com/golang-jwt/jwt/v5"

// ReceiptClaims combines standard claims with receipt-specific ones
type ReceiptClaims struct {
	jwt.RegisteredClaims
	Reference   string `json:"ref"`
	ChallengeID string `json:"cid,omitempty"`
}
