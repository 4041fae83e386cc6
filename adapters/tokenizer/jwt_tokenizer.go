package tokenizer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/paygate/core"
	"github.com/layer-3/paygate/ports"
)

const AudienceReceipt = "payment:receipt"

// ErrInvalidReceipt is returned for receipts that fail verification
var ErrInvalidReceipt = errors.New("invalid receipt")

// JWTTokenizer implements the Tokenizer interface using ES256 JWTs
type JWTTokenizer struct {
	signKey *ecdsa.PrivateKey
}

// NewJWTTokenizer creates a new JWT tokenizer
func NewJWTTokenizer(signKey *ecdsa.PrivateKey) *JWTTokenizer {
	return &JWTTokenizer{signKey: signKey}
}

var _ ports.Tokenizer = (*JWTTokenizer)(nil)

// ReceiptToToken converts a Receipt to a JWT token
func (j *JWTTokenizer) ReceiptToToken(receipt *core.Receipt) (string, error) {
	claims := ReceiptClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   receipt.Realm,
			ID:        receipt.ID,
			ExpiresAt: jwt.NewNumericDate(receipt.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(receipt.IssuedAt),
			Audience:  jwt.ClaimStrings{AudienceReceipt},
		},
		Reference:   receipt.Reference.Hex(),
		ChallengeID: receipt.ChallengeID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)

	signedToken, err := token.SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign receipt: %w", err)
	}

	return signedToken, nil
}

// TokenToReceipt parses and verifies a receipt token
func (j *JWTTokenizer) TokenToReceipt(tokenStr string) (*core.Receipt, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &ReceiptClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &j.signKey.PublicKey, nil
	}, jwt.WithAudience(AudienceReceipt))

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReceipt, err)
	}

	if !token.Valid {
		return nil, ErrInvalidReceipt
	}

	claims, ok := token.Claims.(*ReceiptClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}

	receipt := &core.Receipt{
		ID:          claims.ID,
		Reference:   common.HexToHash(claims.Reference),
		ChallengeID: claims.ChallengeID,
		Realm:       claims.Subject,
		IssuedAt:    claims.IssuedAt.Time,
		ExpiresAt:   claims.ExpiresAt.Time,
	}

	return receipt, nil
}
