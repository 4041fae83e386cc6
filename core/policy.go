package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
)

const (
	// DefaultToken is USDC on Base mainnet.
	DefaultToken = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"

	DefaultRealm                 = "paygate"
	DefaultTokenName             = "USD Coin"
	DefaultTokenVersion          = "2"
	DefaultChainID               = 8453
	DefaultRequiredConfirmations = 1
	DefaultRequestTimeout        = 10 * time.Second
	DefaultChallengeTTL          = 5 * time.Minute
)

var validate = validator.New()

// PolicyParams is the textual form of a Policy, as read from configuration.
type PolicyParams struct {
	Recipient             string        `validate:"required,eth_addr"`
	Token                 string        `validate:"omitempty,eth_addr"`
	MinAmount             *big.Int      `validate:"-"`
	RPCEndpoint           string        `validate:"required,url"`
	MaxAge                time.Duration `validate:"gte=0"`
	RequiredConfirmations uint64
	RequestTimeout        time.Duration `validate:"gte=0"`
	Realm                 string
	ChallengeTTL          time.Duration `validate:"gte=0"`
	ChainID               *big.Int      `validate:"-"`
	TokenName             string
	TokenVersion          string
}

// Policy describes what counts as a valid payment for one gate.
// A Policy is immutable once built.
type Policy struct {
	Recipient             common.Address
	MinAmount             *big.Int
	Token                 common.Address
	RPCEndpoint           string
	MaxAge                time.Duration // zero disables the age check
	RequiredConfirmations uint64
	RequestTimeout        time.Duration

	Realm        string
	ChallengeTTL time.Duration
	ChainID      *big.Int
	TokenName    string
	TokenVersion string
}

// NewPolicy validates params and fills defaults.
func NewPolicy(p PolicyParams) (Policy, error) {
	if err := validate.Struct(p); err != nil {
		return Policy{}, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if p.MinAmount != nil && p.MinAmount.Sign() < 0 {
		return Policy{}, fmt.Errorf("%w: minimum amount must not be negative", ErrInvalidPolicy)
	}

	policy := Policy{
		Recipient:             common.HexToAddress(p.Recipient),
		MinAmount:             new(big.Int),
		Token:                 common.HexToAddress(DefaultToken),
		RPCEndpoint:           p.RPCEndpoint,
		MaxAge:                p.MaxAge,
		RequiredConfirmations: p.RequiredConfirmations,
		RequestTimeout:        p.RequestTimeout,
		Realm:                 p.Realm,
		ChallengeTTL:          p.ChallengeTTL,
		ChainID:               big.NewInt(DefaultChainID),
		TokenName:             p.TokenName,
		TokenVersion:          p.TokenVersion,
	}
	if p.MinAmount != nil {
		policy.MinAmount.Set(p.MinAmount)
	}
	if p.Token != "" {
		policy.Token = common.HexToAddress(p.Token)
	}
	if p.ChainID != nil {
		policy.ChainID = new(big.Int).Set(p.ChainID)
	}
	if policy.RequiredConfirmations == 0 {
		policy.RequiredConfirmations = DefaultRequiredConfirmations
	}
	if policy.RequestTimeout == 0 {
		policy.RequestTimeout = DefaultRequestTimeout
	}
	if policy.Realm == "" {
		policy.Realm = DefaultRealm
	}
	if policy.ChallengeTTL == 0 {
		policy.ChallengeTTL = DefaultChallengeTTL
	}
	if policy.TokenName == "" {
		policy.TokenName = DefaultTokenName
	}
	if policy.TokenVersion == "" {
		policy.TokenVersion = DefaultTokenVersion
	}

	return policy, nil
}

// ForRequest narrows the policy to the terms of an issued challenge.
func (p Policy) ForRequest(req PaymentRequest) Policy {
	narrowed := p
	narrowed.Recipient = req.Destination
	narrowed.Token = req.Asset
	narrowed.MinAmount = new(big.Int).Set(req.Amount)
	return narrowed
}

// Fingerprint identifies the settlement terms of the policy. Two policies
// with equal fingerprints accept exactly the same transactions.
func (p Policy) Fingerprint() string {
	h := sha256.New()
	h.Write(p.Recipient.Bytes())
	h.Write(p.Token.Bytes())
	if p.MinAmount != nil {
		h.Write([]byte(p.MinAmount.String()))
	}
	h.Write([]byte{0})
	h.Write([]byte(p.RPCEndpoint))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(int64(p.MaxAge), 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(p.RequiredConfirmations, 10)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
