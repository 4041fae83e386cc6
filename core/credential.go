package core

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Scheme is the authorization scheme carried in the Authorization header.
const Scheme = "Payment"

var referencePattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ParseReference checks the textual shape of a transaction hash.
func ParseReference(s string) (common.Hash, error) {
	if !referencePattern.MatchString(s) {
		return common.Hash{}, ErrInvalidReference
	}
	return common.HexToHash(s), nil
}

// CredentialKind tells which form a parsed credential took.
type CredentialKind int

const (
	CredentialReference CredentialKind = iota + 1
	CredentialProof
)

// ProofType selects how a challenge-bound proof is checked.
type ProofType string

const (
	ProofTransaction ProofType = "transaction"
	ProofWebAuthn    ProofType = "webauthn"
)

// TransferAuthorization is an EIP-3009 transferWithAuthorization message.
type TransferAuthorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// Proof is a credential bound to a previously issued challenge.
type Proof struct {
	ChallengeID string
	Type        ProofType

	// Transaction is the raw signed transaction for ProofTransaction.
	Transaction []byte

	// The fields below are set for ProofWebAuthn. CredentialID points into
	// the credential registry that maps it to a signer address.
	CredentialID  string
	Signature     []byte
	Authorization *TransferAuthorization
}

// Credential is the typed form of an Authorization header value.
type Credential struct {
	Kind      CredentialKind
	Reference common.Hash
	Proof     *Proof
}

type envelope struct {
	ID      string          `json:"id"`
	Payload envelopePayload `json:"payload"`
}

type envelopePayload struct {
	Type          ProofType              `json:"type"`
	Transaction   string                 `json:"transaction"`
	CredentialID  string                 `json:"credentialId"`
	Signature     string                 `json:"signature"`
	Authorization *authorizationEnvelope `json:"authorization"`
}

type authorizationEnvelope struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ParseCredential turns a raw Authorization header value into a Credential.
// It never touches the network.
//
// An empty value yields ErrCredentialAbsent, which callers treat as a request
// for a challenge rather than a failure.
func ParseCredential(raw string) (Credential, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Credential{}, ErrCredentialAbsent
	}

	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, Scheme) {
		return Credential{}, ErrMalformedCredential
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return Credential{}, ErrMalformedCredential
	}

	if strings.HasPrefix(token, "0x") || strings.HasPrefix(token, "0X") {
		ref, err := ParseReference(token)
		if err != nil {
			return Credential{}, err
		}
		return Credential{Kind: CredentialReference, Reference: ref}, nil
	}

	proof, err := ParseProofEnvelope(token)
	if err != nil {
		return Credential{}, err
	}
	return Credential{Kind: CredentialProof, Proof: proof}, nil
}

// ParseProofEnvelope decodes a base64url JSON envelope {id, payload}.
func ParseProofEnvelope(encoded string) (*Proof, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: envelope is not base64url", ErrMalformedCredential)
	}
	return DecodeProof(data)
}

// DecodeProof decodes the JSON envelope {id, payload}.
func DecodeProof(data []byte) (*Proof, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("%w: missing challenge id", ErrMalformedCredential)
	}

	proof := &Proof{ChallengeID: env.ID, Type: env.Payload.Type}

	switch env.Payload.Type {
	case ProofTransaction:
		tx, err := hexutil.Decode(env.Payload.Transaction)
		if err != nil || len(tx) == 0 {
			return nil, fmt.Errorf("%w: bad transaction payload", ErrMalformedCredential)
		}
		proof.Transaction = tx
	case ProofWebAuthn:
		if env.Payload.CredentialID == "" || env.Payload.Authorization == nil {
			return nil, fmt.Errorf("%w: incomplete webauthn payload", ErrMalformedCredential)
		}
		sig, err := hexutil.Decode(env.Payload.Signature)
		if err != nil || len(sig) != 65 {
			return nil, fmt.Errorf("%w: signature must be 65 bytes", ErrMalformedCredential)
		}
		auth, err := env.Payload.Authorization.decode()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
		}
		proof.CredentialID = env.Payload.CredentialID
		proof.Signature = sig
		proof.Authorization = auth
	default:
		return nil, fmt.Errorf("%w: unknown payload type %q", ErrMalformedCredential, env.Payload.Type)
	}

	return proof, nil
}

func (a *authorizationEnvelope) decode() (*TransferAuthorization, error) {
	if !common.IsHexAddress(a.From) || !common.IsHexAddress(a.To) {
		return nil, fmt.Errorf("bad authorization address")
	}
	value, ok := parseUint(a.Value)
	if !ok {
		return nil, fmt.Errorf("bad authorization value")
	}
	validAfter, ok := parseUint(a.ValidAfter)
	if !ok {
		return nil, fmt.Errorf("bad validAfter")
	}
	validBefore, ok := parseUint(a.ValidBefore)
	if !ok {
		return nil, fmt.Errorf("bad validBefore")
	}
	nonce, err := hexutil.Decode(a.Nonce)
	if err != nil || len(nonce) != 32 {
		return nil, fmt.Errorf("nonce must be 32 bytes")
	}

	auth := &TransferAuthorization{
		From:        common.HexToAddress(a.From),
		To:          common.HexToAddress(a.To),
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
	}
	copy(auth.Nonce[:], nonce)
	return auth, nil
}

// parseUint accepts decimal or 0x-prefixed hex unsigned integers.
func parseUint(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 0)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

// EncodeProof renders a proof as the base64url envelope accepted by
// ParseCredential. Clients and tests use it to build credentials.
func EncodeProof(p *Proof) (string, error) {
	env := envelope{ID: p.ChallengeID, Payload: envelopePayload{Type: p.Type}}
	switch p.Type {
	case ProofTransaction:
		env.Payload.Transaction = hexutil.Encode(p.Transaction)
	case ProofWebAuthn:
		if p.Authorization == nil {
			return "", fmt.Errorf("%w: missing authorization", ErrMalformedCredential)
		}
		env.Payload.CredentialID = p.CredentialID
		env.Payload.Signature = hexutil.Encode(p.Signature)
		env.Payload.Authorization = &authorizationEnvelope{
			From:        p.Authorization.From.Hex(),
			To:          p.Authorization.To.Hex(),
			Value:       p.Authorization.Value.String(),
			ValidAfter:  p.Authorization.ValidAfter.String(),
			ValidBefore: p.Authorization.ValidBefore.String(),
			Nonce:       hexutil.Encode(p.Authorization.Nonce[:]),
		}
	default:
		return "", fmt.Errorf("%w: unknown payload type %q", ErrMalformedCredential, p.Type)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal proof: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}
