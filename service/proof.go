package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/layer-3/paygate/core"
	"github.com/layer-3/paygate/internal/eth"
	"github.com/layer-3/paygate/ports"
)

// settlement is a checked proof ready to be broadcast.
type settlement struct {
	tx            *types.Transaction          // ProofTransaction
	authorization *core.TransferAuthorization // ProofWebAuthn
	signature     []byte
}

// ProofChecker matches challenge-bound proofs against the challenge terms.
type ProofChecker struct {
	credentials ports.CredentialStore
	now         func() time.Time
}

// NewProofChecker creates a checker. credentials may be nil, in which case
// delegated proofs are always rejected.
func NewProofChecker(credentials ports.CredentialStore) *ProofChecker {
	return &ProofChecker{credentials: credentials, now: time.Now}
}

// Check validates proof against challenge and returns what to broadcast.
// Mismatches wrap core.ErrProofMismatch.
func (c *ProofChecker) Check(ctx context.Context, challenge *core.Challenge, proof *core.Proof, policy core.Policy) (*settlement, error) {
	switch proof.Type {
	case core.ProofTransaction:
		return c.checkTransaction(challenge, proof, policy)
	case core.ProofWebAuthn:
		return c.checkAuthorization(ctx, challenge, proof, policy)
	default:
		return nil, fmt.Errorf("%w: unsupported proof type %q", core.ErrProofMismatch, proof.Type)
	}
}

func (c *ProofChecker) checkTransaction(challenge *core.Challenge, proof *core.Proof, policy core.Policy) (*settlement, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(proof.Transaction); err != nil {
		return nil, fmt.Errorf("%w: undecodable transaction: %v", core.ErrProofMismatch, err)
	}

	if tx.To() == nil || *tx.To() != challenge.Request.Asset {
		return nil, fmt.Errorf("%w: transaction does not target the asset", core.ErrProofMismatch)
	}

	transfer, err := eth.DecodeTransferCall(tx.Data())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProofMismatch, err)
	}
	if transfer.To != challenge.Request.Destination {
		return nil, fmt.Errorf("%w: wrong destination", core.ErrProofMismatch)
	}
	if transfer.Value.Cmp(challenge.Request.Amount) != 0 {
		return nil, fmt.Errorf("%w: amount %s, want %s", core.ErrProofMismatch, transfer.Value, challenge.Request.Amount)
	}

	if chainID := tx.ChainId(); chainID.Sign() != 0 && policy.ChainID != nil && chainID.Cmp(policy.ChainID) != 0 {
		return nil, fmt.Errorf("%w: transaction signed for chain %s", core.ErrProofMismatch, chainID)
	}
	if _, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); err != nil {
		return nil, fmt.Errorf("%w: invalid transaction signature", core.ErrProofMismatch)
	}

	return &settlement{tx: tx}, nil
}

func (c *ProofChecker) checkAuthorization(ctx context.Context, challenge *core.Challenge, proof *core.Proof, policy core.Policy) (*settlement, error) {
	if c.credentials == nil {
		return nil, fmt.Errorf("%w: delegated proofs are not accepted", core.ErrProofMismatch)
	}

	signer, err := c.credentials.Lookup(ctx, proof.CredentialID)
	if errors.Is(err, core.ErrUnknownCredential) {
		return nil, fmt.Errorf("%w: %v", core.ErrProofMismatch, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInfrastructure, err)
	}

	auth := proof.Authorization
	if auth.From != signer {
		return nil, fmt.Errorf("%w: authorization is not from the credential owner", core.ErrProofMismatch)
	}
	if auth.To != challenge.Request.Destination {
		return nil, fmt.Errorf("%w: wrong destination", core.ErrProofMismatch)
	}
	if auth.Value.Cmp(challenge.Request.Amount) != 0 {
		return nil, fmt.Errorf("%w: amount %s, want %s", core.ErrProofMismatch, auth.Value, challenge.Request.Amount)
	}

	now := big.NewInt(c.now().Unix())
	if now.Cmp(auth.ValidAfter) <= 0 || now.Cmp(auth.ValidBefore) >= 0 {
		return nil, fmt.Errorf("%w: authorization outside its validity window", core.ErrProofMismatch)
	}

	domain := eth.EIP712Domain{
		Name:              policy.TokenName,
		Version:           policy.TokenVersion,
		ChainID:           policy.ChainID,
		VerifyingContract: challenge.Request.Asset,
	}
	recovered, err := eth.RecoverAuthorizationSigner(domain, auth, proof.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProofMismatch, err)
	}
	if recovered != signer {
		return nil, fmt.Errorf("%w: signature does not match credential", core.ErrProofMismatch)
	}

	return &settlement{authorization: auth, signature: proof.Signature}, nil
}
