package service

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/paygate/core"
	"github.com/layer-3/paygate/logger"
	"github.com/layer-3/paygate/ports"
)

// ChallengeManager issues challenges and enforces their single use.
type ChallengeManager struct {
	store ports.ChallengeStore
	log   logger.Logger
	now   func() time.Time
}

// NewChallengeManager creates a challenge manager backed by store
func NewChallengeManager(store ports.ChallengeStore, log logger.Logger) *ChallengeManager {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &ChallengeManager{store: store, log: log, now: time.Now}
}

// Issue creates and stores a fresh challenge for policy. Expired challenges
// are swept first.
func (m *ChallengeManager) Issue(ctx context.Context, policy core.Policy) (*core.Challenge, error) {
	now := m.now()

	if evicted, err := m.store.Sweep(ctx, now); err != nil {
		m.log.Warn("failed to sweep expired challenges", map[string]any{"error": err})
	} else if evicted > 0 {
		m.log.Debug("swept expired challenges", map[string]any{"count": evicted})
	}

	expiresAt := now.Add(policy.ChallengeTTL)
	challenge := &core.Challenge{
		ID:     uuid.New().String(),
		Realm:  policy.Realm,
		Method: core.MethodERC20,
		Request: core.PaymentRequest{
			Amount:      new(big.Int).Set(policy.MinAmount),
			Asset:       policy.Token,
			Destination: policy.Recipient,
			ExpiresAt:   expiresAt,
		},
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}

	if err := m.store.Save(ctx, challenge); err != nil {
		return nil, fmt.Errorf("%w: failed to save challenge: %v", core.ErrInfrastructure, err)
	}

	return challenge, nil
}

// Claim takes exclusive ownership of an unexpired, unclaimed challenge
func (m *ChallengeManager) Claim(ctx context.Context, id string) (*core.Challenge, error) {
	challenge, err := m.store.Claim(ctx, id, m.now())
	if err != nil {
		return nil, storeError(err)
	}
	return challenge, nil
}

// Release gives a claimed challenge back so it can be retried once more
// before expiry
func (m *ChallengeManager) Release(ctx context.Context, id string) error {
	return storeError(m.store.Release(ctx, id, m.now()))
}

// Consume retires a challenge after successful redemption
func (m *ChallengeManager) Consume(ctx context.Context, id string) error {
	return storeError(m.store.Consume(ctx, id))
}

// storeError keeps lifecycle errors as they are and marks everything else as
// an infrastructure failure.
func storeError(err error) error {
	if err == nil {
		return nil
	}
	switch core.CodeOf(err) {
	case core.CodeUnknownChallenge, core.CodeChallengeExpired, core.CodeChallengeAlreadyUsed:
		return err
	}
	return fmt.Errorf("%w: %v", core.ErrInfrastructure, err)
}
