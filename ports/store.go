package ports

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/paygate/core"
)

// ReplayStore remembers transaction references that already authorized a
// request.
type ReplayStore interface {
	// CheckAndRecord atomically records ref and reports whether it was new.
	CheckAndRecord(ctx context.Context, ref common.Hash) (bool, error)
}

// ChallengeStore keeps issued challenges and enforces single use
type ChallengeStore interface {
	Save(ctx context.Context, challenge *core.Challenge) error

	// Claim marks an unexpired, unclaimed challenge as used. Expired
	// challenges are evicted and reported as core.ErrChallengeExpired.
	Claim(ctx context.Context, id string, now time.Time) (*core.Challenge, error)

	// Release returns a claimed challenge to the unclaimed state without
	// changing its expiry. A challenge can be released once; a second
	// release fails with core.ErrChallengeAlreadyUsed and leaves it claimed.
	Release(ctx context.Context, id string, now time.Time) error

	// Consume removes a redeemed challenge for good.
	Consume(ctx context.Context, id string) error

	// Sweep evicts every challenge expired at now and returns how many.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// CredentialStore resolves stored credential pointers to signer addresses
type CredentialStore interface {
	Lookup(ctx context.Context, credentialID string) (common.Address, error)
}
