package store

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/layer-3/paygate/core"
	"github.com/layer-3/paygate/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChallenge(now time.Time, ttl time.Duration) *core.Challenge {
	return &core.Challenge{
		ID:     uuid.New().String(),
		Realm:  core.DefaultRealm,
		Method: core.MethodERC20,
		Request: core.PaymentRequest{
			Amount:      big.NewInt(1000),
			Asset:       common.HexToAddress(core.DefaultToken),
			Destination: common.HexToAddress("0x1111111111111111111111111111111111111111"),
			ExpiresAt:   now.Add(ttl),
		},
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

// replayStoreSuite runs the ReplayStore contract against any implementation.
func replayStoreSuite(t *testing.T, s ports.ReplayStore) {
	ctx := context.Background()
	ref := common.HexToHash("0x" + uuid.New().String()[:8] + "aa")

	fresh, err := s.CheckAndRecord(ctx, ref)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.CheckAndRecord(ctx, ref)
	require.NoError(t, err)
	assert.False(t, fresh)

	// Exactly one of many concurrent callers wins.
	other := common.HexToHash("0x" + uuid.New().String()[:8] + "bb")
	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CheckAndRecord(ctx, other)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners)
}

// challengeStoreSuite runs the ChallengeStore contract against any implementation.
func challengeStoreSuite(t *testing.T, s ports.ChallengeStore) {
	ctx := context.Background()
	now := time.Now()

	t.Run("claim once", func(t *testing.T) {
		ch := newChallenge(now, time.Minute)
		require.NoError(t, s.Save(ctx, ch))

		claimed, err := s.Claim(ctx, ch.ID, now)
		require.NoError(t, err)
		assert.Equal(t, ch.ID, claimed.ID)
		assert.Equal(t, 0, ch.Request.Amount.Cmp(claimed.Request.Amount))

		_, err = s.Claim(ctx, ch.ID, now)
		assert.ErrorIs(t, err, core.ErrChallengeAlreadyUsed)
	})

	t.Run("release allows a second claim", func(t *testing.T) {
		ch := newChallenge(now, time.Minute)
		require.NoError(t, s.Save(ctx, ch))

		_, err := s.Claim(ctx, ch.ID, now)
		require.NoError(t, err)
		require.NoError(t, s.Release(ctx, ch.ID, now))

		claimed, err := s.Claim(ctx, ch.ID, now)
		require.NoError(t, err)
		assert.True(t, ch.ExpiresAt.Equal(claimed.ExpiresAt), "release must not extend expiry")
	})

	t.Run("release only once", func(t *testing.T) {
		ch := newChallenge(now, time.Minute)
		require.NoError(t, s.Save(ctx, ch))

		_, err := s.Claim(ctx, ch.ID, now)
		require.NoError(t, err)
		require.NoError(t, s.Release(ctx, ch.ID, now))

		_, err = s.Claim(ctx, ch.ID, now)
		require.NoError(t, err)
		err = s.Release(ctx, ch.ID, now)
		assert.ErrorIs(t, err, core.ErrChallengeAlreadyUsed)

		_, err = s.Claim(ctx, ch.ID, now)
		assert.ErrorIs(t, err, core.ErrChallengeAlreadyUsed)
	})

	t.Run("expiry wins over used", func(t *testing.T) {
		ch := newChallenge(now, time.Minute)
		require.NoError(t, s.Save(ctx, ch))

		_, err := s.Claim(ctx, ch.ID, now)
		require.NoError(t, err)

		later := now.Add(2 * time.Minute)
		_, err = s.Claim(ctx, ch.ID, later)
		assert.ErrorIs(t, err, core.ErrChallengeExpired)

		// Evicted on the expired claim.
		_, err = s.Claim(ctx, ch.ID, now)
		assert.ErrorIs(t, err, core.ErrUnknownChallenge)
	})

	t.Run("release after expiry", func(t *testing.T) {
		ch := newChallenge(now, time.Minute)
		require.NoError(t, s.Save(ctx, ch))

		_, err := s.Claim(ctx, ch.ID, now)
		require.NoError(t, err)

		err = s.Release(ctx, ch.ID, now.Add(time.Hour))
		assert.ErrorIs(t, err, core.ErrChallengeExpired)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := s.Claim(ctx, uuid.New().String(), now)
		assert.ErrorIs(t, err, core.ErrUnknownChallenge)
	})

	t.Run("consume", func(t *testing.T) {
		ch := newChallenge(now, time.Minute)
		require.NoError(t, s.Save(ctx, ch))

		_, err := s.Claim(ctx, ch.ID, now)
		require.NoError(t, err)
		require.NoError(t, s.Consume(ctx, ch.ID))

		_, err = s.Claim(ctx, ch.ID, now)
		assert.ErrorIs(t, err, core.ErrUnknownChallenge)
	})

	t.Run("concurrent claims", func(t *testing.T) {
		ch := newChallenge(now, time.Minute)
		require.NoError(t, s.Save(ctx, ch))

		var winners int32
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Claim(ctx, ch.ID, now); err == nil {
					atomic.AddInt32(&winners, 1)
				} else {
					assert.ErrorIs(t, err, core.ErrChallengeAlreadyUsed)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), winners)
	})
}

func TestMemoryReplayStore(t *testing.T) {
	replayStoreSuite(t, NewMemoryReplayStore())
}

func TestMemoryChallengeStore(t *testing.T) {
	challengeStoreSuite(t, NewMemoryChallengeStore())
}

func TestMemoryChallengeStoreSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := NewMemoryChallengeStore()

	require.NoError(t, s.Save(ctx, newChallenge(now, time.Second)))
	require.NoError(t, s.Save(ctx, newChallenge(now, time.Second)))
	require.NoError(t, s.Save(ctx, newChallenge(now, time.Hour)))

	evicted, err := s.Sweep(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, evicted)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryCredentialStore(t *testing.T) {
	signer := common.HexToAddress("0x3333333333333333333333333333333333333333")
	s := NewMemoryCredentialStore(map[string]common.Address{"passkey-1": signer})

	addr, err := s.Lookup(context.Background(), "passkey-1")
	require.NoError(t, err)
	assert.Equal(t, signer, addr)

	_, err = s.Lookup(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrUnknownCredential)

	s.Register("passkey-2", signer)
	_, err = s.Lookup(context.Background(), "passkey-2")
	assert.NoError(t, err)
}
