package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/paygate/core"
	"github.com/layer-3/paygate/ports"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key the gate writes.
const DefaultPrefix = "paygate:"

// RedisReplayStore is a Redis implementation of ports.ReplayStore, shared
// by every gate instance pointing at the same Redis.
type RedisReplayStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisReplayStore creates a new Redis replay store. A zero retention
// keeps references forever.
func NewRedisReplayStore(client *redis.Client, prefix string, retention time.Duration) *RedisReplayStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisReplayStore{
		client:    client,
		prefix:    prefix + "replay:",
		retention: retention,
	}
}

var _ ports.ReplayStore = (*RedisReplayStore)(nil)

// CheckAndRecord uses SETNX so exactly one concurrent caller wins
func (s *RedisReplayStore) CheckAndRecord(ctx context.Context, ref common.Hash) (bool, error) {
	key := s.prefix + ref.Hex()

	fresh, err := s.client.SetNX(ctx, key, "1", s.retention).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record reference: %w", err)
	}

	return fresh, nil
}

// Claim results returned by claimScript.
const (
	claimOK      = 1
	claimUnknown = -1
	claimExpired = -2
	claimUsed    = -3
)

// KEYS[1] challenge hash, ARGV[1] now in unix milliseconds.
var claimScript = redis.NewScript(`
local h = redis.call('HMGET', KEYS[1], 'challenge', 'used', 'expires')
if not h[1] then
	return {-1}
end
if tonumber(ARGV[1]) >= tonumber(h[3]) then
	redis.call('DEL', KEYS[1])
	return {-2}
end
if h[2] == '1' then
	return {-3}
end
redis.call('HSET', KEYS[1], 'used', '1')
return {1, h[1]}
`)

var releaseScript = redis.NewScript(`
local expires = redis.call('HGET', KEYS[1], 'expires')
if not expires then
	return -1
end
if tonumber(ARGV[1]) >= tonumber(expires) then
	redis.call('DEL', KEYS[1])
	return -2
end
if redis.call('HGET', KEYS[1], 'released') == '1' then
	return -3
end
redis.call('HSET', KEYS[1], 'used', '0', 'released', '1')
return 1
`)

// RedisChallengeStore is a Redis implementation of ports.ChallengeStore.
// Claim and release run as Lua scripts so each is a single atomic step.
type RedisChallengeStore struct {
	client *redis.Client
	prefix string
}

// NewRedisChallengeStore creates a new Redis challenge store
func NewRedisChallengeStore(client *redis.Client, prefix string) *RedisChallengeStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisChallengeStore{
		client: client,
		prefix: prefix + "challenge:",
	}
}

var _ ports.ChallengeStore = (*RedisChallengeStore)(nil)

// Save stores the challenge and lets Redis expire it
func (s *RedisChallengeStore) Save(ctx context.Context, challenge *core.Challenge) error {
	payload, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}

	key := s.prefix + challenge.ID
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"challenge", payload,
			"used", "0",
			"expires", strconv.FormatInt(challenge.ExpiresAt.UnixMilli(), 10),
		)
		pipe.PExpireAt(ctx, key, challenge.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save challenge: %w", err)
	}

	return nil
}

// Claim marks the challenge as used
func (s *RedisChallengeStore) Claim(ctx context.Context, id string, now time.Time) (*core.Challenge, error) {
	res, err := claimScript.Run(ctx, s.client, []string{s.prefix + id}, now.UnixMilli()).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to claim challenge: %w", err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("failed to claim challenge: empty script result")
	}

	status, _ := res[0].(int64)
	switch status {
	case claimUnknown:
		return nil, core.ErrUnknownChallenge
	case claimExpired:
		return nil, core.ErrChallengeExpired
	case claimUsed:
		return nil, core.ErrChallengeAlreadyUsed
	case claimOK:
	default:
		return nil, fmt.Errorf("failed to claim challenge: unexpected status %v", res[0])
	}

	payload, ok := res[1].(string)
	if !ok {
		return nil, fmt.Errorf("failed to claim challenge: unexpected payload %T", res[1])
	}

	var challenge core.Challenge
	if err := json.Unmarshal([]byte(payload), &challenge); err != nil {
		return nil, fmt.Errorf("failed to unmarshal challenge: %w", err)
	}

	return &challenge, nil
}

// Release returns a claimed challenge to the unclaimed state, once
func (s *RedisChallengeStore) Release(ctx context.Context, id string, now time.Time) error {
	status, err := releaseScript.Run(ctx, s.client, []string{s.prefix + id}, now.UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("failed to release challenge: %w", err)
	}

	switch status {
	case claimUnknown:
		return core.ErrUnknownChallenge
	case claimExpired:
		return core.ErrChallengeExpired
	case claimUsed:
		return core.ErrChallengeAlreadyUsed
	}
	return nil
}

// Consume removes a redeemed challenge
func (s *RedisChallengeStore) Consume(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.prefix+id).Err(); err != nil {
		return fmt.Errorf("failed to consume challenge: %w", err)
	}
	return nil
}

// Sweep is a no-op: Redis expires challenge keys on its own.
func (s *RedisChallengeStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

// RedisCredentialStore resolves credential ids from a Redis hash
type RedisCredentialStore struct {
	client *redis.Client
	key    string
}

// NewRedisCredentialStore creates a new Redis credential store
func NewRedisCredentialStore(client *redis.Client, prefix string) *RedisCredentialStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisCredentialStore{
		client: client,
		key:    prefix + "credentials",
	}
}

var _ ports.CredentialStore = (*RedisCredentialStore)(nil)

// Register binds credentialID to signer
func (s *RedisCredentialStore) Register(ctx context.Context, credentialID string, signer common.Address) error {
	if err := s.client.HSet(ctx, s.key, credentialID, signer.Hex()).Err(); err != nil {
		return fmt.Errorf("failed to register credential: %w", err)
	}
	return nil
}

// Lookup resolves credentialID to its signer address
func (s *RedisCredentialStore) Lookup(ctx context.Context, credentialID string) (common.Address, error) {
	val, err := s.client.HGet(ctx, s.key, credentialID).Result()
	if errors.Is(err, redis.Nil) {
		return common.Address{}, core.ErrUnknownCredential
	}
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to look up credential: %w", err)
	}
	if !common.IsHexAddress(val) {
		return common.Address{}, fmt.Errorf("stored credential %q has invalid address", credentialID)
	}

	return common.HexToAddress(val), nil
}
