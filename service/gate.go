package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/layer-3/paygate/core"
	"github.com/layer-3/paygate/logger"
	"github.com/layer-3/paygate/metrics"
	"github.com/layer-3/paygate/ports"
)

const (
	DefaultSettlementTimeout = 30 * time.Second
	DefaultSettlementPoll    = time.Second
	DefaultReceiptTTL        = time.Hour
)

// ErrReceiptsDisabled is returned by Receipt when no tokenizer is configured.
var ErrReceiptsDisabled = errors.New("receipts are not enabled")

var errNotSettled = errors.New("transaction not settled")

type noopPublisher struct{}

func (noopPublisher) PublishAuthorized(context.Context, core.AuthorizationEvent) error { return nil }

// verdict is a verification result tagged with the policy it was computed for.
type verdict struct {
	fingerprint string
	ok          bool
}

// Option configures a GateService.
type Option func(*GateService)

// WithLogger sets the logger used by the gate and its components.
func WithLogger(log logger.Logger) Option {
	return func(s *GateService) {
		s.log = log
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(rec metrics.Recorder) Option {
	return func(s *GateService) {
		s.metrics = rec
	}
}

// WithPublisher sets where authorization events go.
func WithPublisher(pub ports.EventPublisher) Option {
	return func(s *GateService) {
		s.events = pub
	}
}

// WithTokenizer enables signed receipts valid for ttl.
func WithTokenizer(tok ports.Tokenizer, ttl time.Duration) Option {
	return func(s *GateService) {
		s.tokenizer = tok
		if ttl > 0 {
			s.receiptTTL = ttl
		}
	}
}

// WithBroadcaster enables challenge redemption.
func WithBroadcaster(b ports.Broadcaster) Option {
	return func(s *GateService) {
		s.broadcaster = b
	}
}

// WithCredentialStore enables delegated authorization proofs.
func WithCredentialStore(credentials ports.CredentialStore) Option {
	return func(s *GateService) {
		s.credentials = credentials
	}
}

// WithSettlementWait bounds how long redemption waits for a broadcast
// transaction to settle, and how often it checks.
func WithSettlementWait(timeout, poll time.Duration) Option {
	return func(s *GateService) {
		if timeout > 0 {
			s.settlementTimeout = timeout
		}
		if poll > 0 {
			s.settlementPoll = poll
		}
	}
}

// GateService turns request credentials into gate decisions
type GateService struct {
	policy core.Policy

	verifier    *SettlementVerifier
	coalescer   *Coalescer[verdict]
	replay      ports.ReplayStore
	challenges  *ChallengeManager
	proofs      *ProofChecker
	credentials ports.CredentialStore
	broadcaster ports.Broadcaster
	tokenizer   ports.Tokenizer
	events      ports.EventPublisher
	metrics     metrics.Recorder
	log         logger.Logger

	receiptTTL        time.Duration
	settlementTimeout time.Duration
	settlementPoll    time.Duration
	now               func() time.Time
}

// NewGateService creates a gate whose Redeem settles against policy.
func NewGateService(
	policy core.Policy,
	pool ports.ClientPool,
	replay ports.ReplayStore,
	challenges ports.ChallengeStore,
	opts ...Option,
) *GateService {
	s := &GateService{
		policy:            policy,
		coalescer:         NewCoalescer[verdict](),
		replay:            replay,
		events:            noopPublisher{},
		metrics:           metrics.NoopRecorder{},
		log:               logger.NoopLogger{},
		receiptTTL:        DefaultReceiptTTL,
		settlementTimeout: DefaultSettlementTimeout,
		settlementPoll:    DefaultSettlementPoll,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.verifier = NewSettlementVerifier(pool, s.log)
	s.challenges = NewChallengeManager(challenges, s.log)
	s.proofs = NewProofChecker(s.credentials)

	return s
}

var _ ports.Gate = (*GateService)(nil)

// Policy returns the policy Redeem settles against.
func (s *GateService) Policy() core.Policy {
	return s.policy
}

// Authorize decides whether a request carrying header may proceed under policy.
func (s *GateService) Authorize(ctx context.Context, header string, policy core.Policy) core.GateResult {
	start := s.now()
	result := s.authorize(ctx, header, policy)
	s.record("authorize", result, start)
	return result
}

// IssueChallenge creates a fresh challenge for policy.
func (s *GateService) IssueChallenge(ctx context.Context, policy core.Policy) core.GateResult {
	start := s.now()
	result := s.challenge(ctx, policy, core.CodePaymentRequired)
	s.record("challenge", result, start)
	return result
}

// Redeem settles a challenge-bound proof.
func (s *GateService) Redeem(ctx context.Context, proof *core.Proof) core.GateResult {
	start := s.now()
	result := s.redeem(ctx, s.policy, proof)
	s.record("redeem", result, start)
	return result
}

// Receipt verifies a receipt token previously returned with an authorization.
func (s *GateService) Receipt(token string) (*core.Receipt, error) {
	if s.tokenizer == nil {
		return nil, ErrReceiptsDisabled
	}
	return s.tokenizer.TokenToReceipt(token)
}

func (s *GateService) authorize(ctx context.Context, header string, policy core.Policy) core.GateResult {
	cred, err := core.ParseCredential(header)
	switch {
	case errors.Is(err, core.ErrCredentialAbsent):
		return s.challenge(ctx, policy, core.CodePaymentRequired)
	case errors.Is(err, core.ErrMalformedCredential):
		s.log.Debug("malformed credential", map[string]any{"error": err})
		return s.challenge(ctx, policy, core.CodeMalformedCredential)
	case err != nil:
		return core.Denied(err)
	}

	if cred.Kind == core.CredentialProof {
		return s.redeem(ctx, policy, cred.Proof)
	}

	ref := cred.Reference
	ok, err := s.verify(ctx, ref, policy)
	if err != nil {
		return core.Unavailable()
	}
	if !ok {
		return core.Denied(core.ErrPaymentNotFound)
	}

	fresh, err := s.replay.CheckAndRecord(ctx, ref)
	if err != nil {
		s.log.Error("failed to record reference", map[string]any{"reference": ref.Hex(), "error": err})
		return core.Unavailable()
	}
	if !fresh {
		s.log.Info("replayed reference rejected", map[string]any{"reference": ref.Hex()})
		return core.Denied(core.ErrReplayDetected)
	}

	return s.authorized(ctx, ref, "", policy)
}

func (s *GateService) challenge(ctx context.Context, policy core.Policy, code core.Code) core.GateResult {
	ch, err := s.challenges.Issue(ctx, policy)
	if err != nil {
		s.log.Error("failed to issue challenge", map[string]any{"error": err})
		return core.Unavailable()
	}
	return core.ChallengeRequired(ch, code)
}

func (s *GateService) redeem(ctx context.Context, base core.Policy, proof *core.Proof) core.GateResult {
	ch, err := s.challenges.Claim(ctx, proof.ChallengeID)
	if err != nil {
		return s.failure("claim", err)
	}

	release := func() {
		if err := s.challenges.Release(ctx, ch.ID); err != nil {
			s.log.Warn("failed to release challenge", map[string]any{"challenge_id": ch.ID, "error": err})
		}
	}

	policy := base.ForRequest(ch.Request)

	st, err := s.proofs.Check(ctx, ch, proof, policy)
	if err != nil {
		release()
		return s.failure("proof", err)
	}

	if s.broadcaster == nil {
		release()
		s.log.Error("redemption attempted without a broadcaster", map[string]any{"challenge_id": ch.ID})
		return core.Unavailable()
	}

	ref, err := s.broadcast(ctx, ch, st)
	if err != nil {
		release()
		return s.failure("broadcast", fmt.Errorf("%w: %v", core.ErrInfrastructure, err))
	}

	if err := s.awaitSettlement(ctx, ref, policy); err != nil {
		release()
		return s.failure("settlement", err)
	}

	// The settled reference may already have been presented on its own.
	fresh, err := s.replay.CheckAndRecord(ctx, ref)
	if err != nil {
		release()
		s.log.Error("failed to record redeemed reference", map[string]any{"reference": ref.Hex(), "error": err})
		return core.Unavailable()
	}

	if err := s.challenges.Consume(ctx, ch.ID); err != nil {
		s.log.Warn("failed to consume challenge", map[string]any{"challenge_id": ch.ID, "error": err})
	}

	if !fresh {
		s.log.Info("replayed reference rejected", map[string]any{"reference": ref.Hex(), "challenge_id": ch.ID})
		return core.Denied(core.ErrReplayDetected)
	}

	return s.authorized(ctx, ref, ch.ID, policy)
}

func (s *GateService) broadcast(ctx context.Context, ch *core.Challenge, st *settlement) (common.Hash, error) {
	if st.tx != nil {
		return s.broadcaster.SendTransaction(ctx, st.tx)
	}
	return s.broadcaster.SendAuthorization(ctx, ch.Request.Asset, st.authorization, st.signature)
}

// awaitSettlement polls the verifier until ref settles under policy or the
// settlement timeout passes.
func (s *GateService) awaitSettlement(ctx context.Context, ref common.Hash, policy core.Policy) error {
	waitCtx, cancel := context.WithTimeout(ctx, s.settlementTimeout)
	defer cancel()

	var last error
	operation := func() error {
		ok, err := s.verify(waitCtx, ref, policy)
		switch {
		case err != nil && errors.Is(err, core.ErrInfrastructure):
			last = err
			return backoff.Permanent(err)
		case err != nil:
			return err
		case !ok:
			last = errNotSettled
			return errNotSettled
		}
		last = nil
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.NewConstantBackOff(s.settlementPoll), waitCtx))
	if err == nil {
		return nil
	}
	if errors.Is(last, errNotSettled) {
		return fmt.Errorf("%w: %s", core.ErrPaymentNotFound, ref.Hex())
	}
	if last != nil {
		return last
	}
	return fmt.Errorf("%w: %v", core.ErrInfrastructure, err)
}

// verify runs the settlement verifier with at most one call in flight per
// reference. A caller joining a flight started for a different policy waits
// for it to settle and then verifies again under its own policy.
func (s *GateService) verify(ctx context.Context, ref common.Hash, policy core.Policy) (bool, error) {
	fingerprint := policy.Fingerprint()
	for {
		v, err := s.coalescer.Do(ctx, ref.Hex(), func(ctx context.Context) (verdict, error) {
			ok, err := s.verifier.Verify(ctx, ref, policy)
			return verdict{fingerprint: fingerprint, ok: ok}, err
		})
		if err != nil {
			return false, err
		}
		if v.fingerprint == fingerprint {
			return v.ok, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
	}
}

func (s *GateService) authorized(ctx context.Context, ref common.Hash, challengeID string, policy core.Policy) core.GateResult {
	result := core.Authorized(ref)
	result.ChallengeID = challengeID
	now := s.now()

	if s.tokenizer != nil {
		receipt := &core.Receipt{
			ID:          uuid.New().String(),
			Reference:   ref,
			ChallengeID: challengeID,
			Realm:       policy.Realm,
			IssuedAt:    now,
			ExpiresAt:   now.Add(s.receiptTTL),
		}
		token, err := s.tokenizer.ReceiptToToken(receipt)
		if err != nil {
			s.log.Warn("failed to issue receipt", map[string]any{"reference": ref.Hex(), "error": err})
		} else {
			result.Receipt = token
		}
	}

	event := core.AuthorizationEvent{
		Reference:   ref.Hex(),
		ChallengeID: challengeID,
		Realm:       policy.Realm,
		Recipient:   policy.Recipient.Hex(),
		Token:       policy.Token.Hex(),
		At:          now,
	}
	// The decision stands even if other instances miss the event.
	if err := s.events.PublishAuthorized(ctx, event); err != nil {
		s.log.Warn("failed to publish authorization event", map[string]any{"reference": ref.Hex(), "error": err})
	}

	s.log.Info("payment authorized", map[string]any{
		"reference":    ref.Hex(),
		"challenge_id": challengeID,
		"realm":        policy.Realm,
	})

	return result
}

// failure folds an error from one redemption step into a result.
func (s *GateService) failure(step string, err error) core.GateResult {
	if core.CodeOf(err) == core.CodeInfrastructure {
		s.log.Error("redemption failed", map[string]any{"step": step, "error": err})
		return core.Unavailable()
	}
	s.log.Info("redemption denied", map[string]any{"step": step, "error": err})
	return core.Denied(err)
}

func (s *GateService) record(operation string, result core.GateResult, start time.Time) {
	s.metrics.IncCounter(result.Outcome.String(), map[string]string{"code": string(result.Code)})
	s.metrics.ObserveLatency(operation, s.now().Sub(start), map[string]string{"outcome": result.Outcome.String()})
}
