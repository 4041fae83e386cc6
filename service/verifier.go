package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/layer-3/paygate/core"
	"github.com/layer-3/paygate/internal/eth"
	"github.com/layer-3/paygate/logger"
	"github.com/layer-3/paygate/ports"
)

// SettlementVerifier decides whether a transaction settled a qualifying
// token transfer under a policy.
type SettlementVerifier struct {
	pool ports.ClientPool
	log  logger.Logger
	now  func() time.Time
}

// NewSettlementVerifier creates a verifier that reads the ledger through pool
func NewSettlementVerifier(pool ports.ClientPool, log logger.Logger) *SettlementVerifier {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &SettlementVerifier{pool: pool, log: log, now: time.Now}
}

// Verify reports whether ref is a settled, successful transaction to
// policy.Token that emitted a Transfer of at least policy.MinAmount to
// policy.Recipient. Checks run in order and stop at the first failing one.
// Ledger or decoding failures are returned wrapped in core.ErrInfrastructure.
func (v *SettlementVerifier) Verify(ctx context.Context, ref common.Hash, policy core.Policy) (bool, error) {
	ok, err := v.verify(ctx, ref, policy)
	if err != nil {
		fields := policyFields(policy)
		fields["reference"] = ref.Hex()
		fields["error"] = err
		v.log.Error("settlement verification failed", fields)
		return false, fmt.Errorf("%w: %v", core.ErrInfrastructure, err)
	}
	return ok, nil
}

func (v *SettlementVerifier) verify(ctx context.Context, ref common.Hash, policy core.Policy) (bool, error) {
	client, err := v.pool.Client(ctx, policy.RPCEndpoint)
	if err != nil {
		return false, err
	}

	// 1. Receipt must exist and report success.
	var receipt *types.Receipt
	err = withTimeout(ctx, policy.RequestTimeout, func(ctx context.Context) error {
		receipt, err = client.TransactionReceipt(ctx, ref)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		v.log.Debug("transaction receipt not found", map[string]any{"reference": ref.Hex()})
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to fetch receipt: %w", err)
	}
	if receipt.Status != eth.TxStatusSuccess {
		v.log.Info("transaction reverted", map[string]any{"reference": ref.Hex()})
		return false, nil
	}

	// 2. Enough confirmations.
	var head uint64
	err = withTimeout(ctx, policy.RequestTimeout, func(ctx context.Context) error {
		head, err = client.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to fetch block number: %w", err)
	}
	confirmations := confirmationsAt(head, receipt.BlockNumber)
	if confirmations < policy.RequiredConfirmations {
		v.log.Info("insufficient confirmations", map[string]any{
			"reference":     ref.Hex(),
			"confirmations": confirmations,
			"required":      policy.RequiredConfirmations,
			"deficit":       policy.RequiredConfirmations - confirmations,
		})
		return false, nil
	}

	// 3. The transaction must call the token contract.
	var to *common.Address
	err = withTimeout(ctx, policy.RequestTimeout, func(ctx context.Context) error {
		tx, _, err := client.TransactionByHash(ctx, ref)
		if err != nil {
			return err
		}
		to = tx.To()
		return nil
	})
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to fetch transaction: %w", err)
	}
	if to == nil || *to != policy.Token {
		v.log.Info("transaction does not target token", map[string]any{"reference": ref.Hex()})
		return false, nil
	}

	// 4. Optional maximum age.
	if policy.MaxAge > 0 {
		var blockTime uint64
		err = withTimeout(ctx, policy.RequestTimeout, func(ctx context.Context) error {
			header, err := client.HeaderByNumber(ctx, receipt.BlockNumber)
			if err != nil {
				return err
			}
			blockTime = header.Time
			return nil
		})
		if err != nil {
			return false, fmt.Errorf("failed to fetch block header: %w", err)
		}
		age := v.now().Sub(time.Unix(int64(blockTime), 0))
		if age > policy.MaxAge {
			v.log.Info("transaction too old", map[string]any{
				"reference": ref.Hex(),
				"age":       age.String(),
				"max_age":   policy.MaxAge.String(),
			})
			return false, nil
		}
	}

	// 5. A Transfer log paying the recipient enough.
	for _, entry := range receipt.Logs {
		if entry.Address != policy.Token || !eth.IsTransferLog(entry) {
			continue
		}
		transfer, err := eth.DecodeTransferLog(entry)
		if err != nil {
			return false, err
		}
		if transfer.To == policy.Recipient && transfer.Value.Cmp(policy.MinAmount) >= 0 {
			return true, nil
		}
	}

	v.log.Info("no qualifying transfer", map[string]any{"reference": ref.Hex()})
	return false, nil
}

// confirmationsAt counts the including block as the first confirmation.
func confirmationsAt(head uint64, included *big.Int) uint64 {
	if included == nil || !included.IsUint64() || included.Uint64() > head {
		return 0
	}
	return head - included.Uint64() + 1
}

// withTimeout bounds a single outbound call.
func withTimeout(ctx context.Context, timeout time.Duration, call func(ctx context.Context) error) error {
	if timeout <= 0 {
		return call(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return call(ctx)
}

// policyFields describes a policy for logs with the endpoint masked.
func policyFields(p core.Policy) map[string]any {
	fields := map[string]any{
		"recipient":     p.Recipient.Hex(),
		"token":         p.Token.Hex(),
		"rpc_endpoint":  logger.Redact(p.RPCEndpoint),
		"confirmations": p.RequiredConfirmations,
	}
	if p.MinAmount != nil {
		fields["min_amount"] = p.MinAmount.String()
	}
	return fields
}
