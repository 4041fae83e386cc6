package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/layer-3/paygate/core"
	"github.com/layer-3/paygate/internal/eth"
	"github.com/layer-3/paygate/ports"
)

// ErrRelayerDisabled is returned when a delegated authorization arrives but
// no relayer key is configured.
var ErrRelayerDisabled = errors.New("relayer key not configured")

// Relayer broadcasts redeemed proofs. Raw transactions are forwarded as-is;
// delegated authorizations are submitted by the relayer account.
type Relayer struct {
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	chainID *big.Int
}

// NewRelayer creates a broadcaster on client. key may be nil, in which case
// only raw transactions can be broadcast.
func NewRelayer(client *ethclient.Client, key *ecdsa.PrivateKey, chainID *big.Int) *Relayer {
	return &Relayer{client: client, key: key, chainID: chainID}
}

var _ ports.Broadcaster = (*Relayer)(nil)

// SendTransaction submits a signed transaction.
func (r *Relayer) SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	if err := r.client.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return tx.Hash(), nil
}

// SendAuthorization calls transferWithAuthorization on asset from the
// relayer account.
func (r *Relayer) SendAuthorization(ctx context.Context, asset common.Address, auth *core.TransferAuthorization, signature []byte) (common.Hash, error) {
	if r.key == nil {
		return common.Hash{}, ErrRelayerDisabled
	}

	v, rs, ss, err := eth.SplitSignature(signature)
	if err != nil {
		return common.Hash{}, err
	}

	opts, err := bind.NewKeyedTransactorWithChainID(r.key, r.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.Context = ctx

	contract := bind.NewBoundContract(asset, eth.ERC20ABI, r.client, r.client, r.client)
	tx, err := contract.Transact(opts, eth.FunctionTransferWithAuthorization,
		auth.From,
		auth.To,
		auth.Value,
		auth.ValidAfter,
		auth.ValidBefore,
		auth.Nonce,
		v,
		rs,
		ss,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to relay authorization: %w", err)
	}

	return tx.Hash(), nil
}
