package ports

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/layer-3/paygate/core"
)

// ChainReader is the subset of ledger reads the settlement verifier needs.
// *ethclient.Client satisfies it.
type ChainReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ClientPool hands out one shared ChainReader per RPC endpoint.
type ClientPool interface {
	Client(ctx context.Context, endpoint string) (ChainReader, error)
}

// Broadcaster submits a verified proof to the ledger.
type Broadcaster interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	SendAuthorization(ctx context.Context, asset common.Address, auth *core.TransferAuthorization, signature []byte) (common.Hash, error)
}
