package service

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/layer-3/paygate/core"
	"github.com/layer-3/paygate/internal/eth"
	"github.com/layer-3/paygate/ports"
	"github.com/stretchr/testify/require"
)

var (
	testRecipient = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testPayer     = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testToken     = common.HexToAddress(core.DefaultToken)
	testRef       = common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
)

func testPolicy(t *testing.T) core.Policy {
	t.Helper()
	policy, err := core.NewPolicy(core.PolicyParams{
		Recipient:   testRecipient.Hex(),
		MinAmount:   big.NewInt(1000),
		RPCEndpoint: "https://rpc.example.org/v2/secret",
	})
	require.NoError(t, err)
	return policy
}

// settledTx describes one transaction known to fakeChain.
type settledTx struct {
	status   uint64
	block    uint64
	to       *common.Address
	logs     []*types.Log
	blockAge time.Duration
}

// fakeChain is an in-memory ledger implementing ports.ChainReader.
type fakeChain struct {
	mu    sync.Mutex
	head  uint64
	txs   map[common.Hash]settledTx
	now   time.Time
	err   error
	block chan struct{} // when set, reads wait on it or ctx

	receiptCalls int32
}

func newFakeChain(now time.Time) *fakeChain {
	return &fakeChain{head: 100, txs: make(map[common.Hash]settledTx), now: now}
}

func (f *fakeChain) add(ref common.Hash, tx settledTx) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[ref] = tx
}

func (f *fakeChain) wait(ctx context.Context) error {
	f.mu.Lock()
	block, err := f.block, f.err
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeChain) lookup(ref common.Hash) (settledTx, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[ref]
	return tx, ok
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, ref common.Hash) (*types.Receipt, error) {
	atomic.AddInt32(&f.receiptCalls, 1)
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	tx, ok := f.lookup(ref)
	if !ok {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{
		Status:      tx.status,
		BlockNumber: new(big.Int).SetUint64(tx.block),
		Logs:        tx.logs,
		TxHash:      ref,
	}, nil
}

func (f *fakeChain) TransactionByHash(ctx context.Context, ref common.Hash) (*types.Transaction, bool, error) {
	if err := f.wait(ctx); err != nil {
		return nil, false, err
	}
	tx, ok := f.lookup(ref)
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return types.NewTx(&types.DynamicFeeTx{To: tx.to, Gas: 60000}), false, nil
}

func (f *fakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.txs {
		if tx.block == number.Uint64() {
			return &types.Header{Number: number, Time: uint64(f.now.Add(-tx.blockAge).Unix())}, nil
		}
	}
	return nil, ethereum.NotFound
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	if err := f.wait(ctx); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

// fakePool serves one fakeChain for every endpoint.
type fakePool struct {
	chain *fakeChain
}

func (p fakePool) Client(context.Context, string) (ports.ChainReader, error) {
	return p.chain, nil
}

func transferLog(token, to common.Address, value int64) *types.Log {
	data, err := eth.ERC20ABI.Events[eth.EventTransfer].Inputs.NonIndexed().Pack(big.NewInt(value))
	if err != nil {
		panic(err)
	}
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			eth.TransferTopic,
			common.BytesToHash(testPayer.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: data,
	}
}

// payment is a settled transfer that satisfies testPolicy.
func payment(value int64) settledTx {
	token := testToken
	return settledTx{
		status: types.ReceiptStatusSuccessful,
		block:  90,
		to:     &token,
		logs:   []*types.Log{transferLog(testToken, testRecipient, value)},
	}
}
