package paygate

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/paygate/config"
	"github.com/layer-3/paygate/core"
	"github.com/layer-3/paygate/internal/eth"
	"github.com/layer-3/paygate/logger"
	transport "github.com/layer-3/paygate/transport/http"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Policy.Recipient = "0x2222222222222222222222222222222222222222"
	cfg.Policy.MinAmount = "1000000"
	cfg.Policy.RPCURL = "http://127.0.0.1:1"
	cfg.Receipts.Enabled = true
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestGatewayServesChallenges(t *testing.T) {
	gin.SetMode(gin.TestMode)

	gw, err := New(context.Background(), testConfig(t), logger.NoopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })

	res := httptest.NewRecorder()
	gw.Router().ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, res.Code)

	res = httptest.NewRecorder()
	gw.Router().ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/resource", nil))
	assert.Equal(t, http.StatusPaymentRequired, res.Code)
	assert.Contains(t, res.Header().Get("WWW-Authenticate"), `realm="paygate"`)

	res = httptest.NewRecorder()
	gw.Router().ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), `paygate_events_total{code="payment_required",type="challenge_required"} 1`)
}

func TestGatewayRejectsInvalidReference(t *testing.T) {
	gin.SetMode(gin.TestMode)

	gw, err := New(context.Background(), testConfig(t), logger.NoopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })

	req := httptest.NewRequest(http.MethodGet, "/api/resource", nil)
	req.Header.Set("Authorization", "Payment 0x1234")
	res := httptest.NewRecorder()
	gw.Router().ServeHTTP(res, req)

	assert.Equal(t, http.StatusBadRequest, res.Code)
	assert.Contains(t, res.Body.String(), "invalid_reference")
}

func TestGatewayWithRelayer(t *testing.T) {
	gin.SetMode(gin.TestMode)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.Relayer.PrivateKey = hex.EncodeToString(crypto.FromECDSA(key))
	cfg.Metrics.Enabled = false

	gw, err := New(context.Background(), cfg, logger.NoopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })

	res := httptest.NewRecorder()
	gw.Router().ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, res.Code)
	assert.Equal(t, cfg.Policy.Recipient, gw.Gate().Policy().Recipient.Hex())
}

func TestGatewayRejectsBadRedisURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.URL = "not-a-url"

	_, err := New(context.Background(), cfg, logger.NoopLogger{})
	assert.Error(t, err)
}

// ledger is a JSON-RPC node that mines every raw transaction it receives
// into block 99 of a chain whose head is 100.
type ledger struct {
	mu       sync.Mutex
	txs      map[common.Hash]*types.Transaction
	receipts map[common.Hash]*types.Receipt
}

func newLedger(t *testing.T) *httptest.Server {
	t.Helper()
	l := &ledger{
		txs:      make(map[common.Hash]*types.Transaction),
		receipts: make(map[common.Hash]*types.Receipt),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params []string        `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		result, err := l.handle(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if err != nil {
			resp["error"] = map[string]any{"code": -32000, "message": err.Error()}
		} else {
			resp["result"] = result
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	return srv
}

func (l *ledger) handle(method string, params []string) (any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch method {
	case "eth_blockNumber":
		return hexutil.Uint64(100), nil
	case "eth_sendRawTransaction":
		raw, err := hexutil.Decode(params[0])
		if err != nil {
			return nil, err
		}
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(raw); err != nil {
			return nil, err
		}
		return tx.Hash(), l.mine(tx)
	case "eth_getTransactionReceipt":
		if receipt, ok := l.receipts[common.HexToHash(params[0])]; ok {
			return receipt, nil
		}
		return nil, nil
	case "eth_getTransactionByHash":
		if tx, ok := l.txs[common.HexToHash(params[0])]; ok {
			return tx, nil
		}
		return nil, nil
	}
	return nil, nil
}

func (l *ledger) mine(tx *types.Transaction) error {
	transfer, err := eth.DecodeTransferCall(tx.Data())
	if err != nil {
		return err
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return err
	}

	l.txs[tx.Hash()] = tx
	l.receipts[tx.Hash()] = &types.Receipt{
		Type:              tx.Type(),
		Status:            types.ReceiptStatusSuccessful,
		CumulativeGasUsed: 50000,
		GasUsed:           50000,
		TxHash:            tx.Hash(),
		BlockNumber:       big.NewInt(99),
		Logs: []*types.Log{{
			Address: *tx.To(),
			Topics: []common.Hash{
				eth.TransferTopic,
				common.BytesToHash(from.Bytes()),
				common.BytesToHash(transfer.To.Bytes()),
			},
			Data:   common.LeftPadBytes(transfer.Value.Bytes(), 32),
			TxHash: tx.Hash(),
		}},
	}
	return nil
}

func TestGatewayRedeemsRawTransactionWithoutRelayerKey(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := testConfig(t)
	cfg.Policy.RPCURL = newLedger(t).URL
	cfg.Settlement.Timeout = 2 * time.Second
	cfg.Settlement.Poll = 10 * time.Millisecond
	require.Empty(t, cfg.Relayer.PrivateKey)

	gw, err := New(context.Background(), cfg, logger.NoopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })

	res := httptest.NewRecorder()
	gw.Router().ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/payments/challenge", nil))
	require.Equal(t, http.StatusOK, res.Code)

	var issued struct {
		Challenge transport.ChallengeResponse `json:"challenge"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &issued))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	data, err := eth.PackTransfer(common.HexToAddress(cfg.Policy.Recipient), big.NewInt(1_000_000))
	require.NoError(t, err)
	chainID := big.NewInt(core.DefaultChainID)
	token := common.HexToAddress(cfg.Policy.Token)
	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(chainID), &types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     0,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(10),
		Gas:       60000,
		To:        &token,
		Data:      data,
	})
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	body := `{"id":"` + issued.Challenge.ID + `","payload":{"type":"transaction","transaction":"` + hexutil.Encode(raw) + `"}}`
	res = httptest.NewRecorder()
	gw.Router().ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/payments/redeem", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Contains(t, res.Body.String(), tx.Hash().Hex())
	assert.NotEmpty(t, res.Header().Get(transport.HeaderReceipt))

	// The redeemed transaction cannot be presented again.
	req := httptest.NewRequest(http.MethodGet, "/api/resource", nil)
	req.Header.Set("Authorization", "Payment "+tx.Hash().Hex())
	res = httptest.NewRecorder()
	gw.Router().ServeHTTP(res, req)
	assert.Equal(t, http.StatusPaymentRequired, res.Code)
	assert.Contains(t, res.Body.String(), "replay_detected")
}
