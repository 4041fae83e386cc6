package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rpcServer answers eth_blockNumber with 0x10 after failing the first
// failures requests with status.
func rpcServer(t *testing.T, failures int32, status int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= failures {
			w.WriteHeader(status)
			return
		}

		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "eth_blockNumber", req.Method)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  "0x10",
		})
	}))
	t.Cleanup(srv.Close)

	return srv, &calls
}

func TestPoolRetriesServerErrors(t *testing.T) {
	srv, calls := rpcServer(t, 2, http.StatusBadGateway)
	pool := NewPool(WithRetry(DefaultAttempts, 5*time.Millisecond))
	defer pool.Close()

	client, err := pool.Client(context.Background(), srv.URL)
	require.NoError(t, err)

	block, err := client.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(16), block)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestPoolGivesUpAfterAttempts(t *testing.T) {
	srv, calls := rpcServer(t, 10, http.StatusServiceUnavailable)
	pool := NewPool(WithRetry(DefaultAttempts, time.Millisecond))
	defer pool.Close()

	client, err := pool.Client(context.Background(), srv.URL)
	require.NoError(t, err)

	_, err = client.BlockNumber(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int32(DefaultAttempts), atomic.LoadInt32(calls))
}

func TestPoolDoesNotRetryClientErrors(t *testing.T) {
	srv, calls := rpcServer(t, 1, http.StatusBadRequest)
	pool := NewPool(WithRetry(DefaultAttempts, time.Millisecond))
	defer pool.Close()

	client, err := pool.Client(context.Background(), srv.URL)
	require.NoError(t, err)

	_, err = client.BlockNumber(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestPoolMemoizesPerEndpoint(t *testing.T) {
	srvA, _ := rpcServer(t, 0, 0)
	srvB, _ := rpcServer(t, 0, 0)
	pool := NewPool()
	defer pool.Close()

	const workers = 16
	clients := make([]any, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := pool.Client(context.Background(), srvA.URL)
			assert.NoError(t, err)
			clients[i] = c
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.Same(t, clients[0], clients[i])
	}

	other, err := pool.Client(context.Background(), srvB.URL)
	require.NoError(t, err)
	assert.NotSame(t, clients[0], other)
}

func TestPoolForgetsFailedDial(t *testing.T) {
	pool := NewPool()
	defer pool.Close()

	_, err := pool.Client(context.Background(), "unsupported://nowhere")
	require.Error(t, err)

	pool.mu.Lock()
	assert.Empty(t, pool.clients)
	pool.mu.Unlock()
}

func TestPoolCloseWhileDialing(t *testing.T) {
	srv, _ := rpcServer(t, 0, http.StatusOK)
	pool := NewPool(WithRetry(1, time.Millisecond))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = pool.Client(context.Background(), srv.URL)
		}()
		go func() {
			defer wg.Done()
			pool.Close()
		}()
	}
	wg.Wait()

	// The pool stays usable after Close.
	client, err := pool.Client(context.Background(), srv.URL)
	require.NoError(t, err)
	head, err := client.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(16), head)
	pool.Close()
}
