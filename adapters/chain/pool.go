package chain

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/layer-3/paygate/ports"
)

// Option configures a Pool.
type Option func(*Pool)

// WithRetry overrides the per-request attempt count and pause.
func WithRetry(attempts int, pause time.Duration) Option {
	return func(p *Pool) {
		p.attempts = attempts
		p.backoff = pause
	}
}

// WithTransport sets the base HTTP transport the retry layer wraps.
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Pool) {
		p.transport = rt
	}
}

// Pool lazily creates one ethclient per RPC endpoint and shares it for the
// life of the process.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*poolEntry

	attempts  int
	backoff   time.Duration
	transport http.RoundTripper
}

type poolEntry struct {
	once   sync.Once
	client *ethclient.Client
	err    error
}

// NewPool creates an empty client pool
func NewPool(opts ...Option) *Pool {
	p := &Pool{
		clients:  make(map[string]*poolEntry),
		attempts: DefaultAttempts,
		backoff:  DefaultBackoff,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ ports.ClientPool = (*Pool)(nil)

// Client returns the shared client for endpoint, dialing it on first use.
// Concurrent first calls for one endpoint dial exactly once. A failed dial is
// forgotten so the next call tries again.
func (p *Pool) Client(ctx context.Context, endpoint string) (ports.ChainReader, error) {
	client, err := p.EthClient(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// EthClient is Client without the read-only narrowing, for callers that also
// submit transactions.
func (p *Pool) EthClient(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	p.mu.Lock()
	entry, ok := p.clients[endpoint]
	if !ok {
		entry = &poolEntry{}
		p.clients[endpoint] = entry
	}
	p.mu.Unlock()

	entry.once.Do(func() {
		entry.client, entry.err = p.dial(ctx, endpoint)
	})

	if entry.err != nil {
		p.mu.Lock()
		if p.clients[endpoint] == entry {
			delete(p.clients, endpoint)
		}
		p.mu.Unlock()
		return nil, entry.err
	}

	return entry.client, nil
}

func (p *Pool) dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	httpClient := &http.Client{
		Transport: newRetryTransport(p.transport, p.attempts, p.backoff),
	}

	rpcClient, err := rpc.DialOptions(ctx, endpoint, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc endpoint: %w", err)
	}

	return ethclient.NewClient(rpcClient), nil
}

// Close closes every pooled client.
func (p *Pool) Close() {
	p.mu.Lock()
	entries := make([]*poolEntry, 0, len(p.clients))
	for endpoint, entry := range p.clients {
		entries = append(entries, entry)
		delete(p.clients, endpoint)
	}
	p.mu.Unlock()

	for _, entry := range entries {
		// Waits for a dial still in progress before reading its result.
		entry.once.Do(func() {})
		if entry.client != nil {
			entry.client.Close()
		}
	}
}
