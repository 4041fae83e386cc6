package chain

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultAttempts is the total number of tries for one RPC request.
	DefaultAttempts = 3
	// DefaultBackoff is the constant pause between tries.
	DefaultBackoff = 1000 * time.Millisecond
)

// retryTransport retries RPC requests that failed at the transport level or
// were answered with 429 or 5xx. JSON-RPC results are never inspected, so a
// negative answer from the node is not retried.
type retryTransport struct {
	next     http.RoundTripper
	attempts int
	backoff  time.Duration
}

func newRetryTransport(next http.RoundTripper, attempts int, pause time.Duration) *retryTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	if attempts < 1 {
		attempts = 1
	}
	return &retryTransport{next: next, attempts: attempts, backoff: pause}
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to buffer request body: %w", err)
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(t.backoff), uint64(t.attempts-1)),
		req.Context(),
	)

	var resp *http.Response
	operation := func() error {
		attempt := req.Clone(req.Context())
		if body != nil {
			attempt.Body = io.NopCloser(bytes.NewReader(body))
			attempt.ContentLength = int64(len(body))
		}

		r, err := t.next.RoundTrip(attempt)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
				resp = nil
			}
			return err
		}
		if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= http.StatusInternalServerError {
			// Keep the last response so the caller sees the node's answer
			// once retries are exhausted.
			if resp != nil {
				resp.Body.Close()
			}
			resp = r
			return fmt.Errorf("rpc endpoint answered %s", r.Status)
		}
		if resp != nil {
			resp.Body.Close()
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		if resp != nil && req.Context().Err() == nil {
			return resp, nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return resp, nil
}
