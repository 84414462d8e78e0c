package x402pay

import (
	"net/http"
	"time"

	"github.com/agentpay/x402pay/logger"
	"github.com/agentpay/x402pay/metrics"
	"github.com/agentpay/x402pay/types"
)

type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) {
		e.metrics = r
	}
}

// WithHTTPClient replaces the engine's HTTP client. Overrides
// WithTimeout.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		e.httpClient = c
	}
}

func WithTimeout(t time.Duration) Option {
	return func(e *Engine) {
		e.timeout = t
	}
}

// WithDefaultNetwork sets the tie-breaking network for chain selection.
func WithDefaultNetwork(n types.Network) Option {
	return func(e *Engine) {
		e.defaultNetwork = n
	}
}
