package llm

import (
	"context"
	"time"
)

// NopClient is an always-unavailable client used when no LLM is configured.
// Every completion fails with ErrUnavailable.
type NopClient struct{}

// NewNopClient creates a new no-op LLM client.
func NewNopClient() *NopClient {
	return &NopClient{}
}

func (n *NopClient) CompleteJSON(_ context.Context, _ string, _ time.Duration) ([]byte, error) {
	return nil, ErrUnavailable
}

func (n *NopClient) Available() bool { return false }

func (n *NopClient) Close() error { return nil }

var _ Client = (*NopClient)(nil)
