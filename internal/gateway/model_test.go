package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/fluxgate/fluxgate/internal/agent"
)

func TestNodeModel_NoBackendIsRetryable(t *testing.T) {
	m := NewNodeModel(NewRegistry(), "")

	_, err := m.ChatStream(context.Background(), agent.ChatRequest{}, func(agent.StreamChunk) {})
	if err == nil {
		t.Fatal("want error with no connected nodes")
	}
	var retryable *agent.RetryableError
	if !errors.As(err, &retryable) {
		t.Errorf("want retryable error, got %v", err)
	}
}

func TestNodeModel_PinnedNodeMissing(t *testing.T) {
	m := NewNodeModel(NewRegistry(), "backend-1")

	_, err := m.ChatStream(context.Background(), agent.ChatRequest{}, func(agent.StreamChunk) {})
	if err == nil {
		t.Fatal("want error when pinned node is absent")
	}
	var retryable *agent.RetryableError
	if errors.As(err, &retryable) {
		t.Errorf("pinned-node failure should not be retryable: %v", err)
	}
}
