package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fluxgate/fluxgate/internal/agent"
)

// methodModelGenerate is the server-to-node call a model backend serves.
const methodModelGenerate = "model.generate"

// NodeModel forwards model calls to a connected node over the control
// plane. The gateway ships no model of its own; a node binds itself as
// the backend by answering model.generate requests.
type NodeModel struct {
	registry *Registry
	nodeID   string
}

// NewNodeModel returns a model backed by the node with the given device
// id. An empty id means any connected node.
func NewNodeModel(registry *Registry, nodeID string) *NodeModel {
	return &NodeModel{registry: registry, nodeID: nodeID}
}

func (m *NodeModel) Name() string { return "node" }

// ChatStream sends the transcript to the backend node. Node responses
// arrive whole, so the stream degrades to a single chunk plus done.
func (m *NodeModel) ChatStream(ctx context.Context, req agent.ChatRequest, onChunk func(agent.StreamChunk)) (*agent.ChatResponse, error) {
	id := m.nodeID
	if id == "" {
		nodes := m.registry.Nodes()
		if len(nodes) == 0 {
			// Backends reconnect; let the driver retry instead of failing the turn.
			return nil, &agent.RetryableError{Err: errors.New("no model backend node connected")}
		}
		id = nodes[0]
	}

	raw, err := m.registry.InvokeNode(ctx, id, methodModelGenerate, req)
	if err != nil {
		return nil, fmt.Errorf("model backend %s: %w", id, err)
	}
	var resp agent.ChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("model backend %s returned malformed response: %w", id, err)
	}
	if resp.Content != "" {
		onChunk(agent.StreamChunk{Content: resp.Content})
	}
	onChunk(agent.StreamChunk{Done: true})
	return &resp, nil
}
