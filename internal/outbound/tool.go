package outbound

import (
	"context"
	"fmt"

	"github.com/fluxgate/fluxgate/internal/agent"
	"github.com/fluxgate/fluxgate/pkg/protocol"
)

// MessageTool lets an agent send a message to an explicit conversation,
// possibly on another channel. The destination comes entirely from the
// tool arguments; there is no "current channel" fallback.
type MessageTool struct {
	router *Router
}

func NewMessageTool(router *Router) *MessageTool {
	return &MessageTool{router: router}
}

func (t *MessageTool) Name() string { return "message" }

func (t *MessageTool) Description() string {
	return "Send a message to a specific conversation. Requires channel, peer kind (dm/group) and peer id."
}

func (t *MessageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"channel":  map[string]any{"type": "string"},
			"account":  map[string]any{"type": "string"},
			"peerKind": map[string]any{"type": "string", "enum": []string{"dm", "group"}},
			"peerId":   map[string]any{"type": "string"},
			"thread":   map[string]any{"type": "string"},
			"text":     map[string]any{"type": "string"},
		},
		"required": []string{"channel", "peerKind", "peerId", "text"},
	}
}

func (t *MessageTool) Execute(ctx context.Context, call agent.ToolContext, args map[string]any) *agent.Result {
	channel, _ := args["channel"].(string)
	peerKind, _ := args["peerKind"].(string)
	peerID, _ := args["peerId"].(string)
	text, _ := args["text"].(string)
	if channel == "" || peerKind == "" || peerID == "" || text == "" {
		return agent.ErrorResult("message requires channel, peerKind, peerId and text")
	}
	account, _ := args["account"].(string)
	thread, _ := args["thread"].(string)

	targetKey, err := t.router.Send(call.SessionKey, call.AgentID, Payload{
		Target: protocol.TargetRef{
			Channel: channel,
			Account: account,
			Peer:    protocol.PeerRef{Kind: peerKind, ID: peerID},
			Thread:  thread,
		},
		Text: text,
	})
	if err != nil {
		return agent.ErrorResult(fmt.Sprintf("delivery failed: %v", err))
	}
	return agent.NewResult("delivered to " + targetKey)
}
