package protocol

// Typed params/results for the canonical methods. The codec itself never
// interprets payloads; handlers unmarshal into these.

// PeerRef identifies a conversation peer on a channel.
type PeerRef struct {
	Kind string `json:"kind"` // "dm" or "group"
	ID   string `json:"id"`
}

// TargetRef addresses a conversation independent of any existing session.
type TargetRef struct {
	Channel string  `json:"channel"`
	Account string  `json:"account"`
	Peer    PeerRef `json:"peer"`
	Thread  string  `json:"thread,omitempty"`
}

// ChatSendParams starts (or enqueues) an agent turn.
type ChatSendParams struct {
	SessionKey     string     `json:"sessionKey,omitempty"`
	Target         *TargetRef `json:"target,omitempty"`
	Message        string     `json:"message"`
	IdempotencyKey string     `json:"idempotencyKey"`
	RepoContext    string     `json:"repoContext,omitempty"`
	Thinking       string     `json:"thinking,omitempty"` // advisory turn metadata
}

// ChatSendResult acknowledges a scheduled run without waiting for it.
type ChatSendResult struct {
	RunID  string `json:"runId"`
	Status string `json:"status"` // always "started"
}

// ChatAbortParams cancels a running or queued turn.
type ChatAbortParams struct {
	RunID string `json:"runId"`
}

// ChatInjectParams appends an assistant note without running the agent.
type ChatInjectParams struct {
	SessionKey string `json:"sessionKey"`
	Text       string `json:"text"`
}

// ChatHistoryParams fetches the tail of a session transcript.
type ChatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

// HistoryEntry is one transcript line returned by chat.history.
type HistoryEntry struct {
	Role      string `json:"role"` // "user", "assistant", "tool", "system"
	Text      string `json:"text"`
	Timestamp int64  `json:"ts"` // unix ms
}

// NodeInvokeParams forwards a command to a connected node host.
type NodeInvokeParams struct {
	NodeID  string         `json:"nodeId"`
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

// ApprovalResolveParams resolves a pending exec approval. First valid
// resolution wins; later calls fail with ALREADY_RESOLVED.
type ApprovalResolveParams struct {
	ApprovalID string `json:"approvalId"`
	Decision   string `json:"decision"` // "allow-once", "allow-and-add", "deny"
}

// ApprovalEntry is one pending approval returned by approval.list.
type ApprovalEntry struct {
	ApprovalID  string `json:"approvalId"`
	SessionKey  string `json:"sessionKey"`
	Command     string `json:"command"`
	Host        string `json:"host"`
	Reason      string `json:"reason,omitempty"`
	RequestedAt int64  `json:"requestedAt"` // unix ms
	ExpiresAt   int64  `json:"expiresAt"`   // unix ms
}

// PairingListParams scopes pairing queries to one channel ("" = all).
type PairingListParams struct {
	Channel string `json:"channel,omitempty"`
}

// PairingResolveParams approves or denies a pending pairing request.
type PairingResolveParams struct {
	Channel string `json:"channel"`
	Sender  string `json:"sender"`
}

// PairingEntry is one pending pairing request.
type PairingEntry struct {
	Channel   string `json:"channel"`
	Sender    string `json:"sender"`
	Code      string `json:"code"`
	CreatedAt int64  `json:"createdAt"` // unix ms
	ExpiresAt int64  `json:"expiresAt"` // unix ms
}

// ChannelRegisterParams announces the channels a plugin connection serves.
type ChannelRegisterParams struct {
	Channels []ChannelBinding `json:"channels"`
}

// ChannelBinding describes one (channel, account) pair a plugin handles,
// with its outbound formatting limits.
type ChannelBinding struct {
	Channel       string `json:"channel"`
	Account       string `json:"account"`
	TextLimit     int    `json:"textLimit,omitempty"`     // hard chunk limit, 0 = default
	MarkdownMode  string `json:"markdownMode,omitempty"`  // "plain", "markdown", "html"
	SupportsMedia bool   `json:"supportsMedia,omitempty"`
}

// ChannelInboundParams ingests one message received by a channel plugin.
type ChannelInboundParams struct {
	Channel   string   `json:"channel"`
	Account   string   `json:"account"`
	Peer      PeerRef  `json:"peer"`
	Thread    string   `json:"thread,omitempty"`
	Sender    string   `json:"sender"`
	Text      string   `json:"text"`
	Media     []string `json:"media,omitempty"`
	Timestamp int64    `json:"ts,omitempty"` // unix ms, 0 = now
}

// ChannelSendParams delivers an outbound payload through a channel plugin.
// Sent by the gateway as a req on the plugin connection (method "channel.send").
type ChannelSendParams struct {
	Channel string   `json:"channel"`
	Account string   `json:"account"`
	Peer    PeerRef  `json:"peer"`
	Thread  string   `json:"thread,omitempty"`
	Text    string   `json:"text,omitempty"`
	Media   []string `json:"media,omitempty"`
	ReplyTo string   `json:"replyTo,omitempty"`
}

// MethodChannelSend is server → plugin, the one method the gateway invokes
// on channel-plugin connections.
const MethodChannelSend = "channel.send"

// MethodSystemRun is server → node, the exec forwarding method.
const MethodSystemRun = "system.run"

// SystemRunParams is the exec request forwarded to a node host.
type SystemRunParams struct {
	RequestID string            `json:"requestId"`
	Command   string            `json:"command"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
}

// SystemRunResult is the node's exec reply.
type SystemRunResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// VoicewakeState is the voicewake.json payload and voicewake.changed event body.
type VoicewakeState struct {
	Triggers    []string `json:"triggers"`
	UpdatedAtMs int64    `json:"updatedAtMs"`
}
