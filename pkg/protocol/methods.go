package protocol

// RPC method name constants.

// System
const (
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"
)

// Chat
const (
	MethodChatSend    = "chat.send"
	MethodChatAbort   = "chat.abort"
	MethodChatInject  = "chat.inject"
	MethodChatHistory = "chat.history"
)

// Sessions
const (
	MethodSessionsList  = "sessions.list"
	MethodSessionsReset = "sessions.reset"
)

// Nodes
const (
	MethodNodeInvoke = "node.invoke"
	MethodNodeList   = "node.list"
)

// Exec approvals
const (
	MethodApprovalList    = "approval.list"
	MethodApprovalResolve = "approval.resolve"
)

// Pairing (scope: pairing)
const (
	MethodPairingList    = "pairing.list"
	MethodPairingApprove = "pairing.approve"
	MethodPairingDeny    = "pairing.deny"
)

// Voicewake
const (
	MethodVoicewakeGet = "voicewake.get"
	MethodVoicewakeSet = "voicewake.set"
)

// Cron
const (
	MethodCronList = "cron.list"
	MethodCronRun  = "cron.run"
)

// Config
const (
	MethodConfigReload = "config.reload"
)

// Channel plugin plane
const (
	MethodChannelRegister = "channel.register"
	MethodChannelInbound  = "channel.inbound"
)

// Methods lists every method this server build answers, in the order they
// are advertised in the handshake feature block.
func Methods() []string {
	return []string{
		MethodConnect, MethodHealth, MethodStatus,
		MethodChatSend, MethodChatAbort, MethodChatInject, MethodChatHistory,
		MethodSessionsList, MethodSessionsReset,
		MethodNodeInvoke, MethodNodeList,
		MethodApprovalList, MethodApprovalResolve,
		MethodPairingList, MethodPairingApprove, MethodPairingDeny,
		MethodVoicewakeGet, MethodVoicewakeSet,
		MethodCronList, MethodCronRun,
		MethodConfigReload,
		MethodChannelRegister, MethodChannelInbound,
	}
}
