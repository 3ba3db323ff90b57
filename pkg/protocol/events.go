package protocol

// Event names pushed from server to client.
const (
	EventAgent            = "agent"
	EventPresence         = "presence"
	EventApprovalReq      = "approval.requested"
	EventApprovalRes      = "approval.resolved"
	EventPairingChanged   = "pairing.changed"
	EventVoicewakeChanged = "voicewake.changed"
	EventExecStarted      = "exec.started"
	EventExecFinished     = "exec.finished"
	EventExecDenied       = "exec.denied"
	EventCron             = "cron"
	EventTick             = "tick"
	EventShutdown         = "shutdown"
)

// Agent event streams (payload.stream). Every agent event belongs to exactly
// one stream and carries a strictly increasing seq per run.
const (
	StreamAssistant = "assistant"
	StreamTool      = "tool"
	StreamLifecycle = "lifecycle"
)

// Lifecycle kinds (payload.data.kind on the lifecycle stream).
const (
	LifecycleStarted        = "started"
	LifecycleDone           = "done"
	LifecycleFailed         = "failed"
	LifecycleCancelled      = "cancelled"
	LifecycleDeliveryFailed = "delivery-failed"
)

// Events lists every event name this server emits, for the handshake
// feature block.
func Events() []string {
	return []string{
		EventAgent, EventPresence,
		EventApprovalReq, EventApprovalRes,
		EventPairingChanged, EventVoicewakeChanged,
		EventExecStarted, EventExecFinished, EventExecDenied,
		EventCron, EventTick, EventShutdown,
	}
}
