package pairing

// Policy controls how unknown senders are handled on a channel.
type Policy string

const (
	PolicyPairing   Policy = "pairing"
	PolicyAllowlist Policy = "allowlist"
	PolicyOpen      Policy = "open"
	PolicyDisabled  Policy = "disabled"
)

// Verdict is the gate decision for one inbound message.
type Verdict int

const (
	// Admit routes the message to a session.
	Admit Verdict = iota
	// Drop discards the message silently.
	Drop
	// PairingStarted discards the message but replies with the pairing code.
	PairingStarted
)

// Gate evaluates the channel policy for an inbound sender. On
// PairingStarted the returned Request carries the code to relay back over
// the channel's own reply path.
func (s *Store) Gate(channel string, policy Policy, sender string) (Verdict, Request) {
	switch policy {
	case PolicyDisabled:
		return Drop, Request{}
	case PolicyOpen:
		// Open still honours an explicit wildcard: without one the channel
		// admits nobody, which keeps a misconfigured channel fail-closed.
		if s.IsAllowed(channel, Wildcard) {
			return Admit, Request{}
		}
		return Drop, Request{}
	case PolicyAllowlist:
		if s.IsAllowed(channel, sender) {
			return Admit, Request{}
		}
		return Drop, Request{}
	case PolicyPairing, "":
		if s.IsAllowed(channel, sender) {
			return Admit, Request{}
		}
		req, err := s.Begin(channel, sender)
		if err != nil {
			return Drop, Request{}
		}
		return PairingStarted, req
	default:
		return Drop, Request{}
	}
}
