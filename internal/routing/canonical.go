package routing

import (
	"net/url"
	"strings"
)

// CanonicalPeerID normalises a raw platform peer id into the form used in
// session keys. Channel-specific quirks are folded here so that routing and
// the outbound router agree on one id per peer; the raw id survives only in
// audit log entries.
func CanonicalPeerID(channel string, kind PeerKind, raw string) string {
	id := strings.ToLower(strings.TrimSpace(raw))

	switch channel {
	case "mattermost":
		// Mattermost DM targets arrive as "@username".
		if kind == PeerDM {
			id = strings.TrimPrefix(id, "@")
		}
	case "bluebubbles":
		// BlueBubbles prefixes group chat GUIDs with "chat_".
		if kind == PeerGroup {
			id = strings.TrimPrefix(id, "chat_")
		}
	case "voice":
		// Voice calls address peers by phone number; strip formatting so
		// "+1 (555) 010-0000" and "+15550100000" share a session.
		id = stripPhoneFormatting(id)
	}

	return id
}

func stripPhoneFormatting(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return s
	}
	return b.String()
}

// FileSafeKey converts a session key into a filesystem-safe name for the
// sessions/ state directory. Keys are already lowercase; slashes in peer ids
// are percent-encoded so the key stays a single path segment.
func FileSafeKey(key string) string {
	return url.PathEscape(key)
}
