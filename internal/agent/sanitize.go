package agent

import (
	"regexp"
	"strings"
)

// silentReplyToken suppresses delivery when a turn decides no reply is
// warranted (heartbeat polls, group messages not addressed to the agent).
const silentReplyToken = "NO_REPLY"

// IsSilentReply reports whether assistant content is the silence marker.
// The transcript still records it; only delivery is suppressed.
func IsSilentReply(content string) bool {
	return strings.TrimSpace(content) == silentReplyToken
}

var thinkingTagPattern = regexp.MustCompile(
	`(?is)<(think|thinking|thought)>.*?</(think|thinking|thought)>`,
)

var danglingThinkingOpen = regexp.MustCompile(`(?is)<(think|thinking|thought)>.*$`)

// SanitizeAssistantContent cleans model output before it reaches the
// transcript and outbound delivery: reasoning tags some models leak as
// text, and leading/trailing whitespace.
func SanitizeAssistantContent(content string) string {
	if content == "" {
		return content
	}
	content = thinkingTagPattern.ReplaceAllString(content, "")
	content = danglingThinkingOpen.ReplaceAllString(content, "")
	return strings.TrimSpace(content)
}
