package outbound

import (
	"regexp"
	"strings"
)

// Markdown modes a channel binding can declare.
const (
	MarkdownNative = "markdown" // channel renders markdown as-is
	MarkdownHTML   = "html"     // convert the basic constructs to HTML tags
	MarkdownPlain  = "plain"    // strip formatting, keep text
)

var (
	boldPattern   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicPattern = regexp.MustCompile(`(^|[^*])\*([^*\n]+)\*`)
	codePattern   = regexp.MustCompile("`([^`\n]+)`")
	linkPattern   = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	fencePattern  = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\n?(.*?)```")
)

// RenderMarkdown converts assistant markdown to the channel's dialect.
// Unknown modes pass through untouched.
func RenderMarkdown(text, mode string) string {
	switch mode {
	case MarkdownHTML:
		text = fencePattern.ReplaceAllString(text, "<pre>$1</pre>")
		text = boldPattern.ReplaceAllString(text, "<b>$1</b>")
		text = italicPattern.ReplaceAllString(text, "$1<i>$2</i>")
		text = codePattern.ReplaceAllString(text, "<code>$1</code>")
		text = linkPattern.ReplaceAllString(text, `<a href="$2">$1</a>`)
		return text
	case MarkdownPlain:
		text = fencePattern.ReplaceAllString(text, "$1")
		text = boldPattern.ReplaceAllString(text, "$1")
		text = italicPattern.ReplaceAllString(text, "$1$2")
		text = codePattern.ReplaceAllString(text, "$1")
		text = linkPattern.ReplaceAllString(text, "$1 ($2)")
		return strings.TrimSpace(text)
	default:
		return text
	}
}
