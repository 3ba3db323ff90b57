package outbound

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// DefaultTextLimit applies when a channel binding does not declare one.
const DefaultTextLimit = 4000

// Chunk splits text into pieces no wider than limit display cells,
// preferring to break at a newline, then a space, in the back half of the
// window. Width is measured in terminal cells so CJK text does not blow
// past messenger limits that count rendered width.
func Chunk(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultTextLimit
	}
	var chunks []string
	for text != "" {
		if runewidth.StringWidth(text) <= limit {
			chunks = append(chunks, text)
			break
		}

		head := runewidth.Truncate(text, limit, "")
		cutAt := len(head)
		if idx := strings.LastIndexByte(head, '\n'); idx > cutAt/2 {
			cutAt = idx + 1
		} else if idx := strings.LastIndexByte(head, ' '); idx > cutAt/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, strings.TrimRight(text[:cutAt], "\n"))
		text = text[cutAt:]
	}
	return chunks
}
