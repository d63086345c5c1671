package commands

import (
	"strings"
	"unicode/utf8"

	"github.com/susu3304/ledgerbot/internal/conversation"
)

// Response is what the dispatcher hands back to a transport.
type Response = conversation.Response

// SplitMessage breaks text into chunks of at most limit bytes, cutting at
// line boundaries where possible. Lines longer than limit are cut at a rune
// boundary.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var buf strings.Builder
	flush := func() {
		if buf.Len() > 0 {
			chunks = append(chunks, buf.String())
			buf.Reset()
		}
	}
	for _, line := range strings.Split(text, "\n") {
		for len(line) > limit {
			flush()
			cut := limit
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			chunks = append(chunks, line[:cut])
			line = line[cut:]
		}
		if buf.Len() > 0 && buf.Len()+1+len(line) > limit {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(line)
	}
	flush()
	return chunks
}
