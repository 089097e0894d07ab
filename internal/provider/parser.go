package provider

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ExtractText turns one line of backend stdout into displayable text.
// An empty result means the line carries nothing to show.
func ExtractText(kind Kind, line string) string {
	switch kind {
	case KindClaude:
		return extractStreamJSON(line)
	case KindCodex, KindGemini, KindGateway, KindAPI, KindCustom:
		return PlainText(line)
	}
	return PlainText(line)
}

// PlainText passes a non-blank line through with its newline restored.
func PlainText(line string) string {
	if strings.TrimSpace(line) == "" {
		return ""
	}
	return line + "\n"
}

// RawText keeps every line, blank ones included.
func RawText(line string) string {
	return line + "\n"
}

// extractStreamJSON reads Claude's stream-json events. Incremental deltas win
// over whole-message content; other JSON events yield nothing.
func extractStreamJSON(line string) string {
	if !gjson.Valid(line) {
		return PlainText(line)
	}

	if delta := gjson.Get(line, "delta.text"); delta.Type == gjson.String {
		return delta.String()
	}

	content := gjson.Get(line, "content")
	if !content.Exists() {
		content = gjson.Get(line, "message.content")
	}
	if !content.IsArray() {
		return ""
	}

	var b strings.Builder
	content.ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() != "text" {
			return true
		}
		if text := item.Get("text"); text.Type == gjson.String {
			b.WriteString(text.String())
		}
		return true
	})
	return b.String()
}
