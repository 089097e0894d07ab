package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/anthropics/anthropic-sdk-go"
)

// MaxInlineBytes caps how much of a text attachment is inlined.
const MaxInlineBytes = 100_000

// Attachment is a file the caller has uploaded somewhere fetchable.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
}

var imageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

var textMimeTypes = map[string]bool{
	"application/json":       true,
	"application/xml":        true,
	"application/javascript": true,
	"application/x-yaml":     true,
	"application/yaml":       true,
	"application/toml":       true,
	"application/x-sh":       true,
	"application/sql":        true,
}

var textExtensions = map[string]bool{}

func init() {
	for _, ext := range strings.Fields(`txt ts tsx js jsx py json md log csv yaml yml toml rs go
		java html css xml sql sh bash zsh env cfg ini conf diff patch c cpp h hpp rb php swift kt`) {
		textExtensions["."+ext] = true
	}
}

// Kind reports how the attachment is sent: image, pdf, text or binary.
func (a Attachment) Kind() string {
	mime := strings.ToLower(a.MimeType)
	switch {
	case imageTypes[mime]:
		return "image"
	case mime == "application/pdf":
		return "pdf"
	case strings.HasPrefix(mime, "text/"), textMimeTypes[mime]:
		return "text"
	case textExtensions[strings.ToLower(filepath.Ext(a.Filename))]:
		return "text"
	default:
		return "binary"
	}
}

// contentBlocks builds the user message: attachments first, then the prompt.
func (c *Client) contentBlocks(ctx context.Context, prompt string, atts []Attachment) []anthropic.ContentBlockParamUnion {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(atts)+1)
	for _, a := range atts {
		switch a.Kind() {
		case "image":
			blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: a.URL}))
		case "pdf":
			blocks = append(blocks, anthropic.NewDocumentBlock(anthropic.URLPDFSourceParam{URL: a.URL}))
		case "text":
			text, err := c.fetchText(ctx, a.URL)
			if err != nil {
				c.log.Warn("attachment fetch failed", map[string]any{"file": a.Filename, "error": err.Error()})
				blocks = append(blocks, anthropic.NewTextBlock(fmt.Sprintf("[File: %s (could not be fetched: %v)]", a.Filename, err)))
				continue
			}
			blocks = append(blocks, anthropic.NewTextBlock(fmt.Sprintf("[File: %s]\n```\n%s\n```", a.Filename, text)))
		default:
			blocks = append(blocks, anthropic.NewTextBlock(describeBinary(a)))
		}
	}
	return append(blocks, anthropic.NewTextBlock(prompt))
}

func describeBinary(a Attachment) string {
	mime := a.MimeType
	if mime == "" {
		mime = "unknown type"
	}
	return fmt.Sprintf("[File: %s (%d bytes, %s), binary file, cannot display contents]", a.Filename, a.Size, mime)
}

// fetchText downloads a text attachment, truncated to MaxInlineBytes.
func (c *Client) fetchText(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxInlineBytes+1))
	if err != nil {
		return "", err
	}
	if len(data) <= MaxInlineBytes {
		return string(data), nil
	}
	cut := MaxInlineBytes
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return string(data[:cut]) + "\n... (truncated)", nil
}
