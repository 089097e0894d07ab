package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// APIRequest is one call to the Anthropic Messages API.
type APIRequest struct {
	APIKey    string
	URL       string
	Model     string
	Version   string
	MaxTokens int
	Timeout   time.Duration

	Prompt       string
	SystemPrompt string
	Attachments  []Attachment
}

const (
	apiSource     = "Anthropic API"
	apiConnectMsg = "Cannot connect to the Anthropic API. Check your network connection."
	apiTimeoutMsg = "Anthropic API request timed out."
)

// StreamAPI posts a streaming Messages request and calls onChunk with each
// text delta. It returns nil once the message is complete.
func (c *Client) StreamAPI(ctx context.Context, req APIRequest, onChunk func(string)) error {
	if req.APIKey == "" {
		return &Error{Kind: ErrConfig, Message: "No Anthropic API key configured. Add one in settings."}
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	blocks := c.contentBlocks(ctx, req.Prompt, req.Attachments)
	body, err := apiBody(req, blocks)
	if err != nil {
		return &Error{Kind: ErrConfig, Message: "building Anthropic API request failed", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: ErrConfig, Message: fmt.Sprintf("invalid Anthropic API URL %q", req.URL), Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", req.APIKey)
	httpReq.Header.Set("anthropic-version", req.Version)

	c.log.Debug("anthropic api request", map[string]any{"model": req.Model, "attachments": len(req.Attachments)})
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return transportError(ctx, err, apiConnectMsg, apiTimeoutMsg)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiStatusError(resp.StatusCode, readErrorBody(resp))
	}

	return readEvents(ctx, resp.Body, func(payload string) (bool, error) {
		return apiEvent(payload, onChunk)
	}, apiConnectMsg, apiTimeoutMsg)
}

func apiEvent(payload string, onChunk func(string)) (bool, error) {
	if !gjson.Valid(payload) {
		return false, protocolError(apiSource, payload, nil)
	}
	switch gjson.Get(payload, "type").String() {
	case "content_block_delta":
		if text := gjson.Get(payload, "delta.text").String(); text != "" {
			onChunk(text)
		}
	case "message_stop":
		return true, nil
	case "error":
		msg := gjson.Get(payload, "error.message").String()
		if msg == "" {
			msg = "Unknown API error"
		}
		return false, &Error{Kind: ErrProvider, Message: "Anthropic API error: " + msg}
	}
	return false, nil
}

func apiStatusError(code int, body string) *Error {
	switch code {
	case http.StatusUnauthorized:
		return statusError(code, "Invalid Anthropic API key. Check the key in settings.")
	case http.StatusTooManyRequests:
		return statusError(code, "Anthropic API rate limit reached. Wait a moment and try again.")
	case http.StatusBadRequest:
		if msg := gjson.Get(body, "error.message").String(); msg != "" {
			return statusError(code, "Anthropic API rejected the request: "+msg)
		}
	}
	return statusError(code, fmt.Sprintf("Anthropic API returned HTTP %d: %s", code, body))
}

// apiBody renders the request with the SDK's param types, then adds the
// fields they do not model the way the wire expects.
func apiBody(req APIRequest, blocks []anthropic.ContentBlockParamUnion) ([]byte, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "stream", true); err != nil {
		return nil, err
	}
	if req.SystemPrompt != "" {
		if body, err = sjson.SetBytes(body, "system", req.SystemPrompt); err != nil {
			return nil, err
		}
	}
	return body, nil
}
