package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	gocache "github.com/patrickmn/go-cache"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultGatewayPort is used when the OpenClaw config names no port.
const DefaultGatewayPort = 18789

const (
	gatewaySource = "OpenClaw gateway"
	chatPath      = "/v1/chat/completions"
)

// GatewayRequest is one call to the chat completions gateway. URL and Token,
// when set, win over what is discovered from ConfigFile.
type GatewayRequest struct {
	URL        string
	Token      string
	ConfigFile string
	Model      string
	Timeout    time.Duration

	Prompt       string
	SystemPrompt string
}

// GatewayEndpoint is a resolved gateway address.
type GatewayEndpoint struct {
	URL   string
	Token string
}

// StreamGateway posts a streaming chat completion and calls onChunk with
// each content delta.
func (c *Client) StreamGateway(ctx context.Context, req GatewayRequest, onChunk func(string)) error {
	ep := c.ResolveGateway(req)
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	body, err := gatewayBody(req)
	if err != nil {
		return &Error{Kind: ErrConfig, Message: "building gateway request failed", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: ErrConfig, Message: fmt.Sprintf("invalid gateway URL %q", ep.URL), Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if ep.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+ep.Token)
	}

	connectMsg := fmt.Sprintf("Cannot connect to OpenClaw gateway at %s. Make sure it's running: `openclaw gateway start`", ep.URL)
	timeoutMsg := fmt.Sprintf("OpenClaw gateway at %s timed out.", ep.URL)

	c.log.Debug("gateway request", map[string]any{"url": ep.URL, "has_token": ep.Token != ""})
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return transportError(ctx, err, connectMsg, timeoutMsg)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return gatewayStatusError(resp.StatusCode, readErrorBody(resp))
	}

	return readEvents(ctx, resp.Body, func(payload string) (bool, error) {
		return gatewayEvent(payload, onChunk)
	}, connectMsg, timeoutMsg)
}

func gatewayEvent(payload string, onChunk func(string)) (bool, error) {
	if !gjson.Valid(payload) {
		return false, protocolError(gatewaySource, payload, nil)
	}
	if msg := gjson.Get(payload, "error.message"); msg.Exists() {
		return false, &Error{Kind: ErrProvider, Message: "OpenClaw gateway error: " + msg.String()}
	}
	if text := gjson.Get(payload, "choices.0.delta.content").String(); text != "" {
		onChunk(text)
	}
	return false, nil
}

func gatewayStatusError(code int, body string) *Error {
	switch code {
	case http.StatusUnauthorized:
		return statusError(code, "OpenClaw gateway rejected the auth token. Check gateway.auth.token in ~/.openclaw/openclaw.json")
	case http.StatusTooManyRequests:
		return statusError(code, "OpenClaw gateway rate limit reached. Wait a moment and try again.")
	}
	if msg := gjson.Get(body, "error.message").String(); msg != "" {
		body = msg
	}
	return statusError(code, fmt.Sprintf("OpenClaw gateway returned HTTP %d: %s", code, body))
}

func gatewayBody(req GatewayRequest) ([]byte, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(body, "stream", true)
}

// ResolveGateway works out the chat completions URL and token: explicit
// settings first, then the OpenClaw config file, then the default port.
func (c *Client) ResolveGateway(req GatewayRequest) GatewayEndpoint {
	if req.URL != "" {
		return GatewayEndpoint{URL: chatURL(req.URL), Token: req.Token}
	}

	ep := c.discover(req.ConfigFile)
	if req.Token != "" {
		ep.Token = req.Token
	}
	return ep
}

// discover reads the OpenClaw config, caching the result briefly so a burst
// of requests reads the file once.
func (c *Client) discover(path string) GatewayEndpoint {
	if cached, ok := c.discovery.Get(path); ok {
		return cached.(GatewayEndpoint)
	}

	port := int64(DefaultGatewayPort)
	var token string
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err != nil:
			c.log.Debug("gateway config not readable, using defaults", map[string]any{"path": path, "error": err.Error()})
		case !gjson.ValidBytes(data):
			c.log.Warn("gateway config is not valid JSON, using defaults", map[string]any{"path": path})
		default:
			if p := gjson.GetBytes(data, "gateway.port"); p.Exists() && p.Int() > 0 {
				port = p.Int()
			}
			token = gjson.GetBytes(data, "gateway.auth.token").String()
		}
	}

	ep := GatewayEndpoint{
		URL:   fmt.Sprintf("http://localhost:%d%s", port, chatPath),
		Token: token,
	}
	c.discovery.Set(path, ep, gocache.DefaultExpiration)
	return ep
}

func chatURL(base string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, chatPath) {
		return base
	}
	return base + chatPath
}
