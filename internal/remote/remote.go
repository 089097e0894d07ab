// Package remote streams responses from HTTP agent backends: the Anthropic
// Messages API and an OpenClaw-style chat completions gateway.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"phobos.org.uk/relay/internal/logging"
	"phobos.org.uk/relay/internal/sse"
)

// ErrorKind classifies a remote failure.
type ErrorKind int

const (
	ErrConfig   ErrorKind = iota // missing key or unusable settings
	ErrConnect                   // could not reach the server
	ErrTimeout                   // request deadline passed
	ErrStatus                    // non-2xx response
	ErrProtocol                  // malformed stream
	ErrProvider                  // the backend reported an error event
)

func (k ErrorKind) String() string {
	switch k {
	case ErrConfig:
		return "config"
	case ErrConnect:
		return "connect"
	case ErrTimeout:
		return "timeout"
	case ErrStatus:
		return "status"
	case ErrProtocol:
		return "protocol"
	case ErrProvider:
		return "provider"
	}
	return "unknown"
}

// Error is a failed remote request. Message is ready to show to the user.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

const (
	discoveryTTL     = 30 * time.Second
	discoveryCleanup = time.Minute
	readBufferSize   = 4096
	errorBodyLimit   = 1024
)

// Client performs streaming requests. It is safe for concurrent use.
type Client struct {
	http      *http.Client
	discovery *gocache.Cache
	log       *logging.Logger
}

// NewClient creates a Client. A nil httpClient uses a client without a
// global timeout; each request carries its own deadline.
func NewClient(httpClient *http.Client, log *logging.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Client{
		http:      httpClient,
		discovery: gocache.New(discoveryTTL, discoveryCleanup),
		log:       log,
	}
}

// transportError maps a failed Do or body read to an Error.
func transportError(ctx context.Context, err error, connectMsg, timeoutMsg string) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrTimeout, Message: timeoutMsg, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: ErrTimeout, Message: timeoutMsg, Err: err}
	}
	return &Error{Kind: ErrConnect, Message: connectMsg, Err: err}
}

// readErrorBody returns the start of a failed response's body.
func readErrorBody(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return string(data)
}

// readEvents feeds every SSE data payload to handle until handle reports
// done, the sentinel arrives, or the body ends. A body that ends without
// either counts as a normal end of stream.
func readEvents(ctx context.Context, body io.Reader, handle func(payload string) (bool, error), connectMsg, timeoutMsg string) error {
	var acc sse.Accumulator

	dispatch := func(line string) (bool, error) {
		payload, ok := sse.Data(line)
		if !ok {
			return false, nil
		}
		if sse.IsDone(payload) {
			return true, nil
		}
		return handle(payload)
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, line := range acc.Append(buf[:n]) {
				if done, herr := dispatch(line); herr != nil || done {
					return herr
				}
			}
		}
		if errors.Is(err, io.EOF) {
			if line, ok := acc.Flush(); ok {
				_, herr := dispatch(line)
				return herr
			}
			return nil
		}
		if err != nil {
			return transportError(ctx, err, connectMsg, timeoutMsg)
		}
	}
}

func statusError(code int, msg string) *Error {
	return &Error{Kind: ErrStatus, StatusCode: code, Message: msg}
}

func protocolError(source string, payload string, err error) *Error {
	if len(payload) > 200 {
		payload = payload[:200] + "..."
	}
	return &Error{Kind: ErrProtocol, Message: fmt.Sprintf("malformed event from %s: %s", source, payload), Err: err}
}
