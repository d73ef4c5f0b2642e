// Package engine talks to the container engine API and applies the
// restart-then-kill escalation policy to containers reported unhealthy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudless/autoheal/pkg/transport"
	"go.uber.org/zap"
)

const (
	// DefaultAPIVersion is the engine API version requests are pinned to.
	DefaultAPIVersion = "1.40"

	// DefaultUserAgent identifies the agent to the engine.
	DefaultUserAgent = "autoheal"

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 64 << 10
)

var errHeaderTimeout = errors.New("timed out waiting for response headers")

// Requester issues versioned requests against the engine API.
type Requester interface {
	Request(ctx context.Context, method, path, query string, headers map[string]string, timeout time.Duration) (int, []byte, error)
	RequestStream(ctx context.Context, method, path, query string, headers map[string]string, timeout time.Duration) (io.ReadCloser, error)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIVersion pins requests to version, e.g. "1.43".
func WithAPIVersion(version string) ClientOption {
	return func(c *Client) {
		if version = strings.TrimPrefix(strings.TrimSpace(version), "v"); version != "" {
			c.apiVersion = version
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(userAgent string) ClientOption {
	return func(c *Client) {
		if userAgent != "" {
			c.userAgent = userAgent
		}
	}
}

// WithClientLogger sets the client logger.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client builds engine API URLs and classifies responses. Endpoints are
// resolved lazily through the shared resolver, so a misconfigured address
// surfaces on the first call.
type Client struct {
	resolver   *transport.Resolver
	address    string
	apiVersion string
	userAgent  string
	logger     *zap.Logger
}

// NewClient creates a client for the engine at address.
func NewClient(resolver *transport.Resolver, address string, opts ...ClientOption) *Client {
	c := &Client{
		resolver:   resolver,
		address:    address,
		apiVersion: DefaultAPIVersion,
		userAgent:  DefaultUserAgent,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request performs a request and returns the fully buffered body. timeout
// bounds this call only; values <= 0 disable it. Statuses outside [200, 400)
// are returned as *EngineError.
func (c *Client) Request(
	ctx context.Context,
	method, path, query string,
	headers map[string]string,
	timeout time.Duration,
) (int, []byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := c.send(ctx, method, path, query, headers, transport.BufferBody)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response body: %w", err)
	}

	if IsErrorStatus(resp.StatusCode) {
		return resp.StatusCode, nil, newEngineError(resp.StatusCode, body)
	}
	return resp.StatusCode, body, nil
}

// RequestStream performs a request and returns the open response body. The
// timeout bounds only the wait for response headers; ctx governs the stream
// for its whole life. The caller must close the returned body.
func (c *Client) RequestStream(
	ctx context.Context,
	method, path, query string,
	headers map[string]string,
	timeout time.Duration,
) (io.ReadCloser, error) {
	streamCtx, cancel := context.WithCancelCause(ctx)

	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() { cancel(errHeaderTimeout) })
	}

	resp, err := c.send(streamCtx, method, path, query, headers, transport.StreamBody)
	timedOut := timer != nil && !timer.Stop()
	if err != nil {
		cancel(nil)
		if timedOut && ctx.Err() == nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, context.DeadlineExceeded)
		}
		return nil, err
	}
	if timedOut {
		resp.Body.Close()
		cancel(nil)
		return nil, fmt.Errorf("%s %s: %w", method, path, context.DeadlineExceeded)
	}

	if IsErrorStatus(resp.StatusCode) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel(nil)
		return nil, newEngineError(resp.StatusCode, body)
	}

	return &cancelOnClose{ReadCloser: resp.Body, cancel: func() { cancel(nil) }}, nil
}

func (c *Client) send(
	ctx context.Context,
	method, path, query string,
	headers map[string]string,
	mode transport.CompletionMode,
) (*http.Response, error) {
	if path == "" {
		return nil, errors.New("engine: request path is required")
	}

	ep, err := c.resolver.Resolve(c.address)
	if err != nil {
		return nil, fmt.Errorf("resolve engine address: %w", err)
	}

	url := c.buildURL(ep.BaseURL.String(), path, query)
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	c.logger.Debug("Engine request",
		zap.String("method", method),
		zap.String("url", url),
	)

	return ep.Transport.Send(req, mode)
}

func (c *Client) buildURL(base, path, query string) string {
	url := strings.TrimSuffix(base, "/") + "/v" + c.apiVersion + "/" + strings.TrimPrefix(path, "/")
	if strings.TrimSpace(query) != "" {
		url += "?" + query
	}
	return url
}

func newEngineError(status int, body []byte) *EngineError {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &EngineError{StatusCode: status, Body: strings.TrimSpace(string(body))}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel func()
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
