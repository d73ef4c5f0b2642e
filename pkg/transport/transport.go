// Package transport implements HTTP/1.1 exchanges over local duplex streams
// (Unix domain sockets and Windows named pipes) for talking to a container
// engine daemon.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// DefaultMaxRedirects bounds the number of redirect hops followed by Send.
const DefaultMaxRedirects = 20

// CompletionMode selects how much of the response Send reads before returning.
type CompletionMode int

const (
	// BufferBody reads the whole body and closes the connection before Send returns.
	BufferBody CompletionMode = iota
	// StreamBody returns once headers are read; the body stays open until closed.
	StreamBody
)

// RedirectMode controls which 301/302 responses Send follows.
type RedirectMode int

const (
	// RedirectNone never follows redirects.
	RedirectNone RedirectMode = iota
	// RedirectNoDowngrade follows redirects but refuses https to http.
	RedirectNoDowngrade
	// RedirectAll follows every redirect.
	RedirectAll
)

// ParseRedirectMode maps a configuration value to a RedirectMode.
func ParseRedirectMode(s string) (RedirectMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return RedirectNone, nil
	case "", "no-downgrade", "nodowngrade":
		return RedirectNoDowngrade, nil
	case "all":
		return RedirectAll, nil
	default:
		return RedirectNone, fmt.Errorf("unknown redirect mode %q", s)
	}
}

// DialFunc opens a raw duplex stream to the engine. host and port come from
// the request URL; local stream openers may ignore them.
type DialFunc func(ctx context.Context, host string, port int) (net.Conn, error)

// Option configures a Transport.
type Option func(*Transport)

// WithRedirectMode sets the redirect policy. The default is RedirectNoDowngrade.
func WithRedirectMode(mode RedirectMode) Option {
	return func(t *Transport) {
		t.redirectMode = mode
	}
}

// WithMaxRedirects sets the redirect hop bound.
func WithMaxRedirects(n int) Option {
	return func(t *Transport) {
		if n >= 0 {
			t.maxRedirects = n
		}
	}
}

// WithTLSConfig sets the client TLS configuration used for https targets.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(t *Transport) {
		t.tlsConfig = cfg
	}
}

// WithRequestDecorator installs a hook applied to every outgoing request,
// typically to attach credentials. The default is a no-op.
func WithRequestDecorator(decorate func(*http.Request)) Option {
	return func(t *Transport) {
		if decorate != nil {
			t.decorate = decorate
		}
	}
}

// WithLogger sets the transport logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Transport performs one HTTP/1.1 exchange per connection over streams
// produced by its DialFunc. Connections are never pooled or reused.
//
// Concurrency Safety: All methods are safe for concurrent use.
type Transport struct {
	dial         DialFunc
	tlsConfig    *tls.Config
	decorate     func(*http.Request)
	redirectMode RedirectMode
	maxRedirects int
	logger       *zap.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// NewTransport creates a transport that opens connections with dial.
func NewTransport(dial DialFunc, opts ...Option) *Transport {
	t := &Transport{
		dial:         dial,
		decorate:     func(*http.Request) {},
		redirectMode: RedirectNoDowngrade,
		maxRedirects: DefaultMaxRedirects,
		logger:       zap.NewNop(),
		conns:        make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RoundTrip implements http.RoundTripper with a streamed body.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.Send(req, StreamBody)
}

// Send writes req on a fresh connection and reads the response according to
// mode, following allowed redirects. Cancelling the request context closes
// the connection immediately, including while a streamed body is being read.
func (t *Transport) Send(req *http.Request, mode CompletionMode) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("transport: request and URL are required")
	}

	req = req.Clone(req.Context())
	t.decorate(req)

	for hops := 0; ; hops++ {
		resp, err := t.exchange(req, mode)
		if err != nil {
			return nil, err
		}
		if hops >= t.maxRedirects {
			return resp, nil
		}

		next, ok := t.redirectTarget(req, resp)
		if !ok {
			return resp, nil
		}
		resp.Body.Close()

		t.logger.Debug("Following redirect",
			zap.Int("status", resp.StatusCode),
			zap.String("location", next.URL.String()),
			zap.Int("hop", hops+1),
		)
		req = next
	}
}

// Close closes every connection still held by a streamed response and makes
// further sends fail with ErrTransportClosed. It is safe to call more than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var errs []error
	for conn := range t.conns {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		delete(t.conns, conn)
	}
	return errors.Join(errs...)
}

func (t *Transport) exchange(req *http.Request, mode CompletionMode) (*http.Response, error) {
	host, port, err := target(req.URL)
	if err != nil {
		return nil, err
	}

	ctx := req.Context()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := t.dial(ctx, host, port)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ConnectionError{Target: net.JoinHostPort(host, strconv.Itoa(port)), Err: err}
	}

	if strings.EqualFold(req.URL.Scheme, "https") {
		conn, err = t.handshake(ctx, conn, host)
		if err != nil {
			return nil, err
		}
	}

	if !t.track(conn) {
		conn.Close()
		return nil, ErrTransportClosed
	}

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	var once sync.Once
	release := func() {
		once.Do(func() {
			stop()
			t.untrack(conn)
			conn.Close()
		})
	}

	// Connections are never reused.
	req.Close = true

	if err := req.Write(conn); err != nil {
		release()
		return nil, exchangeError(ctx, "write request", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		release()
		return nil, exchangeError(ctx, "read response", err)
	}

	if mode == BufferBody {
		body, err := io.ReadAll(resp.Body)
		release()
		resp.Body.Close()
		if err != nil {
			return nil, exchangeError(ctx, "read response body", err)
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
		resp.ContentLength = int64(len(body))
		return resp, nil
	}

	resp.Body = &streamBody{body: resp.Body, ctx: ctx, release: release}
	return resp, nil
}

func (t *Transport) handshake(ctx context.Context, conn net.Conn, host string) (net.Conn, error) {
	cfg := &tls.Config{}
	if t.tlsConfig != nil {
		cfg = t.tlsConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ConnectionError{Target: host, Err: fmt.Errorf("tls handshake: %w", err)}
	}
	return tlsConn, nil
}

// redirectTarget returns the follow-up request for an allowed 301/302.
func (t *Transport) redirectTarget(req *http.Request, resp *http.Response) (*http.Request, bool) {
	if t.redirectMode == RedirectNone {
		return nil, false
	}
	if resp.StatusCode != http.StatusMovedPermanently && resp.StatusCode != http.StatusFound {
		return nil, false
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return nil, false
	}
	loc, err := url.Parse(location)
	if err != nil {
		return nil, false
	}

	next := req.Clone(req.Context())
	next.Header.Del("Authorization")

	if !loc.IsAbs() {
		next.URL = req.URL.ResolveReference(loc)
		return withBody(next)
	}

	if strings.EqualFold(req.URL.Scheme, "https") && strings.EqualFold(loc.Scheme, "http") &&
		t.redirectMode == RedirectNoDowngrade {
		return nil, false
	}

	next.URL = loc
	next.Host = ""
	return withBody(next)
}

func withBody(req *http.Request) (*http.Request, bool) {
	if req.GetBody == nil {
		if req.Body != nil && req.Body != http.NoBody {
			return nil, false
		}
		return req, true
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, false
	}
	req.Body = body
	return req, true
}

func (t *Transport) track(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[conn] = struct{}{}
	return true
}

func (t *Transport) untrack(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, conn)
}

// target extracts the connection host and port, validating the URL first.
func target(u *url.URL) (string, int, error) {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", 0, &ConfigError{Address: u.String(), Reason: "only http and https are supported"}
	}

	host, p := u.Host, ""
	if hasPort(u.Host) {
		var err error
		host, p, err = net.SplitHostPort(u.Host)
		if err != nil {
			return "", 0, &ConfigError{Address: u.String(), Reason: err.Error()}
		}
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return "", 0, &ConfigError{Address: u.String(), Reason: "missing host"}
	}

	if p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return "", 0, &ConfigError{Address: u.String(), Reason: "invalid port " + p}
		}
		return host, port, nil
	}
	if scheme == "https" {
		return host, 443, nil
	}
	return host, 80, nil
}

// hasPort reports whether hostport carries a port separator outside an IPv6
// literal.
func hasPort(hostport string) bool {
	i := strings.LastIndexByte(hostport, ':')
	return i >= 0 && i > strings.LastIndexByte(hostport, ']')
}

func exchangeError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%s: %w", op, err)
}

// streamBody closes the underlying connection before the HTTP body so that
// closing an endless stream never drains it.
type streamBody struct {
	body    io.ReadCloser
	ctx     context.Context
	release func()
}

func (b *streamBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if err != nil && err != io.EOF && b.ctx.Err() != nil {
		return n, b.ctx.Err()
	}
	return n, err
}

func (b *streamBody) Close() error {
	b.release()
	b.body.Close()
	return nil
}
