package transport

import (
	"context"
	"errors"
	"net"
	"net/url"
	"path"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-connections/sockets"
	"go.uber.org/zap"
)

const (
	defaultUnixAddress = "unix:///var/run/docker.sock"
	defaultPipeAddress = "npipe://./pipe/docker_engine"

	// pipeDialTimeout bounds how long a named pipe connect may wait for a
	// free server instance.
	pipeDialTimeout = 100 * time.Millisecond
)

// DefaultAddress returns the OS-conventional local engine address.
func DefaultAddress() string {
	if runtime.GOOS == "windows" {
		return defaultPipeAddress
	}
	return defaultUnixAddress
}

// NormalizeAddress maps the empty and "." markers to DefaultAddress.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if address == "" || address == "." {
		return DefaultAddress()
	}
	return address
}

// Endpoint is a resolved engine address: the transport that reaches it and
// the opaque base URL requests are built against.
type Endpoint struct {
	Address   string
	BaseURL   *url.URL
	Transport *Transport
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithTransportOptions applies opts to every transport the resolver builds.
func WithTransportOptions(opts ...Option) ResolverOption {
	return func(r *Resolver) {
		r.transportOpts = append(r.transportOpts, opts...)
	}
}

// Resolver maps configured engine addresses to cached endpoints. Each
// normalized address is constructed at most once.
//
// Concurrency Safety: All methods are safe for concurrent use.
type Resolver struct {
	logger        *zap.Logger
	transportOpts []Option

	mu        sync.Mutex
	cache     map[string]*Endpoint
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// NewResolver creates an empty resolver.
func NewResolver(logger *zap.Logger, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		logger: logger.Named("transport"),
		cache:  make(map[string]*Endpoint),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the cached endpoint for address, building it on first use.
// Equivalent spellings of one address (unix:/p and unix:///p, or
// npipe://localhost/pipe/x and npipe://./pipe/x) share an endpoint.
// Configuration faults (*ConfigError, *UnsupportedProtocolError) are returned
// synchronously and are never cached.
func (r *Resolver) Resolve(address string) (*Endpoint, error) {
	loc, err := parseLocation(NormalizeAddress(address))

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrResolverClosed
	}
	if err != nil {
		return nil, err
	}
	key := loc.String()
	if ep, ok := r.cache[key]; ok {
		return ep, nil
	}

	ep := r.build(loc)
	r.cache[key] = ep

	r.logger.Debug("Engine client created",
		zap.String("address", key),
		zap.String("base_url", ep.BaseURL.String()),
	)
	return ep, nil
}

// Close closes every cached transport exactly once.
func (r *Resolver) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		r.closed = true
		var errs []error
		for key, ep := range r.cache {
			if err := ep.Transport.Close(); err != nil {
				errs = append(errs, err)
			}
			delete(r.cache, key)
		}
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}

// location is a parsed local engine address.
type location struct {
	scheme string
	// socketPath is set for unix addresses.
	socketPath string
	// server and name are set for npipe addresses.
	server string
	name   string
}

func parseLocation(address string) (location, error) {
	u, err := url.Parse(address)
	if err != nil {
		return location{}, &ConfigError{Address: address, Reason: err.Error()}
	}

	switch scheme := strings.ToLower(u.Scheme); scheme {
	case "unix":
		socketPath := u.Host + u.Path
		if socketPath == "" {
			socketPath = u.Opaque
		}
		if socketPath == "" {
			return location{}, &ConfigError{Address: address, Reason: "missing socket path"}
		}
		return location{scheme: scheme, socketPath: socketPath}, nil

	case "npipe":
		segments := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(segments) != 2 || !strings.EqualFold(segments[0], "pipe") || segments[1] == "" {
			return location{}, &ConfigError{Address: address, Reason: "expected npipe://<host>/pipe/<name>"}
		}
		server := u.Host
		if server == "" || strings.EqualFold(server, "localhost") {
			server = "."
		}
		return location{scheme: scheme, server: server, name: segments[1]}, nil

	default:
		return location{}, &UnsupportedProtocolError{Scheme: u.Scheme}
	}
}

// String returns the canonical address, used as the cache key.
func (l location) String() string {
	if l.scheme == "npipe" {
		return "npipe://" + l.server + "/pipe/" + l.name
	}
	return "unix://" + l.socketPath
}

func (r *Resolver) build(loc location) *Endpoint {
	opts := append([]Option{WithLogger(r.logger)}, r.transportOpts...)

	var (
		dial  DialFunc
		label string
	)
	if loc.scheme == "npipe" {
		pipePath := `\\` + loc.server + `\pipe\` + loc.name
		dial = func(ctx context.Context, _ string, _ int) (net.Conn, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return sockets.DialPipe(pipePath, pipeDialTimeout)
		}
		label = loc.name
	} else {
		socketPath := loc.socketPath
		dial = func(ctx context.Context, _ string, _ int) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		}
		label = path.Base(socketPath)
	}

	return &Endpoint{
		Address:   loc.String(),
		BaseURL:   &url.URL{Scheme: "http", Host: markerHost(label)},
		Transport: NewTransport(dial, opts...),
	}
}

// markerHost turns a socket or pipe name into a URL host. The host is only a
// label: local stream openers ignore it.
func markerHost(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "localhost"
	}
	return b.String()
}
