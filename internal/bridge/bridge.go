// Package bridge implements the local forward proxy that fronts the
// authenticated upstream proxy. The browser cannot attach proxy
// credentials itself, so it is pointed at the bridge, which injects
// Proxy-Authorization on every outbound connection and otherwise relays
// bytes untouched.
package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/netutil"

	"github.com/moatless/drawbridge/internal/config"
)

const (
	// dialTimeout bounds the TCP dial to the upstream proxy.
	dialTimeout = 10 * time.Second

	// headerTimeout bounds the header exchange phase of a connection.
	// Established tunnels carry no deadline: challenge pages idle for
	// minutes while polling.
	headerTimeout = 30 * time.Second
)

// Bridge is the local HTTP proxy. One request per client connection:
// CONNECT requests become opaque tunnels, anything else is forwarded in
// absolute-URI form to the upstream, which acts as the real proxy.
type Bridge struct {
	upstream  string // host:port of the authenticated upstream proxy
	basicAuth string // precomputed credential token, empty without credentials
	maxConns  int

	mu     sync.Mutex
	ln     net.Listener
	closed bool
}

// New builds a Bridge from the service configuration.
func New(cfg *config.Config) *Bridge {
	b := &Bridge{
		upstream: cfg.UpstreamAddr(),
		maxConns: cfg.BridgeMaxConns,
	}
	if cfg.HasProxyCredentials() {
		b.basicAuth = basicToken(cfg.ProxyUsername, cfg.ProxyPassword)
	}
	return b
}

// basicToken encodes credentials for a Proxy-Authorization header:
// standard base64 with padding over the UTF-8 bytes of "user:pass".
func basicToken(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}

// Bind binds the TCP listener. Binding twice is an error.
func (b *Bridge) Bind(addr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ln != nil {
		return errors.New("bridge: already bound")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge: bind %s: %w", addr, err)
	}
	if b.maxConns > 0 {
		ln = netutil.LimitListener(ln, b.maxConns)
	}
	b.ln = ln

	log.Info().
		Str("addr", ln.Addr().String()).
		Str("upstream", b.upstream).
		Bool("credentials", b.basicAuth != "").
		Msg("Proxy bridge bound")
	return nil
}

// Serve runs the accept loop until ctx is cancelled or the listener is
// closed. Every accepted connection is handled on its own goroutine;
// per-connection failures never stop the loop.
func (b *Bridge) Serve(ctx context.Context) error {
	b.mu.Lock()
	ln := b.ln
	b.mu.Unlock()
	if ln == nil {
		return errors.New("bridge: not bound, call Bind first")
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn().Err(err).Msg("Bridge accept failed")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		go b.handleConn(conn)
	}
}

// Run is a convenience wrapper: Bind then Serve.
func (b *Bridge) Run(ctx context.Context, addr string) error {
	if err := b.Bind(addr); err != nil {
		return err
	}
	return b.Serve(ctx)
}

// Close closes the listener. In-flight connections finish on their own.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ln == nil || b.closed {
		return nil
	}
	b.closed = true
	return b.ln.Close()
}

// Addr returns the bound listener address, or nil before Bind.
func (b *Bridge) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

// ClientAddr returns the address the browser should use to reach the
// bridge. A wildcard bind is not dialable, so it maps to loopback with
// the bound port.
func (b *Bridge) ClientAddr() string {
	b.mu.Lock()
	ln := b.ln
	b.mu.Unlock()
	if ln == nil {
		return ""
	}
	tcp, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return ln.Addr().String()
	}
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(tcp.Port))
	}
	return tcp.String()
}
