package bridge

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/moatless/drawbridge/internal/metrics"
	"github.com/moatless/drawbridge/internal/types"
)

// maxHeaderBytes caps a request line or header block read from either
// side of the bridge.
const maxHeaderBytes = 64 * 1024

var errHeaderTooLarge = errors.New("bridge: header block too large")

// handleConn serves exactly one request on a client connection.
func (b *Bridge) handleConn(conn net.Conn) {
	metrics.BridgeActiveConns.Inc()
	defer metrics.BridgeActiveConns.Dec()
	defer conn.Close()

	if err := b.serveConn(conn); err != nil {
		switch {
		case errors.Is(err, types.ErrMalformedRequestLine):
			metrics.RecordBridgeError("bad_request")
			log.Warn().Err(err).
				Str("client", conn.RemoteAddr().String()).
				Msg("Bridge rejected request")
		case errors.Is(err, types.ErrUpstreamRefused):
			metrics.RecordBridgeError("upstream_refused")
			log.Warn().Err(err).Msg("Upstream proxy refused connection")
		default:
			metrics.RecordBridgeError("io")
			log.Debug().Err(err).Msg("Bridge connection ended with error")
		}
	}
}

func (b *Bridge) serveConn(conn net.Conn) error {
	conn.SetReadDeadline(time.Now().Add(headerTimeout))

	reader := bufio.NewReader(conn)
	line, err := readLine(reader)
	if err != nil {
		if err == io.EOF && line == "" {
			// Port scanners and liveness probes
			return nil
		}
		return fmt.Errorf("read request line: %w", err)
	}

	trimmed := strings.TrimRight(line, "\r\n")
	if trimmed == "" {
		return nil
	}

	tokens := strings.Fields(trimmed)
	if len(tokens) < 3 {
		return fmt.Errorf("%w: %q", types.ErrMalformedRequestLine, trimmed)
	}

	if tokens[0] == http.MethodConnect {
		metrics.RecordBridgeConnection("connect")
		return b.tunnel(conn, reader, tokens[1])
	}
	metrics.RecordBridgeConnection("forward")
	return b.forward(conn, reader, line)
}

// tunnel serves a CONNECT request: the upstream proxy opens the far end,
// then the bridge splices opaque bytes until either side closes.
func (b *Bridge) tunnel(client net.Conn, clientReader *bufio.Reader, target string) error {
	upstream, err := net.DialTimeout("tcp", b.upstream, dialTimeout)
	if err != nil {
		// No reply to the client: the dropped connection is the signal
		return fmt.Errorf("dial upstream %s: %w", b.upstream, err)
	}
	defer upstream.Close()
	upstream.SetReadDeadline(time.Now().Add(headerTimeout))

	var req bytes.Buffer
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if b.basicAuth != "" {
		fmt.Fprintf(&req, "Proxy-Authorization: Basic %s\r\n", b.basicAuth)
	}
	req.WriteString("Connection: close\r\n\r\n")
	if _, err := upstream.Write(req.Bytes()); err != nil {
		return fmt.Errorf("write CONNECT to upstream: %w", err)
	}

	upstreamReader := bufio.NewReader(upstream)
	statusLine, err := readLine(upstreamReader)
	if err != nil {
		return fmt.Errorf("read upstream status: %w", err)
	}
	upstreamHeaders, err := readHeaderBlock(upstreamReader)
	if err != nil {
		return fmt.Errorf("read upstream headers: %w", err)
	}

	if !strings.Contains(statusLine, "200") {
		// Forward the refusal verbatim so the client sees the real
		// status (407 and friends), then drop the connection.
		client.Write([]byte(statusLine))
		client.Write(upstreamHeaders)
		return fmt.Errorf("%w: %s", types.ErrUpstreamRefused, strings.TrimSpace(statusLine))
	}

	// The upstream's 200 headers are bridge-internal and already read;
	// the client's remaining CONNECT headers are likewise ours to eat.
	if _, err := readHeaderBlock(clientReader); err != nil {
		return fmt.Errorf("read client headers: %w", err)
	}

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
		return fmt.Errorf("write established: %w", err)
	}

	log.Debug().Str("target", target).Msg("CONNECT tunnel established")
	return splice(client, clientReader, upstream, upstreamReader)
}

// forward serves a plain HTTP request in absolute-URI form. The request
// line and headers are relayed byte-exact; the only modification is the
// injected Proxy-Authorization header, written before the client's own
// headers so the upstream authenticates the request first.
func (b *Bridge) forward(client net.Conn, clientReader *bufio.Reader, requestLine string) error {
	upstream, err := net.DialTimeout("tcp", b.upstream, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial upstream %s: %w", b.upstream, err)
	}
	defer upstream.Close()

	// The upstream is itself a proxy and expects the absolute-URI form,
	// so the request line goes through verbatim.
	if _, err := upstream.Write([]byte(requestLine)); err != nil {
		return fmt.Errorf("write request line: %w", err)
	}

	headers, err := readHeaderBlock(clientReader)
	if err != nil {
		return fmt.Errorf("read client headers: %w", err)
	}

	if b.basicAuth != "" {
		if _, err := fmt.Fprintf(upstream, "Proxy-Authorization: Basic %s\r\n", b.basicAuth); err != nil {
			return fmt.Errorf("write auth header: %w", err)
		}
	}

	// Captured headers keep their original terminators, blank line
	// included.
	if _, err := upstream.Write(headers); err != nil {
		return fmt.Errorf("write headers: %w", err)
	}

	log.Debug().Str("request", strings.TrimSpace(requestLine)).Msg("Forwarding to upstream")
	return splice(client, clientReader, upstream, bufio.NewReader(upstream))
}

// splice copies bytes both ways until either direction reaches EOF. The
// buffered readers may hold bytes that arrived before the handoff, so
// the copies must start from them, not from the raw connections.
func splice(client net.Conn, clientReader io.Reader, upstream net.Conn, upstreamReader io.Reader) error {
	// Header-phase deadlines no longer apply
	client.SetReadDeadline(time.Time{})
	upstream.SetReadDeadline(time.Time{})

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			client.Close()
			upstream.Close()
		})
	}

	g := new(errgroup.Group)
	g.Go(func() error {
		_, err := io.Copy(upstream, clientReader)
		closeBoth()
		return spliceErr(err)
	})
	g.Go(func() error {
		_, err := io.Copy(client, upstreamReader)
		closeBoth()
		return spliceErr(err)
	})
	return g.Wait()
}

// spliceErr drops the errors a deliberate teardown produces: when one
// direction ends, closing both connections unblocks the other copy.
func spliceErr(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// readLine reads one line including its terminator, bounded by
// maxHeaderBytes.
func readLine(r *bufio.Reader) (string, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if err == nil {
			return string(buf), nil
		}
		if err == bufio.ErrBufferFull {
			if len(buf) > maxHeaderBytes {
				return "", errHeaderTooLarge
			}
			continue
		}
		return string(buf), err
	}
}

// readHeaderBlock reads raw header lines through the terminating blank
// line, returning every byte as received. Lines are not parsed or
// canonicalized; callers retransmit them exactly.
func readHeaderBlock(r *bufio.Reader) ([]byte, error) {
	var block []byte
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		block = append(block, line...)
		if len(block) > maxHeaderBytes {
			return nil, errHeaderTooLarge
		}
		if line == "\r\n" || line == "\n" {
			return block, nil
		}
	}
}
