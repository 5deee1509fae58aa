package hostfn

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/wippyai/wasm-actors/capability"
	werrors "github.com/wippyai/wasm-actors/errors"
)

// Network dials TCP endpoints on behalf of components.
type Network struct {
	Dialer net.Dialer
	// Timeout bounds a whole Send. Zero means 10s.
	Timeout time.Duration
	// MaxReply bounds the bytes Send reads back. Zero means 1 MiB.
	MaxReply int64
}

func checkEndpoint(endpoint string) error {
	if _, _, err := net.SplitHostPort(endpoint); err != nil {
		return werrors.New(werrors.PhaseHost, werrors.KindInvalidInput).
			Resource(endpoint).Cause(err).Detail("endpoint must be host:port").Build()
	}
	return nil
}

// Connect opens a TCP connection to endpoint. The caller owns the connection.
func (n *Network) Connect(ctx context.Context, endpoint string) (net.Conn, error) {
	if err := checkEndpoint(endpoint); err != nil {
		return nil, err
	}
	if err := capability.Require(ctx, capability.NetworkScope, endpoint, capability.PermConnect); err != nil {
		return nil, err
	}
	conn, err := n.Dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, ioError(endpoint, err)
	}
	return conn, nil
}

// Send writes data to endpoint, half-closes the connection and returns
// whatever the peer writes back before closing its side.
func (n *Network) Send(ctx context.Context, endpoint string, data []byte) ([]byte, error) {
	if err := checkEndpoint(endpoint); err != nil {
		return nil, err
	}
	if err := capability.Require(ctx, capability.NetworkScope, endpoint, capability.PermSend); err != nil {
		return nil, err
	}

	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := n.Dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, ioError(endpoint, err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	if _, err := conn.Write(data); err != nil {
		return nil, ioError(endpoint, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}

	limit := n.MaxReply
	if limit <= 0 {
		limit = 1 << 20
	}
	reply, err := io.ReadAll(io.LimitReader(conn, limit))
	if err != nil {
		return nil, ioError(endpoint, err)
	}
	return reply, nil
}
