package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danmuck/objrpc/internal/fault"
	"github.com/danmuck/objrpc/internal/logging"
	"github.com/danmuck/objrpc/internal/protocol"
	"github.com/rs/zerolog"
)

// TCPEndpoint is a plain stream socket endpoint.
type TCPEndpoint struct{ Stream }

func (TCPEndpoint) Type() int16      { return TypeTCP }
func (TCPEndpoint) Protocol() string { return "tcp" }
func (e TCPEndpoint) String() string { return e.format("tcp") }
func (e TCPEndpoint) Timeout() int32 { return e.TimeoutMs }
func (e TCPEndpoint) Compress() bool { return e.Compressed }
func (TCPEndpoint) Datagram() bool   { return false }
func (TCPEndpoint) Secure() bool     { return false }
func (TCPEndpoint) Unknown() bool    { return false }

func (e TCPEndpoint) WithTimeout(ms int32) Endpoint {
	e.TimeoutMs = ms
	return e
}

func (e TCPEndpoint) WithCompress(on bool) Endpoint {
	e.Compressed = on
	return e
}

func (e TCPEndpoint) Marshal(out *protocol.OutputStream) {
	out.WriteInt16(TypeTCP)
	out.StartEncaps()
	e.marshal(out)
	out.EndEncaps()
}

type tcpFactory struct {
	settings Settings
}

// NewTCPFactory returns the factory for "tcp" endpoints.
func NewTCPFactory(settings Settings) Factory {
	return &tcpFactory{settings: settings}
}

func (*tcpFactory) Type() int16      { return TypeTCP }
func (*tcpFactory) Protocol() string { return "tcp" }
func (*tcpFactory) Destroy()         {}

func (f *tcpFactory) Create(args string) (Endpoint, error) {
	s, err := parseStream(args, f.settings.DefaultHost, nil)
	if err != nil {
		return nil, err
	}
	return TCPEndpoint{s}, nil
}

func (f *tcpFactory) Read(in *protocol.InputStream) (Endpoint, error) {
	if _, _, err := in.StartEncaps(); err != nil {
		return nil, err
	}
	s, err := readStream(in)
	if err != nil {
		return nil, err
	}
	if err := in.EndEncaps(); err != nil {
		return nil, err
	}
	return TCPEndpoint{s}, nil
}

func (f *tcpFactory) Connector(ep Endpoint) (Connector, error) {
	e, ok := ep.(TCPEndpoint)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWrongType, ep.Protocol())
	}
	return newStreamConnector(f.settings, e, e.address(), nil), nil
}

func (f *tcpFactory) Acceptor(ep Endpoint) (Acceptor, error) {
	e, ok := ep.(TCPEndpoint)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWrongType, ep.Protocol())
	}
	ln, err := net.Listen("tcp", e.address())
	if err != nil {
		return nil, err
	}
	e.Port = int32(ln.Addr().(*net.TCPAddr).Port)
	return newStreamAcceptor(f.settings, ln, e), nil
}

// upgradeFunc wraps a freshly dialed connection, e.g. with a TLS handshake.
type upgradeFunc func(ctx context.Context, conn net.Conn) (net.Conn, error)

// streamConnector dials one host:port. The address is resolved once and
// reused for later attempts.
type streamConnector struct {
	settings Settings
	ep       Endpoint
	addr     string
	upgrade  upgradeFunc
	logger   zerolog.Logger

	resolveOnce sync.Once
	resolved    string
	resolveErr  error
}

func newStreamConnector(settings Settings, ep Endpoint, addr string, upgrade upgradeFunc) *streamConnector {
	return &streamConnector{
		settings: settings,
		ep:       ep,
		addr:     addr,
		upgrade:  upgrade,
		logger:   settings.Logger.With().Str("connector", ep.Protocol()).Logger(),
	}
}

func (c *streamConnector) String() string { return c.addr }

func (c *streamConnector) target() (string, error) {
	c.resolveOnce.Do(func() {
		tcpAddr, err := net.ResolveTCPAddr("tcp", c.addr)
		if err != nil {
			c.resolveErr = &fault.ConnectFailedError{Addr: c.addr, Err: err}
			return
		}
		c.resolved = tcpAddr.String()
	})
	return c.resolved, c.resolveErr
}

func (c *streamConnector) Connect(ctx context.Context, timeout time.Duration) (Transceiver, error) {
	addr, err := c.target()
	if err != nil {
		return nil, err
	}
	c.settings.Traces.Tracef(c.logger, logging.CategoryNetwork, 2,
		"trying to establish %s connection to %s", c.ep.Protocol(), addr)

	timeout = c.settings.connectTimeout(c.ep, timeout)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, connectError(addr, err)
	}
	if c.upgrade != nil {
		upgraded, err := c.upgrade(ctx, conn)
		if err != nil {
			_ = conn.Close()
			return nil, connectError(addr, err)
		}
		conn = upgraded
	}
	t := newStreamTransceiver(c.ep.Protocol(), conn)
	c.settings.Traces.Tracef(c.logger, logging.CategoryNetwork, 1,
		"%s connection established\n%s", c.ep.Protocol(), t.String())
	return t, nil
}

func connectError(addr string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &fault.ConnectTimeoutError{Addr: addr}
	}
	return &fault.ConnectFailedError{Addr: addr, Err: err}
}

type streamAcceptor struct {
	settings Settings
	ln       net.Listener
	ep       Endpoint
	logger   zerolog.Logger
}

func newStreamAcceptor(settings Settings, ln net.Listener, ep Endpoint) *streamAcceptor {
	a := &streamAcceptor{
		settings: settings,
		ln:       ln,
		ep:       ep,
		logger:   settings.Logger.With().Str("acceptor", ep.Protocol()).Logger(),
	}
	settings.Traces.Tracef(a.logger, logging.CategoryNetwork, 1,
		"accepting %s connections at %s", ep.Protocol(), ln.Addr())
	return a
}

func (a *streamAcceptor) Endpoint() Endpoint { return a.ep }
func (a *streamAcceptor) String() string     { return a.ln.Addr().String() }
func (a *streamAcceptor) Close() error       { return a.ln.Close() }

func (a *streamAcceptor) Accept() (Transceiver, error) {
	conn, err := a.ln.Accept()
	if err != nil {
		return nil, err
	}
	t := newStreamTransceiver(a.ep.Protocol(), conn)
	a.settings.Traces.Tracef(a.logger, logging.CategoryNetwork, 1,
		"accepted %s connection\n%s", a.ep.Protocol(), t.String())
	return t, nil
}

type streamTransceiver struct {
	net.Conn
	desc string
}

func newStreamTransceiver(proto string, conn net.Conn) *streamTransceiver {
	return &streamTransceiver{
		Conn: conn,
		desc: fmt.Sprintf("%s local address = %s\nremote address = %s", proto, conn.LocalAddr(), conn.RemoteAddr()),
	}
}

func (t *streamTransceiver) String() string { return t.desc }
