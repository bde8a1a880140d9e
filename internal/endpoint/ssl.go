package endpoint

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/danmuck/objrpc/internal/protocol"
)

// SSLEndpoint is a TLS stream endpoint.
type SSLEndpoint struct{ Stream }

func (SSLEndpoint) Type() int16      { return TypeSSL }
func (SSLEndpoint) Protocol() string { return "ssl" }
func (e SSLEndpoint) String() string { return e.format("ssl") }
func (e SSLEndpoint) Timeout() int32 { return e.TimeoutMs }
func (e SSLEndpoint) Compress() bool { return e.Compressed }
func (SSLEndpoint) Datagram() bool   { return false }
func (SSLEndpoint) Secure() bool     { return true }
func (SSLEndpoint) Unknown() bool    { return false }

func (e SSLEndpoint) WithTimeout(ms int32) Endpoint {
	e.TimeoutMs = ms
	return e
}

func (e SSLEndpoint) WithCompress(on bool) Endpoint {
	e.Compressed = on
	return e
}

func (e SSLEndpoint) Marshal(out *protocol.OutputStream) {
	out.WriteInt16(TypeSSL)
	out.StartEncaps()
	e.marshal(out)
	out.EndEncaps()
}

type sslFactory struct {
	settings Settings
}

// NewSSLFactory returns the factory for "ssl" endpoints. Connectors use
// Settings.ClientTLS and acceptors require Settings.ServerTLS.
func NewSSLFactory(settings Settings) Factory {
	return &sslFactory{settings: settings}
}

func (*sslFactory) Type() int16      { return TypeSSL }
func (*sslFactory) Protocol() string { return "ssl" }
func (*sslFactory) Destroy()         {}

func (f *sslFactory) Create(args string) (Endpoint, error) {
	s, err := parseStream(args, f.settings.DefaultHost, nil)
	if err != nil {
		return nil, err
	}
	return SSLEndpoint{s}, nil
}

func (f *sslFactory) Read(in *protocol.InputStream) (Endpoint, error) {
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
	return SSLEndpoint{s}, nil
}

func (f *sslFactory) Connector(ep Endpoint) (Connector, error) {
	e, ok := ep.(SSLEndpoint)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWrongType, ep.Protocol())
	}
	base := f.settings.ClientTLS
	if base == nil {
		base = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	upgrade := func(ctx context.Context, conn net.Conn) (net.Conn, error) {
		cfg := base.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = e.Host
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, err
		}
		return tlsConn, nil
	}
	return newStreamConnector(f.settings, e, e.address(), upgrade), nil
}

func (f *sslFactory) Acceptor(ep Endpoint) (Acceptor, error) {
	e, ok := ep.(SSLEndpoint)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWrongType, ep.Protocol())
	}
	if f.settings.ServerTLS == nil {
		return nil, ErrTLSServerRequired
	}
	ln, err := net.Listen("tcp", e.address())
	if err != nil {
		return nil, err
	}
	e.Port = int32(ln.Addr().(*net.TCPAddr).Port)
	return newStreamAcceptor(f.settings, tls.NewListener(ln, f.settings.ServerTLS), e), nil
}
