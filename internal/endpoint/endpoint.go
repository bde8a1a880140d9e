// Package endpoint owns transport addressing: endpoint values, the
// per-protocol factory registry, and the connectors, acceptors and
// transceivers each transport produces.
package endpoint

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"time"

	"github.com/danmuck/objrpc/internal/logging"
	"github.com/danmuck/objrpc/internal/protocol"
	"github.com/rs/zerolog"
)

// Protocol type codes carried on the wire.
const (
	TypeTCP int16 = 1
	TypeSSL int16 = 2
	TypeWS  int16 = 4
)

// InfiniteTimeout disables the per-endpoint timeout; connectors fall back
// to Settings.DefaultTimeout.
const InfiniteTimeout int32 = -1

var (
	ErrUnknownEndpoint = errors.New("endpoint: unknown endpoint cannot be used for connections")
	ErrWrongType       = errors.New("endpoint: endpoint type not handled by factory")
	ErrDestroyed       = errors.New("endpoint: factory manager destroyed")
)

// Endpoint is an immutable transport address. Implementations are
// comparable value types so endpoints can key connection pools directly:
// two endpoints are equal iff their configuration is identical.
type Endpoint interface {
	Type() int16
	Protocol() string
	String() string
	// Timeout is in milliseconds, InfiniteTimeout when unset.
	Timeout() int32
	Compress() bool
	WithTimeout(ms int32) Endpoint
	WithCompress(on bool) Endpoint
	Datagram() bool
	Secure() bool
	Unknown() bool
	// Marshal writes the type code followed by an encapsulation.
	Marshal(out *protocol.OutputStream)
}

// Transceiver is a live connection.
type Transceiver interface {
	io.ReadWriteCloser
	String() string
}

// Connector opens outgoing connections to one endpoint.
type Connector interface {
	Connect(ctx context.Context, timeout time.Duration) (Transceiver, error)
	String() string
}

// Acceptor is a bound listener for one endpoint. Accept blocks until a
// peer connects or Close is called.
type Acceptor interface {
	Accept() (Transceiver, error)
	// Endpoint returns the effective endpoint, with the bound port filled in.
	Endpoint() Endpoint
	Close() error
	String() string
}

// Factory handles one protocol.
type Factory interface {
	Type() int16
	Protocol() string
	// Create parses the options that follow the protocol token.
	Create(args string) (Endpoint, error)
	// Read decodes the encapsulation that follows the type code.
	Read(in *protocol.InputStream) (Endpoint, error)
	Connector(ep Endpoint) (Connector, error)
	Acceptor(ep Endpoint) (Acceptor, error)
	Destroy()
}

// Settings carries the runtime-wide defaults and collaborators shared by
// all factories.
type Settings struct {
	DefaultHost    string
	DefaultTimeout time.Duration
	ClientTLS      *tls.Config
	ServerTLS      *tls.Config
	Logger         zerolog.Logger
	Traces         logging.TraceLevels
}

func (s Settings) connectTimeout(ep Endpoint, requested time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	if ms := ep.Timeout(); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return s.DefaultTimeout
}
