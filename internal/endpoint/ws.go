package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/objrpc/internal/logging"
	"github.com/danmuck/objrpc/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var ErrAcceptorClosed = errors.New("endpoint: acceptor closed")

// WSEndpoint carries frames as binary websocket messages.
type WSEndpoint struct {
	Stream
	Resource string
}

func (WSEndpoint) Type() int16      { return TypeWS }
func (WSEndpoint) Protocol() string { return "ws" }
func (e WSEndpoint) Timeout() int32 { return e.TimeoutMs }
func (e WSEndpoint) Compress() bool { return e.Compressed }
func (WSEndpoint) Datagram() bool   { return false }
func (WSEndpoint) Secure() bool     { return false }
func (WSEndpoint) Unknown() bool    { return false }

func (e WSEndpoint) String() string {
	s := e.format("ws")
	if e.Resource != "" && e.Resource != "/" {
		s += " -r " + quoteArg(e.Resource)
	}
	return s
}

func (e WSEndpoint) WithTimeout(ms int32) Endpoint {
	e.TimeoutMs = ms
	return e
}

func (e WSEndpoint) WithCompress(on bool) Endpoint {
	e.Compressed = on
	return e
}

func (e WSEndpoint) Marshal(out *protocol.OutputStream) {
	out.WriteInt16(TypeWS)
	out.StartEncaps()
	e.marshal(out)
	out.WriteString(e.Resource)
	out.EndEncaps()
}

func (e WSEndpoint) url() string {
	return "ws://" + e.address() + e.Resource
}

type wsFactory struct {
	settings Settings
}

// NewWSFactory returns the factory for "ws" endpoints.
func NewWSFactory(settings Settings) Factory {
	return &wsFactory{settings: settings}
}

func (*wsFactory) Type() int16      { return TypeWS }
func (*wsFactory) Protocol() string { return "ws" }
func (*wsFactory) Destroy()         {}

func (f *wsFactory) Create(args string) (Endpoint, error) {
	resource := "/"
	s, err := parseStream(args, f.settings.DefaultHost, func(opt byte, arg string, hasArg bool) (bool, error) {
		if opt != 'r' {
			return false, nil
		}
		if !hasArg {
			return true, fmt.Errorf("no argument for -r")
		}
		if !strings.HasPrefix(arg, "/") {
			arg = "/" + arg
		}
		resource = arg
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return WSEndpoint{Stream: s, Resource: resource}, nil
}

func (f *wsFactory) Read(in *protocol.InputStream) (Endpoint, error) {
	if _, _, err := in.StartEncaps(); err != nil {
		return nil, err
	}
	s, err := readStream(in)
	if err != nil {
		return nil, err
	}
	resource, err := in.ReadString()
	if err != nil {
		return nil, err
	}
	if err := in.EndEncaps(); err != nil {
		return nil, err
	}
	return WSEndpoint{Stream: s, Resource: resource}, nil
}

func (f *wsFactory) Connector(ep Endpoint) (Connector, error) {
	e, ok := ep.(WSEndpoint)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWrongType, ep.Protocol())
	}
	return &wsConnector{
		settings: f.settings,
		ep:       e,
		logger:   f.settings.Logger.With().Str("connector", "ws").Logger(),
	}, nil
}

func (f *wsFactory) Acceptor(ep Endpoint) (Acceptor, error) {
	e, ok := ep.(WSEndpoint)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWrongType, ep.Protocol())
	}
	ln, err := net.Listen("tcp", e.address())
	if err != nil {
		return nil, err
	}
	e.Port = int32(ln.Addr().(*net.TCPAddr).Port)
	a := &wsAcceptor{
		settings: f.settings,
		ln:       ln,
		ep:       e,
		conns:    make(chan *websocket.Conn),
		done:     make(chan struct{}),
		logger:   f.settings.Logger.With().Str("acceptor", "ws").Logger(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(e.Resource, a.upgrade)
	a.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = a.srv.Serve(ln) }()
	f.settings.Traces.Tracef(a.logger, logging.CategoryNetwork, 1, "accepting ws connections at %s", e.url())
	return a, nil
}

type wsConnector struct {
	settings Settings
	ep       WSEndpoint
	logger   zerolog.Logger
}

func (c *wsConnector) String() string { return c.ep.url() }

func (c *wsConnector) Connect(ctx context.Context, timeout time.Duration) (Transceiver, error) {
	url := c.ep.url()
	c.settings.Traces.Tracef(c.logger, logging.CategoryNetwork, 2, "trying to establish ws connection to %s", url)
	timeout = c.settings.connectTimeout(c.ep, timeout)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, connectError(c.ep.address(), err)
	}
	t := newWSTransceiver(conn)
	c.settings.Traces.Tracef(c.logger, logging.CategoryNetwork, 1, "ws connection established\n%s", t.String())
	return t, nil
}

type wsAcceptor struct {
	settings Settings
	ln       net.Listener
	srv      *http.Server
	ep       WSEndpoint
	conns    chan *websocket.Conn
	done     chan struct{}
	once     sync.Once
	logger   zerolog.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (a *wsAcceptor) upgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn().Err(err).Msg("endpoint.wsAcceptor.upgrade failed")
		return
	}
	select {
	case a.conns <- conn:
	case <-a.done:
		_ = conn.Close()
	}
}

func (a *wsAcceptor) Accept() (Transceiver, error) {
	select {
	case conn := <-a.conns:
		t := newWSTransceiver(conn)
		a.settings.Traces.Tracef(a.logger, logging.CategoryNetwork, 1, "accepted ws connection\n%s", t.String())
		return t, nil
	case <-a.done:
		return nil, ErrAcceptorClosed
	}
}

func (a *wsAcceptor) Endpoint() Endpoint { return a.ep }
func (a *wsAcceptor) String() string     { return a.ep.url() }

func (a *wsAcceptor) Close() error {
	var err error
	a.once.Do(func() {
		close(a.done)
		err = a.srv.Close()
	})
	return err
}

// wsTransceiver presents a message-oriented websocket as a byte stream.
// Each Write is one binary message.
type wsTransceiver struct {
	conn   *websocket.Conn
	reader io.Reader
	desc   string
}

func newWSTransceiver(conn *websocket.Conn) *wsTransceiver {
	return &wsTransceiver{
		conn: conn,
		desc: fmt.Sprintf("ws local address = %s\nremote address = %s", conn.LocalAddr(), conn.RemoteAddr()),
	}
}

func (t *wsTransceiver) Read(p []byte) (int, error) {
	for {
		if t.reader == nil {
			kind, r, err := t.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			t.reader = r
		}
		n, err := t.reader.Read(p)
		if errors.Is(err, io.EOF) {
			t.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (t *wsTransceiver) Write(p []byte) (int, error) {
	if err := t.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *wsTransceiver) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}

func (t *wsTransceiver) String() string { return t.desc }
