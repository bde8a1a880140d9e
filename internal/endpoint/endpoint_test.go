package endpoint_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/objrpc/internal/endpoint"
	"github.com/danmuck/objrpc/internal/fault"
	"github.com/danmuck/objrpc/internal/logging"
	"github.com/danmuck/objrpc/internal/protocol"
	"github.com/danmuck/objrpc/internal/testutil/testlog"
	"github.com/danmuck/objrpc/internal/testutil/tlstest"
	"github.com/rs/zerolog"
)

func testSettings(t *testing.T) endpoint.Settings {
	return endpoint.Settings{
		DefaultHost:    "127.0.0.1",
		DefaultTimeout: 2 * time.Second,
		Logger:         testlog.Logger(t, "endpoint"),
	}
}

func newManager(t *testing.T) *endpoint.Manager {
	return endpoint.NewDefaultManager("tcp", testSettings(t))
}

func TestEqualTextGivesEqualEndpoints(t *testing.T) {
	testlog.Start(t)
	m := newManager(t)
	texts := []string{
		"tcp -h 127.0.0.1 -p 10000",
		"tcp -h 127.0.0.1 -p 10000 -t 500 -z",
		"ssl -h example.com -p 443",
		"ws -h 127.0.0.1 -p 8080 -r /rpc",
	}
	for _, text := range texts {
		a, err := m.Create(text)
		if err != nil {
			t.Fatalf("create %q: %v", text, err)
		}
		b, err := m.Create("  " + text + "  ")
		if err != nil {
			t.Fatalf("create padded %q: %v", text, err)
		}
		if a != b {
			t.Fatalf("endpoints for %q differ: %v vs %v", text, a, b)
		}
		pool := map[endpoint.Endpoint]int{a: 1}
		if pool[b] != 1 {
			t.Fatalf("endpoint for %q does not hash equal", text)
		}
	}

	a, _ := m.Create("tcp -h 127.0.0.1 -p 10000")
	b, _ := m.Create("tcp -h 127.0.0.1 -p 10000 -z")
	if a == b {
		t.Fatalf("endpoints with different compression compare equal")
	}
}

func TestCreateRejectsEmptyText(t *testing.T) {
	testlog.Start(t)
	m := newManager(t)
	for _, in := range []string{"", "   "} {
		_, err := m.Create(in)
		var perr *fault.EndpointParseError
		if !errors.As(err, &perr) {
			t.Fatalf("create(%q): expected EndpointParseError, got %v", in, err)
		}
		if perr.Str != in {
			t.Fatalf("parse error lost original text: %q", perr.Str)
		}
	}
}

func TestCreateRejectsMalformedText(t *testing.T) {
	testlog.Start(t)
	m := newManager(t)
	for _, in := range []string{
		"udp -h 127.0.0.1 -p 1",
		"tcp -p notaport",
		"tcp -h",
		"tcp -x 1",
		"tcp -t 0",
		"ws -r",
		"opaque -t 99",
		"opaque -t x -v AA==",
	} {
		_, err := m.Create(in)
		var perr *fault.EndpointParseError
		if !errors.As(err, &perr) {
			t.Fatalf("create(%q): expected EndpointParseError, got %v", in, err)
		}
	}
}

func TestDefaultTokenResolvesConfiguredProtocol(t *testing.T) {
	testlog.Start(t)
	for _, proto := range []string{"tcp", "ws"} {
		m := endpoint.NewDefaultManager(proto, testSettings(t))
		a, err := m.Create("default -p 12345")
		if err != nil {
			t.Fatalf("create default: %v", err)
		}
		b, err := m.Create(proto + " -p 12345")
		if err != nil {
			t.Fatalf("create %s: %v", proto, err)
		}
		if a != b {
			t.Fatalf("default resolved to %v, want %v", a, b)
		}
	}
}

func TestStreamOptions(t *testing.T) {
	testlog.Start(t)
	m := newManager(t)
	ep, err := m.Create("tcp -p 4061 -t infinite -z")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tcp := ep.(endpoint.TCPEndpoint)
	if tcp.Host != "127.0.0.1" || tcp.Port != 4061 || tcp.Timeout() != endpoint.InfiniteTimeout || !tcp.Compress() {
		t.Fatalf("unexpected endpoint %+v", tcp)
	}
	if got := ep.String(); got != "tcp -h 127.0.0.1 -p 4061 -z" {
		t.Fatalf("String() = %q", got)
	}

	derived := ep.WithTimeout(250).WithCompress(false)
	if derived.Timeout() != 250 || derived.Compress() {
		t.Fatalf("derived endpoint %v", derived)
	}
	if ep.Timeout() != endpoint.InfiniteTimeout || !ep.Compress() {
		t.Fatalf("derivation mutated the original endpoint")
	}
}

func TestWireRoundTripRegisteredTypes(t *testing.T) {
	testlog.Start(t)
	m := newManager(t)
	for _, text := range []string{"tcp -h a -p 1 -t 100", "ssl -h b -p 2 -z", "ws -h c -p 3 -r /x"} {
		ep, err := m.Create(text)
		if err != nil {
			t.Fatalf("create %q: %v", text, err)
		}
		out := protocol.NewOutputStream()
		ep.Marshal(out)
		got, err := m.Read(protocol.NewInputStream(out.Bytes(), nil))
		if err != nil {
			t.Fatalf("read %q: %v", text, err)
		}
		if got != ep {
			t.Fatalf("wire round trip of %q gave %v", text, got)
		}
	}
}

func TestUnknownTypeReencodesByteIdentical(t *testing.T) {
	testlog.Start(t)
	out := protocol.NewOutputStream()
	out.WriteInt16(42)
	out.StartEncaps()
	out.WriteString("future transport")
	out.WriteInt32(7)
	out.WriteBool(true)
	out.EndEncaps()
	wire := append([]byte(nil), out.Bytes()...)

	m := newManager(t)
	ep, err := m.Read(protocol.NewInputStream(wire, nil))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !ep.Unknown() || ep.Type() != 42 {
		t.Fatalf("expected unknown endpoint of type 42, got %v", ep)
	}
	again := protocol.NewOutputStream()
	ep.Marshal(again)
	if !bytes.Equal(again.Bytes(), wire) {
		t.Fatalf("re-encoded bytes differ:\n got %v\nwant %v", again.Bytes(), wire)
	}

	if _, err := m.Connector(ep); !errors.Is(err, endpoint.ErrUnknownEndpoint) {
		t.Fatalf("expected ErrUnknownEndpoint, got %v", err)
	}

	// The text form parses back to the same opaque endpoint.
	parsed, err := m.Create(ep.String())
	if err != nil {
		t.Fatalf("create %q: %v", ep.String(), err)
	}
	if parsed != ep {
		t.Fatalf("opaque text round trip gave %v", parsed)
	}
}

func TestOpaqueTextForRegisteredTypeYieldsRealEndpoint(t *testing.T) {
	testlog.Start(t)
	m := newManager(t)
	tcp, _ := m.Create("tcp -h 10.0.0.1 -p 9000")
	out := protocol.NewOutputStream()
	tcp.Marshal(out)

	// Pretend a peer without a tcp factory produced the opaque text.
	bare := endpoint.NewManager("tcp", zerolog.Nop())
	opaque, err := bare.Read(protocol.NewInputStream(out.Bytes(), nil))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	ep, err := m.Create(opaque.String())
	if err != nil {
		t.Fatalf("create %q: %v", opaque.String(), err)
	}
	if ep != tcp {
		t.Fatalf("opaque text resolved to %v, want %v", ep, tcp)
	}
}

func TestCreateList(t *testing.T) {
	testlog.Start(t)
	m := newManager(t)
	eps, err := m.CreateList("tcp -p 1:ws -p 2 -r /a : ssl -p 3")
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	if len(eps) != 3 || eps[0].Protocol() != "tcp" || eps[1].Protocol() != "ws" || eps[2].Protocol() != "ssl" {
		t.Fatalf("unexpected list %v", eps)
	}
}

func TestCreateListHonorsQuotedSeparators(t *testing.T) {
	testlog.Start(t)
	m := newManager(t)
	eps, err := m.CreateList(`ws -h 127.0.0.1 -p 2 -r "/v1:chat" : tcp -h "::1" -p 3`)
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	if len(eps) != 2 {
		t.Fatalf("expected 2 endpoints, got %v", eps)
	}
	ws, ok := eps[0].(endpoint.WSEndpoint)
	if !ok || ws.Resource != "/v1:chat" {
		t.Fatalf("ws endpoint = %#v", eps[0])
	}
	tcp, ok := eps[1].(endpoint.TCPEndpoint)
	if !ok || tcp.Host != "::1" {
		t.Fatalf("tcp endpoint = %#v", eps[1])
	}

	again, err := m.CreateList(eps[0].String() + ":" + eps[1].String())
	if err != nil {
		t.Fatalf("reparse %q: %v", eps[0].String()+":"+eps[1].String(), err)
	}
	if len(again) != 2 || again[0] != eps[0] || again[1] != eps[1] {
		t.Fatalf("text round trip changed endpoints: %v != %v", again, eps)
	}

	var perr *fault.EndpointParseError
	if _, err := m.CreateList(`ws -p 2 -r "/open`); !errors.As(err, &perr) {
		t.Fatalf("expected parse error for unterminated quote, got %v", err)
	}
}

func TestDuplicateFactoryPanics(t *testing.T) {
	testlog.Start(t)
	m := newManager(t)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate factory type")
		}
	}()
	m.Add(endpoint.NewTCPFactory(testSettings(t)))
}

type countingFactory struct {
	endpoint.Factory
	mu        sync.Mutex
	destroyed int
}

func (f *countingFactory) Destroy() {
	f.mu.Lock()
	f.destroyed++
	f.mu.Unlock()
}

func TestDestroyRunsOnce(t *testing.T) {
	testlog.Start(t)
	m := endpoint.NewManager("tcp", zerolog.Nop())
	f := &countingFactory{Factory: endpoint.NewTCPFactory(testSettings(t))}
	m.Add(f)
	m.Destroy()
	m.Destroy()
	if f.destroyed != 1 {
		t.Fatalf("factory destroyed %d times", f.destroyed)
	}
	ep, _ := m.Create("tcp -p 1")
	if _, err := m.Connector(ep); !errors.Is(err, endpoint.ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
}

func echoOnce(t *testing.T, acc endpoint.Acceptor) {
	go func() {
		tr, err := acc.Accept()
		if err != nil {
			return
		}
		defer tr.Close()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(tr, buf); err != nil {
			return
		}
		_, _ = tr.Write(buf)
	}()
}

func exchange(t *testing.T, m *endpoint.Manager, ep endpoint.Endpoint) {
	t.Helper()
	conn, err := m.Connector(ep)
	if err != nil {
		t.Fatalf("connector: %v", err)
	}
	tr, err := conn.Connect(context.Background(), 0)
	if err != nil {
		t.Fatalf("connect %s: %v", conn, err)
	}
	defer tr.Close()
	if _, err := tr.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(tr, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("echo mismatch: %q", buf)
	}
	if !strings.Contains(tr.String(), "remote address") {
		t.Fatalf("transceiver description %q", tr.String())
	}
}

func TestTCPAndWSLoopback(t *testing.T) {
	testlog.Start(t)
	m := newManager(t)
	for _, text := range []string{"tcp -h 127.0.0.1 -p 0", "ws -h 127.0.0.1 -p 0 -r /rpc"} {
		t.Run(strings.Fields(text)[0], func(t *testing.T) {
			ep, err := m.Create(text)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			acc, err := m.Acceptor(ep)
			if err != nil {
				t.Fatalf("acceptor: %v", err)
			}
			defer acc.Close()
			bound := acc.Endpoint()
			if bound == ep {
				t.Fatalf("acceptor endpoint kept port 0")
			}
			echoOnce(t, acc)
			exchange(t, m, bound)
		})
	}
}

func TestSSLLoopback(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "objrpc-test-ca")
	serverTLS, err := ca.LoopbackServer(t).ServerConfig()
	if err != nil {
		t.Fatalf("server tls: %v", err)
	}
	clientTLS, err := ca.Client(t, "client").ClientConfig()
	if err != nil {
		t.Fatalf("client tls: %v", err)
	}
	settings := testSettings(t)
	settings.ServerTLS = serverTLS
	settings.ClientTLS = clientTLS
	m := endpoint.NewDefaultManager("ssl", settings)

	ep, err := m.Create("default -h 127.0.0.1 -p 0")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !ep.Secure() {
		t.Fatalf("ssl endpoint not secure")
	}
	acc, err := m.Acceptor(ep)
	if err != nil {
		t.Fatalf("acceptor: %v", err)
	}
	defer acc.Close()
	echoOnce(t, acc)
	exchange(t, m, acc.Endpoint())
}

func TestSSLAcceptorRequiresServerConfig(t *testing.T) {
	testlog.Start(t)
	m := newManager(t)
	ep, _ := m.Create("ssl -h 127.0.0.1 -p 0")
	if _, err := m.Acceptor(ep); !errors.Is(err, endpoint.ErrTLSServerRequired) {
		t.Fatalf("expected ErrTLSServerRequired, got %v", err)
	}
}

func TestConnectRefusedIsConnectFailed(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	m := newManager(t)
	ep := endpoint.TCPEndpoint{Stream: endpoint.Stream{Host: "127.0.0.1", Port: int32(port), TimeoutMs: 500}}
	conn, err := m.Connector(ep)
	if err != nil {
		t.Fatalf("connector: %v", err)
	}
	_, err = conn.Connect(context.Background(), 0)
	if !fault.IsRetryable(err) {
		t.Fatalf("expected retryable connect failure, got %v", err)
	}
	if fault.CategoryOf(err) != fault.CategoryLocal {
		t.Fatalf("connect failure category %v", fault.CategoryOf(err))
	}
}

func TestConnectorTracesAttemptAndSuccess(t *testing.T) {
	testlog.Start(t)
	var logs bytes.Buffer
	var mu sync.Mutex
	settings := testSettings(t)
	settings.Logger = zerolog.New(syncWriter{&mu, &logs})
	settings.Traces = logging.TraceLevels{Network: 2}
	m := endpoint.NewDefaultManager("tcp", settings)

	ep, _ := m.Create("tcp -h 127.0.0.1 -p 0")
	acc, err := m.Acceptor(ep)
	if err != nil {
		t.Fatalf("acceptor: %v", err)
	}
	defer acc.Close()
	echoOnce(t, acc)
	exchange(t, m, acc.Endpoint())

	mu.Lock()
	out := logs.String()
	mu.Unlock()
	if !strings.Contains(out, "trying to establish tcp connection to 127.0.0.1") {
		t.Fatalf("missing attempt trace in %s", out)
	}
	if !strings.Contains(out, "tcp connection established") {
		t.Fatalf("missing success trace in %s", out)
	}
}

type syncWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (s syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
