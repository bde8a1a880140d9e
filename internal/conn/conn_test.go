package conn

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/objrpc/internal/dispatch"
	"github.com/danmuck/objrpc/internal/fault"
	"github.com/danmuck/objrpc/internal/identity"
	"github.com/danmuck/objrpc/internal/protocol"
	"github.com/danmuck/objrpc/internal/protocol/frame"
	"github.com/danmuck/objrpc/internal/testutil/testlog"
)

type pipeTransceiver struct {
	net.Conn
	name    string
	written atomic.Int64
}

func (p *pipeTransceiver) String() string { return p.name }

func (p *pipeTransceiver) Write(b []byte) (int, error) {
	p.written.Add(int64(len(b)))
	return p.Conn.Write(b)
}

func pipe() (*pipeTransceiver, *pipeTransceiver) {
	a, b := net.Pipe()
	return &pipeTransceiver{Conn: a, name: "client"}, &pipeTransceiver{Conn: b, name: "server"}
}

func connect(t *testing.T, clientOpts, serverOpts Options) (*Conn, *Conn, *pipeTransceiver) {
	t.Helper()
	ct, st := pipe()
	accepted := make(chan *Conn, 1)
	go func() {
		srv, err := Accept(st, serverOpts)
		if err != nil {
			t.Errorf("accept: %v", err)
			accepted <- nil
			return
		}
		accepted <- srv
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cli, err := Dial(ctx, ct, clientOpts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	srv := <-accepted
	if srv == nil {
		t.FailNow()
	}
	t.Cleanup(func() {
		cli.Abort()
		srv.Abort()
	})
	return cli, srv, ct
}

func echoHandler() Handler {
	return HandlerFunc(func(_ context.Context, _ uint32, req *dispatch.Request) *dispatch.Reply {
		in := protocol.NewInputStream(req.Params, nil)
		if _, _, err := in.StartEncaps(); err != nil {
			return &dispatch.Reply{Status: dispatch.StatusUnknownLocalException, Unknown: err.Error()}
		}
		s, err := in.ReadString()
		if err != nil {
			return &dispatch.Reply{Status: dispatch.StatusUnknownLocalException, Unknown: err.Error()}
		}
		body, _ := dispatch.EncodeParams(func(out *protocol.OutputStream) error {
			out.WriteString(req.Operation + ":" + s)
			return nil
		})
		return &dispatch.Reply{Status: dispatch.StatusOK, Body: body}
	})
}

func echoRequest(t *testing.T, op, arg string) *dispatch.Request {
	t.Helper()
	params, err := dispatch.EncodeParams(func(out *protocol.OutputStream) error {
		out.WriteString(arg)
		return nil
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return &dispatch.Request{Identity: identity.New("echo", ""), Operation: op, Params: params}
}

func replyString(t *testing.T, reply *dispatch.Reply) string {
	t.Helper()
	if reply.Status != dispatch.StatusOK {
		t.Fatalf("expected ok reply, got %s %q", reply.Status, reply.Unknown)
	}
	got, err := dispatch.DecodeResults(reply.Body, nil, func(in *protocol.InputStream) (any, error) { return in.ReadString() })
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return got.(string)
}

func TestTwowayRequestsAreCorrelated(t *testing.T) {
	testlog.Start(t)

	cli, _, _ := connect(t, Options{}, Options{Handler: echoHandler()})

	replies := make([]*dispatch.Reply, 16)
	var wg sync.WaitGroup
	for i := range replies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := cli.Invoke(context.Background(), echoRequest(t, "echo", strings.Repeat("x", i)))
			if err != nil {
				t.Errorf("invoke %d: %v", i, err)
				return
			}
			replies[i] = reply
		}()
	}
	wg.Wait()
	for i, reply := range replies {
		if reply == nil {
			t.Fatalf("missing reply %d", i)
		}
		if got, want := replyString(t, reply), "echo:"+strings.Repeat("x", i); got != want {
			t.Fatalf("reply %d: expected %q, got %q", i, want, got)
		}
	}
}

func TestOnewayAndBatchRequests(t *testing.T) {
	testlog.Start(t)

	var mu sync.Mutex
	var seen []string
	got := make(chan struct{}, 8)
	handler := HandlerFunc(func(_ context.Context, requestID uint32, req *dispatch.Request) *dispatch.Reply {
		if requestID != 0 {
			t.Errorf("oneway request carried id %d", requestID)
		}
		mu.Lock()
		seen = append(seen, req.Operation)
		mu.Unlock()
		got <- struct{}{}
		return &dispatch.Reply{Status: dispatch.StatusOK}
	})
	cli, _, _ := connect(t, Options{}, Options{Handler: handler})

	if err := cli.SendOneway(echoRequest(t, "single", "")); err != nil {
		t.Fatalf("oneway: %v", err)
	}
	<-got

	for _, op := range []string{"b1", "b2", "b3"} {
		if err := cli.QueueBatch(echoRequest(t, op, "")); err != nil {
			t.Fatalf("queue: %v", err)
		}
	}
	if cli.BatchLen() != 3 {
		t.Fatalf("expected 3 queued requests, got %d", cli.BatchLen())
	}
	if err := cli.FlushBatch(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if cli.BatchLen() != 0 {
		t.Fatalf("flush did not drain the batch")
	}
	for range 3 {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatalf("batch requests not dispatched")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"single", "b1", "b2", "b3"}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v in order, got %v", want, seen)
	}
	if err := cli.FlushBatch(); err != nil {
		t.Fatalf("empty flush: %v", err)
	}
}

func TestCompressedRequestsShrinkOnTheWire(t *testing.T) {
	testlog.Start(t)

	for _, codec := range []frame.Compression{frame.CompressionZstd, frame.CompressionLZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			opts := Options{Compress: true, Compression: codec}
			cli, _, ct := connect(t, opts, Options{Handler: echoHandler(), Compression: codec})
			arg := strings.Repeat("compressible ", 512)
			before := ct.written.Load()
			reply, err := cli.Invoke(context.Background(), echoRequest(t, "echo", arg))
			if err != nil {
				t.Fatalf("invoke: %v", err)
			}
			if got := replyString(t, reply); got != "echo:"+arg {
				t.Fatalf("reply corrupted by compression")
			}
			if sent := ct.written.Load() - before; sent >= int64(len(arg)) {
				t.Fatalf("expected compressed request smaller than %d bytes, wrote %d", len(arg), sent)
			}
		})
	}
}

func TestConnectionWithoutHandlerRepliesObjectNotExist(t *testing.T) {
	testlog.Start(t)

	cli, _, _ := connect(t, Options{}, Options{})
	reply, err := cli.Invoke(context.Background(), echoRequest(t, "echo", "x"))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if reply.Status != dispatch.StatusObjectNotExist || reply.Operation != "echo" {
		t.Fatalf("expected object not exist for echo, got %+v", reply)
	}
}

func TestAbortFailsOutstandingCalls(t *testing.T) {
	testlog.Start(t)

	release := make(chan struct{})
	entered := make(chan struct{})
	handler := HandlerFunc(func(context.Context, uint32, *dispatch.Request) *dispatch.Reply {
		close(entered)
		<-release
		return &dispatch.Reply{Status: dispatch.StatusOK}
	})
	cli, srv, _ := connect(t, Options{}, Options{Handler: handler})
	defer close(release)

	errc := make(chan error, 1)
	go func() {
		_, err := cli.Invoke(context.Background(), echoRequest(t, "slow", ""))
		errc <- err
	}()
	<-entered
	srv.Abort()

	select {
	case err := <-errc:
		var lost *fault.ConnectionLostError
		if !errors.As(err, &lost) {
			t.Fatalf("expected connection lost, got %T %v", err, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("outstanding call not failed")
	}
	<-cli.Done()
	if _, err := cli.Invoke(context.Background(), echoRequest(t, "after", "")); err == nil {
		t.Fatalf("expected invoke on a dead connection to fail")
	}
}

func TestGracefulCloseDrainsDispatch(t *testing.T) {
	testlog.Start(t)

	release := make(chan struct{})
	entered := make(chan struct{})
	handler := HandlerFunc(func(context.Context, uint32, *dispatch.Request) *dispatch.Reply {
		close(entered)
		<-release
		body, _ := dispatch.EncodeParams(func(out *protocol.OutputStream) error {
			out.WriteString("done")
			return nil
		})
		return &dispatch.Reply{Status: dispatch.StatusOK, Body: body}
	})
	cli, srv, _ := connect(t, Options{}, Options{Handler: handler})

	replies := make(chan *dispatch.Reply, 1)
	go func() {
		reply, err := cli.Invoke(context.Background(), echoRequest(t, "slow", ""))
		if err != nil {
			t.Errorf("invoke: %v", err)
		}
		replies <- reply
	}()
	<-entered

	closed := make(chan error, 1)
	go func() { closed <- srv.Close(context.Background()) }()
	select {
	case <-closed:
		t.Fatalf("close returned while a dispatch was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	if err := <-closed; err != nil {
		t.Fatalf("close: %v", err)
	}
	if reply := <-replies; reply == nil || replyString(t, reply) != "done" {
		t.Fatalf("in-flight reply lost")
	}
	<-cli.Done()
	if !errors.Is(cli.Err(), ErrClosedByPeer) {
		t.Fatalf("expected client to observe peer close, got %v", cli.Err())
	}
}

func TestDialRequiresValidation(t *testing.T) {
	testlog.Start(t)

	ct, st := pipe()
	go func() {
		_ = frame.WriteFrame(st, frame.New(frame.MessageReply, 1, []byte{0}), frame.DefaultLimits())
	}()
	_, err := Dial(context.Background(), ct, Options{})
	if !errors.Is(err, ErrNotValidated) {
		t.Fatalf("expected ErrNotValidated, got %v", err)
	}

	ct, _ = pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := Dial(ctx, ct, Options{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
