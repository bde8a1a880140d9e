// Package conn runs the message protocol over one Transceiver: the
// validation handshake, request/reply correlation, oneway and batched
// requests, the incoming dispatch loop and graceful close.
package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/objrpc/internal/dispatch"
	"github.com/danmuck/objrpc/internal/endpoint"
	"github.com/danmuck/objrpc/internal/fault"
	"github.com/danmuck/objrpc/internal/logging"
	"github.com/danmuck/objrpc/internal/protocol"
	"github.com/danmuck/objrpc/internal/protocol/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrClosed       = errors.New("conn: connection closed")
	ErrClosedByPeer = errors.New("conn: connection closed by peer")
	ErrNotValidated = errors.New("conn: peer did not validate the connection")
)

// Handler dispatches incoming requests, normally an object adapter.
type Handler interface {
	Dispatch(ctx context.Context, requestID uint32, req *dispatch.Request) *dispatch.Reply
}

type HandlerFunc func(ctx context.Context, requestID uint32, req *dispatch.Request) *dispatch.Reply

func (f HandlerFunc) Dispatch(ctx context.Context, requestID uint32, req *dispatch.Request) *dispatch.Reply {
	return f(ctx, requestID, req)
}

// MessageObserver sees every frame after decompression on receive and
// before compression on send. direction is "sent" or "received".
type MessageObserver func(direction string, t frame.MessageType, size int)

type Options struct {
	Logger zerolog.Logger
	Traces logging.TraceLevels
	Limits frame.Limits
	// Compression is the codec used when Compress is set.
	Compression          frame.Compression
	CompressionThreshold int
	// Compress compresses outgoing requests. Replies are compressed when
	// the request they answer was.
	Compress bool
	Handler  Handler
	Observer MessageObserver
}

type result struct {
	reply *dispatch.Reply
	err   error
}

// Conn is one established connection. Requests may be sent from any
// goroutine; writes are serialized and replies are matched by request id.
type Conn struct {
	id       string
	t        endpoint.Transceiver
	reader   *bufio.Reader
	opts     Options
	incoming bool

	writeMu sync.Mutex

	mu         sync.Mutex
	handler    Handler
	nextID     uint32
	pending    map[uint32]chan result
	batch      *protocol.OutputStream
	batchCount int
	closing    bool
	err        error

	dispatches sync.WaitGroup
	calls      sync.WaitGroup
	done       chan struct{}
}

func newConn(t endpoint.Transceiver, opts Options, incoming bool) *Conn {
	if opts.Limits.MaxPayloadBytes == 0 {
		opts.Limits = frame.DefaultLimits()
	}
	id := uuid.NewString()
	opts.Logger = opts.Logger.With().Str("conn", id).Logger()
	return &Conn{
		id:       id,
		t:        t,
		reader:   bufio.NewReader(t),
		opts:     opts,
		incoming: incoming,
		handler:  opts.Handler,
		pending:  make(map[uint32]chan result),
		done:     make(chan struct{}),
	}
}

// Accept validates an incoming transceiver and starts serving it.
func Accept(t endpoint.Transceiver, opts Options) (*Conn, error) {
	c := newConn(t, opts, true)
	if err := c.send(frame.MessageValidateConnection, 0, nil, false); err != nil {
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

// Dial waits for the server's validation message on an outgoing
// transceiver, then starts serving it. The transceiver is closed when
// validation fails or ctx ends first.
func Dial(ctx context.Context, t endpoint.Transceiver, opts Options) (*Conn, error) {
	c := newConn(t, opts, false)
	validated := make(chan error, 1)
	go func() {
		f, err := frame.ReadFrame(c.reader, c.opts.Limits)
		if err == nil {
			c.observe("received", f)
			if f.Header.Type != frame.MessageValidateConnection {
				err = fmt.Errorf("%w: got %s", ErrNotValidated, f.Header.Type)
			}
		}
		validated <- err
	}()
	select {
	case err := <-validated:
		if err != nil {
			_ = t.Close()
			return nil, err
		}
	case <-ctx.Done():
		_ = t.Close()
		return nil, ctx.Err()
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) ID() string            { return c.id }
func (c *Conn) String() string        { return c.t.String() }
func (c *Conn) Incoming() bool        { return c.incoming }
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection ended, nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SetHandler installs the dispatcher for requests arriving on this
// connection. Outgoing connections use it for callbacks.
func (c *Conn) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *Conn) closedErr() error {
	if c.err != nil {
		return c.err
	}
	return &fault.ConnectionLostError{Err: ErrClosed}
}

// Invoke sends a twoway request and waits for its reply. A non-OK reply is
// returned as is; err is reserved for local and connection failures.
func (c *Conn) Invoke(ctx context.Context, req *dispatch.Request) (*dispatch.Reply, error) {
	out := protocol.NewOutputStream()
	req.Marshal(out)

	c.mu.Lock()
	if c.closing || c.err != nil {
		err := c.closedErr()
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1
	}
	id := c.nextID
	ch := make(chan result, 1)
	c.pending[id] = ch
	c.calls.Add(1)
	c.mu.Unlock()
	defer c.calls.Done()

	if err := c.send(frame.MessageRequest, id, out.Bytes(), c.opts.Compress); err != nil {
		c.forget(id)
		return nil, err
	}
	select {
	case res := <-ch:
		return res.reply, res.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Conn) forget(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// SendOneway sends a request that expects no reply.
func (c *Conn) SendOneway(req *dispatch.Request) error {
	c.mu.Lock()
	if c.closing || c.err != nil {
		err := c.closedErr()
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()
	out := protocol.NewOutputStream()
	req.Marshal(out)
	return c.send(frame.MessageRequest, 0, out.Bytes(), c.opts.Compress)
}

// QueueBatch appends a oneway request to the batch sent by FlushBatch.
func (c *Conn) QueueBatch(req *dispatch.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || c.err != nil {
		return c.closedErr()
	}
	if c.batch == nil {
		c.batch = protocol.NewOutputStream()
	}
	req.Marshal(c.batch)
	c.batchCount++
	return nil
}

// BatchLen reports the number of queued batch requests.
func (c *Conn) BatchLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batchCount
}

// FlushBatch sends all queued batch requests as one message.
func (c *Conn) FlushBatch() error {
	c.mu.Lock()
	if c.batchCount == 0 {
		c.mu.Unlock()
		return nil
	}
	batch, count := c.batch, c.batchCount
	c.batch, c.batchCount = nil, 0
	c.mu.Unlock()

	out := protocol.NewOutputStream()
	out.WriteInt32(int32(count))
	out.WriteBlob(batch.Bytes())
	return c.send(frame.MessageBatchRequest, 0, out.Bytes(), c.opts.Compress)
}

func (c *Conn) send(t frame.MessageType, requestID uint32, payload []byte, compress bool) error {
	f := frame.New(t, requestID, payload)
	c.observe("sent", f)
	if compress && c.opts.Compression != frame.CompressionNone {
		var err error
		if f, err = frame.Compress(f, c.opts.Compression, c.opts.CompressionThreshold); err != nil {
			return err
		}
	}
	c.writeMu.Lock()
	err := frame.WriteFrame(c.t, f, c.opts.Limits)
	c.writeMu.Unlock()
	if err != nil {
		if errors.Is(err, frame.ErrPayloadTooLarge) {
			return &protocol.MarshalError{Reason: err.Error()}
		}
		lost := &fault.ConnectionLostError{Err: err}
		c.fail(lost)
		return lost
	}
	return nil
}

func (c *Conn) observe(direction string, f frame.Frame) {
	c.opts.Traces.Tracef(c.opts.Logger, logging.CategoryProtocol, 1,
		"%s %s\nrequest id = %d\nsize = %d\ncompression = %s\n%s",
		direction, f.Header.Type, f.Header.RequestID, len(f.Payload), f.Header.Compression, c.t)
	if c.opts.Observer != nil {
		c.opts.Observer(direction, f.Header.Type, len(f.Payload))
	}
}

func (c *Conn) readLoop() {
	for {
		f, err := frame.ReadFrame(c.reader, c.opts.Limits)
		if err != nil {
			c.fail(&fault.ConnectionLostError{Err: err})
			return
		}
		compressed := f.Header.Compression != frame.CompressionNone
		if f, err = frame.Decompress(f, c.opts.Limits); err != nil {
			c.fail(&fault.ProtocolError{Reason: err.Error()})
			return
		}
		c.observe("received", f)
		switch f.Header.Type {
		case frame.MessageRequest:
			err = c.handleRequest(f, compressed)
		case frame.MessageBatchRequest:
			err = c.handleBatch(f)
		case frame.MessageReply:
			err = c.handleReply(f)
		case frame.MessageCloseConnection:
			c.fail(&fault.ConnectionLostError{Err: ErrClosedByPeer})
			return
		case frame.MessageValidateConnection:
		}
		if err != nil {
			c.fail(&fault.ProtocolError{Reason: err.Error()})
			return
		}
	}
}

// beginDispatch registers one incoming dispatch unless the connection is
// closing. Requests that arrive while closing are dropped unanswered.
func (c *Conn) beginDispatch() (Handler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || c.err != nil {
		return nil, false
	}
	c.dispatches.Add(1)
	return c.handler, true
}

func (c *Conn) handleRequest(f frame.Frame, compressed bool) error {
	req, err := dispatch.ReadRequest(protocol.NewInputStream(f.Payload, nil))
	if err != nil {
		return err
	}
	h, ok := c.beginDispatch()
	if !ok {
		c.opts.Logger.Debug().Msgf("conn.Conn.handleRequest dropped request_id=%d: closing", f.Header.RequestID)
		return nil
	}
	go func() {
		defer c.dispatches.Done()
		reply := c.dispatch(h, f.Header.RequestID, req)
		if f.Header.RequestID == 0 {
			return
		}
		out := protocol.NewOutputStream()
		reply.Marshal(out)
		if err := c.send(frame.MessageReply, f.Header.RequestID, out.Bytes(), compressed); err != nil {
			c.opts.Logger.Debug().Err(err).Msgf("conn.Conn.handleRequest reply request_id=%d", f.Header.RequestID)
		}
	}()
	return nil
}

func (c *Conn) handleBatch(f frame.Frame) error {
	in := protocol.NewInputStream(f.Payload, nil)
	count, err := in.ReadInt32()
	if err != nil {
		return err
	}
	if count < 0 {
		return fmt.Errorf("negative batch request count %d", count)
	}
	reqs := make([]*dispatch.Request, 0, min(int(count), in.Remaining()))
	for range count {
		req, err := dispatch.ReadRequest(in)
		if err != nil {
			return err
		}
		reqs = append(reqs, req)
	}
	h, ok := c.beginDispatch()
	if !ok {
		return nil
	}
	go func() {
		defer c.dispatches.Done()
		for _, req := range reqs {
			c.dispatch(h, 0, req)
		}
	}()
	return nil
}

func (c *Conn) dispatch(h Handler, requestID uint32, req *dispatch.Request) *dispatch.Reply {
	if h == nil {
		return &dispatch.Reply{
			Status:    dispatch.StatusObjectNotExist,
			Identity:  req.Identity,
			Facet:     req.Facet,
			Operation: req.Operation,
		}
	}
	return h.Dispatch(context.Background(), requestID, req)
}

func (c *Conn) handleReply(f frame.Frame) error {
	reply, err := dispatch.ReadReply(protocol.NewInputStream(f.Payload, nil))
	if err != nil {
		return err
	}
	c.mu.Lock()
	ch, ok := c.pending[f.Header.RequestID]
	delete(c.pending, f.Header.RequestID)
	c.mu.Unlock()
	if !ok {
		c.opts.Logger.Debug().Msgf("conn.Conn.handleReply unmatched request_id=%d", f.Header.RequestID)
		return nil
	}
	ch <- result{reply: reply}
	return nil
}

// fail ends the connection with err and fails every outstanding request.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	pending := c.pending
	c.pending = make(map[uint32]chan result)
	c.mu.Unlock()

	_ = c.t.Close()
	for _, ch := range pending {
		ch <- result{err: err}
	}
	c.opts.Traces.Tracef(c.opts.Logger, logging.CategoryNetwork, 1, "closing connection\n%s\nreason = %v", c.t, err)
	close(c.done)
}

// Close shuts the connection down gracefully: new requests are refused,
// in-flight dispatches and outstanding twoway calls are awaited, then the
// peer is told the connection is closing. When ctx ends first the
// connection is aborted.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		c.dispatches.Wait()
		c.calls.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		c.Abort()
		return ctx.Err()
	case <-c.done:
		return nil
	}
	if err := c.send(frame.MessageCloseConnection, 0, nil, false); err != nil {
		return nil
	}
	c.fail(&fault.ConnectionLostError{Err: ErrClosed})
	return nil
}

// Abort closes the transceiver immediately.
func (c *Conn) Abort() {
	c.fail(&fault.ConnectionLostError{Err: ErrClosed})
}
