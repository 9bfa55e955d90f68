// Package conn multiplexes concurrent request/reply exchanges over a single
// framed stream.
//
// Every request carries a message id assigned by its sender; replies are
// matched to requests by that id only, so replies may arrive in any order.
// Incoming requests are handed to a Handler on their own goroutine and never
// stall the read loop.
package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/NeelM47/smlp/internal/wire"
)

// DefaultMaxInFlight bounds the requests a Conn keeps outstanding at once.
const DefaultMaxInFlight = 64

var (
	ErrClosed       = errors.New("conn: connection closed")
	ErrCanceled     = errors.New("conn: call canceled")
	ErrUnknownReply = errors.New("conn: reply to unknown message id")
)

// Handler serves requests received from the peer. ServeRequest runs on its
// own goroutine; ctx is canceled when the connection shuts down.
type Handler interface {
	ServeRequest(ctx context.Context, c *Conn, id uint64, req *wire.Request)
}

type HandlerFunc func(ctx context.Context, c *Conn, id uint64, req *wire.Request)

func (f HandlerFunc) ServeRequest(ctx context.Context, c *Conn, id uint64, req *wire.Request) {
	f(ctx, c, id, req)
}

// Unhandled rejects every request with ERROR/UNKNOWN_REQUEST.
var Unhandled = HandlerFunc(func(ctx context.Context, c *Conn, id uint64, req *wire.Request) {
	c.Logger().Printf("unhandled request %d: %s", id, req)
	_ = c.Reply(id, wire.Error(wire.CodeUnknownRequest, "request not understood"))
})

type Option func(*Conn)

// WithLogger sets the logger whose output and flags the connection logger
// inherits.
func WithLogger(l *log.Logger) Option {
	return func(c *Conn) { c.base = l }
}

func WithMaxInFlight(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.maxInFlight = n
		}
	}
}

// WithVerbose logs every message sent and received.
func WithVerbose(v bool) Option {
	return func(c *Conn) { c.verbose = v }
}

// Conn owns one network connection.
type Conn struct {
	ID string

	nc          net.Conn
	br          *bufio.Reader
	handler     Handler
	base        *log.Logger
	log         *log.Logger
	verbose     bool
	maxInFlight int

	wmu sync.Mutex
	bw  *bufio.Writer

	mu       sync.Mutex
	next     uint64
	pending  map[uint64]*Call
	canceled map[uint64]struct{}
	closed   bool
	err      error

	slots  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New takes ownership of nc and starts the read loop. Canceling ctx closes
// the connection.
func New(ctx context.Context, nc net.Conn, h Handler, opts ...Option) *Conn {
	if h == nil {
		h = Unhandled
	}
	c := &Conn{
		ID:          uuid.NewString(),
		nc:          nc,
		br:          bufio.NewReader(nc),
		bw:          bufio.NewWriter(nc),
		handler:     h,
		maxInFlight: DefaultMaxInFlight,
		pending:     make(map[uint64]*Call),
		canceled:    make(map[uint64]struct{}),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.base == nil {
		c.base = log.New(os.Stderr, "", log.LstdFlags)
	}
	c.log = log.New(c.base.Writer(), fmt.Sprintf("%s[%s] ", PeerAddr(nc), c.ID[:8]), c.base.Flags()|log.Lmsgprefix)
	c.slots = make(chan struct{}, c.maxInFlight)
	c.ctx, c.cancel = context.WithCancel(ctx)
	context.AfterFunc(c.ctx, func() { c.shutdown(nil) })
	go c.readLoop()
	return c
}

// PeerAddr formats the remote address of nc for log prefixes.
func PeerAddr(nc net.Conn) string {
	if a := nc.RemoteAddr(); a != nil {
		return a.String()
	}
	return "unknown"
}

func (c *Conn) Logger() *log.Logger { return c.log }

// Done is closed once the read loop has exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection shut down: nil for a clean end of stream or
// a local Close, otherwise the fatal transport or protocol error.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close stops the read loop, closes the transport and fails every pending
// call with ErrClosed.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	pending := c.pending
	c.pending = make(map[uint64]*Call)
	c.mu.Unlock()

	c.cancel()
	_ = c.nc.Close()
	for _, call := range pending {
		call.resolve(nil, ErrClosed)
		<-c.slots
	}
	if err != nil {
		c.log.Printf("connection aborted: %v", err)
	}
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		m, err := wire.ReadMessage(c.br)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				c.shutdown(nil)
			default:
				c.shutdown(err)
			}
			return
		}
		if m.Reply != nil {
			if c.verbose {
				c.log.Printf("recv reply %d: %s", m.ID, m.Reply)
			}
			if !c.finish(m.ID, m.Reply, nil) && !c.forget(m.ID) {
				c.shutdown(fmt.Errorf("%w: %d", ErrUnknownReply, m.ID))
				return
			}
			continue
		}
		if c.verbose {
			c.log.Printf("recv request %d: %s", m.ID, m.Request)
		}
		go c.handler.ServeRequest(c.ctx, c, m.ID, m.Request)
	}
}

// finish resolves and forgets the pending call id. It reports whether the id
// was pending.
func (c *Conn) finish(id uint64, rep *wire.Reply, err error) bool {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	call.resolve(rep, err)
	<-c.slots
	return true
}

// forget drops the tombstone of a canceled call whose reply has arrived.
func (c *Conn) forget(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.canceled[id]
	delete(c.canceled, id)
	return ok
}

func (c *Conn) write(m *wire.Message) error {
	body, err := wire.Marshal(m)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := wire.WriteFrame(c.bw, body); err != nil {
		return err
	}
	return c.bw.Flush()
}

// SendRequest registers a pending call for req and transmits it. It blocks
// while the connection already has its maximum of requests outstanding.
func (c *Conn) SendRequest(ctx context.Context, req *wire.Request) (*Call, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", wire.ErrMalformed)
	}
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrClosed
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.slots
		return nil, ErrClosed
	}
	call := &Call{ID: c.next, Request: req, done: make(chan struct{})}
	c.next++
	c.pending[call.ID] = call
	c.mu.Unlock()

	if c.verbose {
		c.log.Printf("send request %d: %s", call.ID, req)
	}
	if err := c.write(&wire.Message{Version: wire.Version, ID: call.ID, Request: req}); err != nil {
		c.shutdown(fmt.Errorf("send request %d: %w", call.ID, err))
		return nil, err
	}
	return call, nil
}

// Request sends req and waits for its reply. If ctx ends first the call is
// released.
func (c *Conn) Request(ctx context.Context, req *wire.Request) (*wire.Reply, error) {
	call, err := c.SendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	rep, err := call.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		c.Cancel(call)
	}
	return rep, err
}

// Cancel releases a pending call; it resolves with ErrCanceled and frees its
// in-flight slot. A reply arriving for it later is discarded.
func (c *Conn) Cancel(call *Call) {
	c.mu.Lock()
	_, ok := c.pending[call.ID]
	if ok {
		// A tombstone only exists for an id whose reply is still owed.
		delete(c.pending, call.ID)
		c.canceled[call.ID] = struct{}{}
	}
	c.mu.Unlock()
	if ok {
		call.resolve(nil, ErrCanceled)
		<-c.slots
	}
}

// Reply answers the request with message id id.
func (c *Conn) Reply(id uint64, rep *wire.Reply) error {
	if c.verbose {
		c.log.Printf("send reply %d: %s", id, rep)
	}
	if err := c.write(&wire.Message{Version: wire.Version, ID: id, Reply: rep}); err != nil {
		c.shutdown(fmt.Errorf("send reply %d: %w", id, err))
		return err
	}
	return nil
}

// Pending returns the number of unresolved calls.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// WaitPending blocks until every call pending at the time of the call has
// resolved.
func (c *Conn) WaitPending(ctx context.Context) error {
	c.mu.Lock()
	calls := make([]*Call, 0, len(c.pending))
	for _, call := range c.pending {
		calls = append(calls, call)
	}
	c.mu.Unlock()
	for _, call := range calls {
		select {
		case <-call.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
