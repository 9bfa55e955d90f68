// Package coordinator distributes problems from a pool across connected
// workers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/NeelM47/smlp/internal/conn"
	"github.com/NeelM47/smlp/internal/pool"
	"github.com/NeelM47/smlp/internal/smtlib"
	"github.com/NeelM47/smlp/internal/wire"
)

// DefaultPort is the coordinator's listening port unless configured.
const DefaultPort = 1337

// ErrScriptTimeout is returned for a script that outlived WithScriptTimeout.
var ErrScriptTimeout = errors.New("coordinator: script timed out")

type Option func(*Server)

func WithLogger(l *log.Logger) Option {
	return func(s *Server) { s.log = l }
}

func WithConnOptions(opts ...conn.Option) Option {
	return func(s *Server) { s.connOpts = append(s.connOpts, opts...) }
}

// WithScriptTimeout bounds each script exchange; a timed out script counts
// as failed.
func WithScriptTimeout(d time.Duration) Option {
	return func(s *Server) { s.scriptTimeout = d }
}

// WithHandshakeTimeout bounds the ping and sanity check of a new worker.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) { s.handshakeTimeout = d }
}

// WithKeepOrphans leaves a problem unresolved when its worker's connection
// dies mid-flight instead of pushing a failed result for it.
func WithKeepOrphans(keep bool) Option {
	return func(s *Server) { s.keepOrphans = keep }
}

type Server struct {
	pool             pool.Pool
	log              *log.Logger
	connOpts         []conn.Option
	scriptTimeout    time.Duration
	handshakeTimeout time.Duration
	keepOrphans      bool

	wg sync.WaitGroup
}

func New(p pool.Pool, opts ...Option) *Server {
	s := &Server{pool: p, handshakeTimeout: 30 * time.Second}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = log.Default()
	}
	s.connOpts = append([]conn.Option{conn.WithLogger(s.log)}, s.connOpts...)
	return s
}

// Feed drives one worker: handshake, sanity check, then problems from the
// pool until it is exhausted or the worker is lost. The pool is not touched
// unless the worker passes both checks.
func (s *Server) Feed(ctx context.Context, c *conn.Conn) error {
	l := c.Logger()
	if err := s.handshake(ctx, c); err != nil {
		l.Printf("worker unusable, disconnecting: %v", err)
		return nil
	}

	for {
		pr, err := s.pool.Pop(ctx)
		if errors.Is(err, pool.ErrExhausted) {
			l.Printf("pool empty, closing connection")
			return nil
		}
		if err != nil {
			return err
		}

		l.Printf("submitting instance %s", pr.ID)
		out, err := s.run(ctx, c, pr.Instance)
		switch {
		case err == nil:
			l.Printf("got result for instance %s", pr.ID)
			s.pool.Push(pr.ID, pool.Solved(out))
			continue
		case errors.Is(err, ErrScriptTimeout):
			// The worker is still busy with the script; closing the
			// connection kills its solver.
			l.Printf("instance %s: %v, disconnecting worker", pr.ID, err)
			s.pool.Push(pr.ID, pool.Failed)
			_ = c.Close()
			return fmt.Errorf("instance %s: %w", pr.ID, err)
		case ctx.Err() != nil || lost(c, err):
			s.orphan(c, pr.ID)
			return fmt.Errorf("instance %s: %w", pr.ID, err)
		default:
			l.Printf("error computing instance %s: %v", pr.ID, err)
			s.pool.Push(pr.ID, pool.Failed)
		}
	}
}

// orphan settles a problem whose worker went away mid-flight.
func (s *Server) orphan(c *conn.Conn, id string) {
	if s.keepOrphans {
		c.Logger().Printf("connection lost with instance %s in flight, leaving it unresolved", id)
		return
	}
	c.Logger().Printf("connection lost with instance %s in flight", id)
	s.pool.Push(id, pool.Failed)
}

// lost reports whether err means the connection can no longer carry
// requests.
func lost(c *conn.Conn, err error) bool {
	if errors.Is(err, conn.ErrClosed) {
		return true
	}
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

func (s *Server) run(ctx context.Context, c *conn.Conn, script []byte) ([]byte, error) {
	if s.scriptTimeout <= 0 {
		return smtlib.Run(ctx, c, script)
	}
	tctx, cancel := context.WithTimeout(ctx, s.scriptTimeout)
	defer cancel()
	out, err := smtlib.Run(tctx, c, script)
	if err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s", ErrScriptTimeout, s.scriptTimeout)
	}
	return out, err
}

func (s *Server) handshake(ctx context.Context, c *conn.Conn) error {
	hctx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()

	pong, err := c.Request(hctx, wire.Ping())
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if pong.Type != wire.ReplyPong {
		return fmt.Errorf("ping answered with %s", pong)
	}

	nv, err := smtlib.Run(hctx, c, smtlib.SanityProbe)
	if err != nil {
		c.Logger().Printf("worker's solver fails smtlib2 sanity check: %v", err)
		s.quit(ctx, c)
		return fmt.Errorf("sanity check: %w", err)
	}
	c.Logger().Printf("worker runs %q", nv)
	return nil
}

// quit asks the worker to hang up. hctx may already be spent, so the request
// gets its own short deadline.
func (s *Server) quit(ctx context.Context, c *conn.Conn) {
	qctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if call, err := c.SendRequest(qctx, wire.ClientQuit()); err == nil {
		// No reply is coming; the worker hangs up instead.
		c.Cancel(call)
	}
}

// Accepted serves one inbound worker connection to completion.
func (s *Server) Accepted(ctx context.Context, nc net.Conn) {
	s.log.Printf("worker %s accepted", conn.PeerAddr(nc))
	c := conn.New(ctx, nc, conn.Unhandled, s.connOpts...)
	defer c.Close()

	if err := s.Feed(ctx, c); err != nil && ctx.Err() == nil {
		c.Logger().Printf("feeding worker: %v", err)
	}
	if err := c.WaitPending(ctx); err != nil && ctx.Err() == nil {
		c.Logger().Printf("waiting for pending replies: %v", err)
	}
	if err := c.Err(); err != nil {
		c.Logger().Printf("connection lost: %v", err)
	}
}

// Serve accepts workers on ln until the pool is empty or ctx ends, then
// closes ln and waits for the connections it started. Connections keep
// running after the listener closes.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Printf("coordinator listening on %s", ln.Addr())

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopping := make(chan struct{})
	go func() {
		if err := s.pool.WaitEmpty(lctx); err == nil {
			s.log.Printf("pool empty, no longer accepting workers")
		}
		close(stopping)
		_ = ln.Close()
	}()

	var err error
	for {
		nc, aerr := ln.Accept()
		if aerr != nil {
			if !isClosed(stopping) {
				err = aerr
			}
			break
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Accepted(ctx, nc)
		}()
	}
	cancel()
	<-stopping
	s.wg.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return err
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}
