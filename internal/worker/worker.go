// Package worker runs solver scripts on behalf of a coordinator.
//
// A worker holds one connection to the coordinator and executes at most one
// script at a time; a script arriving while another runs is rejected with
// ERROR/BUSY, never queued.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/NeelM47/smlp/internal/conn"
	"github.com/NeelM47/smlp/internal/wire"
)

type Option func(*Worker)

func WithLogger(l *log.Logger) Option {
	return func(w *Worker) { w.log = l }
}

// WithConnOptions configures the connection to the coordinator.
func WithConnOptions(opts ...conn.Option) Option {
	return func(w *Worker) { w.connOpts = append(w.connOpts, opts...) }
}

type Worker struct {
	argv     []string
	busy     atomic.Bool
	log      *log.Logger
	connOpts []conn.Option
}

// New returns a worker that runs argv once per script, feeding the script on
// standard input.
func New(argv []string, opts ...Option) (*Worker, error) {
	if len(argv) == 0 {
		return nil, errors.New("worker: empty solver command")
	}
	w := &Worker{argv: argv}
	for _, o := range opts {
		o(w)
	}
	if w.log == nil {
		w.log = log.Default()
	}
	w.connOpts = append([]conn.Option{conn.WithLogger(w.log)}, w.connOpts...)
	return w, nil
}

// Busy reports whether a script is executing.
func (w *Worker) Busy() bool { return w.busy.Load() }

// Run serves the coordinator on nc until either side closes it or ctx ends.
func (w *Worker) Run(ctx context.Context, nc net.Conn) error {
	w.log.Printf("worker %s connected to %s", nc.LocalAddr(), conn.PeerAddr(nc))
	c := conn.New(ctx, nc, w, w.connOpts...)
	<-c.Done()
	w.log.Printf("connection to %s finished", conn.PeerAddr(nc))
	return c.Err()
}

// DialAndRun connects to the coordinator at addr and serves it.
func (w *Worker) DialAndRun(ctx context.Context, addr string) error {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	return w.Run(ctx, nc)
}

func (w *Worker) ServeRequest(ctx context.Context, c *conn.Conn, id uint64, req *wire.Request) {
	start := time.Now()
	var rep *wire.Reply
	switch req.Type {
	case wire.RequestPing:
		rep = wire.Pong(w.busy.Load())
	case wire.RequestClientQuit:
		c.Logger().Printf("coordinator asked to quit")
		_ = c.Close()
		return
	case wire.RequestScript:
		if !w.busy.CompareAndSwap(false, true) {
			rep = wire.Error(wire.CodeBusy, "busy")
			break
		}
		rep = w.execute(ctx, req.Stdin)
		w.busy.Store(false)
	default:
		rep = wire.Error(wire.CodeUnknownRequest, "request not understood")
	}
	c.Logger().Printf("handling %s took %s", req, time.Since(start))
	_ = c.Reply(id, rep)
}

// execute runs the solver once. A command that cannot be started is
// reported with status -1 and the error text on stderr.
func (w *Worker) execute(ctx context.Context, stdin []byte) *wire.Reply {
	cmd := exec.CommandContext(ctx, w.argv[0], w.argv[1:]...)
	cmd.Stdin = bytes.NewReader(stdin)
	// Children of a killed solver may hold its output pipes open.
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	status := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return wire.ScriptReply(nil, []byte(err.Error()), -1)
		}
		status = exitErr.ExitCode()
	}
	return wire.ScriptReply(stdout.Bytes(), stderr.Bytes(), int32(status))
}
