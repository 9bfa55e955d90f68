package conn

import (
	"context"

	"github.com/NeelM47/smlp/internal/wire"
)

// Call is an outstanding request. It resolves exactly once, with the
// matching reply or with an error.
type Call struct {
	ID      uint64
	Request *wire.Request

	done  chan struct{}
	reply *wire.Reply
	err   error
}

func (c *Call) resolve(rep *wire.Reply, err error) {
	c.reply, c.err = rep, err
	close(c.done)
}

// Done is closed when the call has resolved.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call resolves or ctx ends.
func (c *Call) Wait(ctx context.Context) (*wire.Reply, error) {
	select {
	case <-c.done:
		return c.reply, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
