// Package pool supplies problem instances to the coordinator and absorbs
// their results.
package pool

import (
	"context"
	"errors"
)

// ErrExhausted is returned by Pop once no further problems will be produced.
// It is terminal for the pool.
var ErrExhausted = errors.New("pool: exhausted")

// Problem is an opaque solver script with its identifier.
type Problem struct {
	ID       string
	Instance []byte
}

// Result is the outcome of one problem. OK is false when computing it
// failed; Output is meaningless then.
type Result struct {
	Output []byte
	OK     bool
}

func Solved(out []byte) Result { return Result{Output: out, OK: true} }

// Failed marks a problem whose computation did not succeed.
var Failed = Result{}

// Pool is shared by every connected worker; implementations serialize their
// own state.
type Pool interface {
	// Pop returns a problem not currently handed out, or ErrExhausted. It may
	// block until a problem becomes available or ctx ends.
	Pop(ctx context.Context) (Problem, error)

	// Push records the result for id. It must not block and must accept ids
	// the pool did not hand out itself.
	Push(id string, res Result)

	// WaitEmpty blocks until the pool is exhausted and every problem it
	// produced has been pushed.
	WaitEmpty(ctx context.Context) error
}
