package smtlib

import (
	"context"
	"errors"
	"fmt"

	"github.com/NeelM47/smlp/internal/conn"
	"github.com/NeelM47/smlp/internal/wire"
)

// SanityProbe is a two-command script every SMT-LIB2 solver answers.
var SanityProbe = []byte("(get-info :name)(get-info :version)")

// ErrBusy matches a RemoteError whose worker was already running a script.
var ErrBusy = errors.New("smtlib: worker busy")

// ExitError reports a solver that exited with a non-zero status.
type ExitError struct {
	Status int32
	Stdout []byte
	Stderr []byte
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("smtlib: solver exited with status %d: %q", e.Status, e.Stderr)
}

// RemoteError is an ERROR reply from the worker.
type RemoteError struct {
	Code    wire.Code
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("smtlib: worker error %s: %s", e.Code, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrBusy && e.Code == wire.CodeBusy
}

// Run submits script to the worker behind c and returns the solver's
// standard output. Any outcome other than a zero exit status is an error.
func Run(ctx context.Context, c *conn.Conn, script []byte) ([]byte, error) {
	rep, err := c.Request(ctx, wire.Script(script))
	if err != nil {
		return nil, err
	}
	switch rep.Type {
	case wire.ReplyScript:
		if rep.Cmd == nil {
			return nil, fmt.Errorf("%w: script reply without command", wire.ErrMalformed)
		}
		if rep.Cmd.Status != 0 {
			return nil, &ExitError{Status: rep.Cmd.Status, Stdout: rep.Cmd.Stdout, Stderr: rep.Cmd.Stderr}
		}
		return rep.Cmd.Stdout, nil
	case wire.ReplyError:
		return nil, &RemoteError{Code: rep.Code, Message: rep.Message}
	}
	return nil, fmt.Errorf("%w: unexpected %s reply to script", wire.ErrMalformed, rep.Type)
}
