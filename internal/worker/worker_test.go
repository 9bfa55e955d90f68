package worker

import (
	"bytes"
	"context"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/NeelM47/smlp/internal/conn"
	"github.com/NeelM47/smlp/internal/wire"
)

var quiet = log.New(io.Discard, "", 0)

// start runs a worker over a pipe and returns the coordinator's end.
func start(t *testing.T, argv ...string) (*conn.Conn, *Worker, <-chan error) {
	t.Helper()
	w, err := New(argv, WithLogger(quiet))
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	na, nb := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, nb) }()
	c := conn.New(ctx, na, nil, conn.WithLogger(quiet))
	t.Cleanup(func() { _ = c.Close() })
	return c, w, done
}

func TestNewRejectsEmptyCommand(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestPingIdle(t *testing.T) {
	c, _, _ := start(t, "cat")
	rep, err := c.Request(context.Background(), wire.Ping())
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if rep.Type != wire.ReplyPong || rep.Code != wire.CodeIdle {
		t.Fatalf("unexpected pong: %s", rep)
	}
}

func TestScriptRunsCommand(t *testing.T) {
	c, _, _ := start(t, "sh", "-c", "cat; echo err >&2; exit 3")
	rep, err := c.Request(context.Background(), wire.Script([]byte("(check-sat)")))
	if err != nil {
		t.Fatalf("script: %v", err)
	}
	if rep.Type != wire.ReplyScript || rep.Cmd == nil {
		t.Fatalf("unexpected reply: %s", rep)
	}
	if string(rep.Cmd.Stdout) != "(check-sat)" || strings.TrimSpace(string(rep.Cmd.Stderr)) != "err" || rep.Cmd.Status != 3 {
		t.Fatalf("unexpected command result: %+v", rep.Cmd)
	}
}

func TestSpawnFailure(t *testing.T) {
	c, _, _ := start(t, filepath.Join(t.TempDir(), "no-such-solver"))
	rep, err := c.Request(context.Background(), wire.Script([]byte("(check-sat)")))
	if err != nil {
		t.Fatalf("script: %v", err)
	}
	if rep.Cmd == nil || rep.Cmd.Status != -1 || len(rep.Cmd.Stderr) == 0 {
		t.Fatalf("expected spawn failure reply, got %+v", rep.Cmd)
	}
}

func TestBusyRejectsSecondScript(t *testing.T) {
	dir := t.TempDir()
	count := filepath.Join(dir, "spawns")
	gate := filepath.Join(dir, "gate")
	script := "echo x >> " + count + "; while [ ! -e " + gate + " ]; do sleep 0.01; done; cat"
	c, w, _ := start(t, "sh", "-c", script)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := c.SendRequest(ctx, wire.Script([]byte("first")))
	if err != nil {
		t.Fatalf("send first: %v", err)
	}
	for !w.Busy() {
		select {
		case <-ctx.Done():
			t.Fatal("worker never became busy")
		case <-time.After(5 * time.Millisecond):
		}
	}

	pong, err := c.Request(ctx, wire.Ping())
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if pong.Code != wire.CodeBusy {
		t.Fatalf("expected BUSY pong, got %s", pong)
	}

	rep, err := c.Request(ctx, wire.Script([]byte("second")))
	if err != nil {
		t.Fatalf("send second: %v", err)
	}
	if rep.Type != wire.ReplyError || rep.Code != wire.CodeBusy {
		t.Fatalf("expected ERROR/BUSY, got %s", rep)
	}

	if err := os.WriteFile(gate, nil, 0o644); err != nil {
		t.Fatalf("open gate: %v", err)
	}
	rep, err = first.Wait(ctx)
	if err != nil {
		t.Fatalf("first reply: %v", err)
	}
	if string(rep.Cmd.Stdout) != "first" {
		t.Fatalf("unexpected first output %q", rep.Cmd.Stdout)
	}
	spawns, err := os.ReadFile(count)
	if err != nil {
		t.Fatalf("read spawn count: %v", err)
	}
	if n := bytes.Count(spawns, []byte("x")); n != 1 {
		t.Fatalf("expected exactly one solver process, got %d", n)
	}
}

func TestUnknownRequestKeepsConnection(t *testing.T) {
	c, _, _ := start(t, "cat")
	rep, err := c.Request(context.Background(), &wire.Request{Type: wire.RequestType(99)})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if rep.Type != wire.ReplyError || rep.Code != wire.CodeUnknownRequest {
		t.Fatalf("expected ERROR/UNKNOWN_REQUEST, got %s", rep)
	}
	if _, err := c.Request(context.Background(), wire.Ping()); err != nil {
		t.Fatalf("connection unusable after unknown request: %v", err)
	}
}

func TestClientQuitClosesConnection(t *testing.T) {
	c, _, done := start(t, "cat")
	call, err := c.SendRequest(context.Background(), wire.ClientQuit())
	if err != nil {
		t.Fatalf("send quit: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on CLIENT_QUIT")
	}
	if _, err := call.Wait(context.Background()); err == nil {
		t.Fatal("expected quit call to fail when the worker hangs up")
	}
}
