package pool

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

var quiet = log.New(io.Discard, "", 0)

func TestMemPoolDrains(t *testing.T) {
	p := NewMemPool()
	id, err := p.Add([]byte("(check-sat)"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}
	p.Close()
	if _, err := p.Add([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}

	ctx := context.Background()
	pr, err := p.Pop(ctx)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if pr.ID != id || string(pr.Instance) != "(check-sat)" {
		t.Fatalf("unexpected problem: %+v", pr)
	}
	if _, err := p.Pop(ctx); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := p.WaitEmpty(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("pool reported empty with a problem outstanding: %v", err)
	}

	p.Push(id, Solved([]byte("sat")))
	if err := p.WaitEmpty(ctx); err != nil {
		t.Fatalf("wait empty: %v", err)
	}
	res, ok := p.Result(id)
	if !ok || !res.OK || string(res.Output) != "sat" {
		t.Fatalf("unexpected result: %+v ok=%v", res, ok)
	}
	e, ok := p.Get(id)
	if !ok || e.Status != StatusSucceeded || e.FinishedAt == nil || e.Attempts != 1 {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestMemPoolPopBlocksUntilAdd(t *testing.T) {
	p := NewMemPool()
	got := make(chan Problem, 1)
	go func() {
		pr, err := p.Pop(context.Background())
		if err == nil {
			got <- pr
		}
	}()
	time.Sleep(20 * time.Millisecond)
	if err := p.AddWithID("late", []byte("x")); err != nil {
		t.Fatalf("add: %v", err)
	}
	select {
	case pr := <-got:
		if pr.ID != "late" {
			t.Fatalf("unexpected problem %q", pr.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("pop did not wake up on add")
	}
}

func TestMemPoolPopHonorsContext(t *testing.T) {
	p := NewMemPool()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Pop(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMemPoolConcurrentPopsNeverShareIDs(t *testing.T) {
	p := NewMemPool()
	const n = 200
	for i := 0; i < n; i++ {
		if _, err := p.Add([]byte("x")); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	p.Close()

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				pr, err := p.Pop(context.Background())
				if err != nil {
					return
				}
				mu.Lock()
				seen[pr.ID]++
				mu.Unlock()
				p.Push(pr.ID, Solved(nil))
			}
		}()
	}
	wg.Wait()
	if len(seen) != n {
		t.Fatalf("expected %d distinct problems, got %d", n, len(seen))
	}
	for id, c := range seen {
		if c != 1 {
			t.Fatalf("problem %s handed out %d times", id, c)
		}
	}
	if err := p.WaitEmpty(context.Background()); err != nil {
		t.Fatalf("wait empty: %v", err)
	}
	if s := p.Stats(); s.Succeeded != n || !s.Empty || !s.Exhausted {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestMemPoolRetries(t *testing.T) {
	p := NewMemPool(WithRetries(1))
	_ = p.AddWithID("a", []byte("x"))
	p.Close()
	ctx := context.Background()

	pr, _ := p.Pop(ctx)
	p.Push(pr.ID, Failed)
	pr, err := p.Pop(ctx)
	if err != nil || pr.ID != "a" {
		t.Fatalf("expected retry of a, got %+v %v", pr, err)
	}
	p.Push(pr.ID, Failed)
	if _, err := p.Pop(ctx); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted after retries, got %v", err)
	}
	if e, _ := p.Get("a"); e.Status != StatusFailed || e.Attempts != 2 {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestMemPoolPushUnknownID(t *testing.T) {
	p := NewMemPool()
	p.Close()
	p.Push("stranger", Solved([]byte("sat")))
	if err := p.WaitEmpty(context.Background()); err != nil {
		t.Fatalf("wait empty: %v", err)
	}
	if res, ok := p.Result("stranger"); !ok || string(res.Output) != "sat" {
		t.Fatalf("unexpected result for unknown id: %+v", res)
	}
}

func TestStoredPoolSkipsCachedProblems(t *testing.T) {
	inner := NewMemPool()
	_ = inner.AddWithID("cached", []byte("(check-sat)"))
	_ = inner.AddWithID("fresh", []byte("(check-sat)"))
	inner.Close()

	store := NewMemStore()
	_ = store.Set("cached", []byte("unsat"))
	sp := NewStoredPool(inner, store, quiet)

	ctx := context.Background()
	pr, err := sp.Pop(ctx)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if pr.ID != "fresh" {
		t.Fatalf("expected cached problem to be skipped, got %s", pr.ID)
	}
	if res, ok := inner.Result("cached"); !ok || string(res.Output) != "unsat" {
		t.Fatalf("cached result not pushed to inner pool: %+v", res)
	}

	sp.Push("fresh", Solved([]byte("sat")))
	if out, err := store.Get("fresh"); err != nil || string(out) != "sat" {
		t.Fatalf("result not persisted: %q %v", out, err)
	}
	if _, err := sp.Pop(ctx); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if err := sp.WaitEmpty(ctx); err != nil {
		t.Fatalf("wait empty: %v", err)
	}
	if sp.Hits() != 1 {
		t.Fatalf("expected 1 store hit, got %d", sp.Hits())
	}
}

func TestStoredPoolDoesNotPersistFailures(t *testing.T) {
	inner := NewMemPool()
	_ = inner.AddWithID("a", []byte("x"))
	inner.Close()
	store := NewMemStore()
	sp := NewStoredPool(inner, store, quiet)

	pr, _ := sp.Pop(context.Background())
	sp.Push(pr.ID, Failed)
	if ok, _ := store.Has("a"); ok {
		t.Fatal("failed result was persisted")
	}
	if res, ok := inner.Result("a"); !ok || res.OK {
		t.Fatalf("failure not forwarded to inner pool: %+v", res)
	}
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if ok, err := s.Has("p/1"); err != nil || ok {
		t.Fatalf("unexpected Has on empty store: %v %v", ok, err)
	}
	if _, err := s.Get("p/1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Set("p/1", []byte("sat")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ok, err := s.Has("p/1"); err != nil || !ok {
		t.Fatalf("expected stored result: %v %v", ok, err)
	}
	out, err := s.Get("p/1")
	if err != nil || string(out) != "sat" {
		t.Fatalf("unexpected get: %q %v", out, err)
	}
	if err := s.Set("p/1", []byte("unsat")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if out, _ := s.Get("p/1"); string(out) != "unsat" {
		t.Fatalf("overwrite not visible: %q", out)
	}
}
