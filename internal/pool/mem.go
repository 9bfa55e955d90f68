package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

var (
	ErrClosed    = errors.New("pool: closed for additions")
	ErrDuplicate = errors.New("pool: duplicate problem id")
)

// Entry is a snapshot of one problem's progress.
type Entry struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	Size       int        `json:"size"`
	Attempts   int        `json:"attempts"`
	Output     string     `json:"output,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

type Stats struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Exhausted is set once Pop will no longer hand out problems.
	Exhausted bool `json:"exhausted"`
	// Empty is set once every handed out problem has a result.
	Empty bool `json:"empty"`
}

type entry struct {
	Entry
	instance []byte
	output   []byte
}

type MemOption func(*MemPool)

// WithRetries requeues a failed problem up to n more times before recording
// the failure.
func WithRetries(n int) MemOption {
	return func(p *MemPool) { p.retries = n }
}

// MemPool is an in-memory FIFO Pool. Problems are added with Add until Close
// is called; after that the pool drains and becomes exhausted.
type MemPool struct {
	mu          sync.Mutex
	entries     map[string]*entry
	order       []string
	queue       []string
	outstanding int
	closed      bool
	retries     int
	wake        chan struct{}
	empty       chan struct{}
	emptied     bool
}

func NewMemPool(opts ...MemOption) *MemPool {
	p := &MemPool{
		entries: make(map[string]*entry),
		wake:    make(chan struct{}),
		empty:   make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Add enqueues instance under a fresh id.
func (p *MemPool) Add(instance []byte) (string, error) {
	id := uuid.NewString()
	return id, p.AddWithID(id, instance)
}

func (p *MemPool) AddWithID(id string, instance []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, ok := p.entries[id]; ok {
		return ErrDuplicate
	}
	p.entries[id] = &entry{
		Entry: Entry{
			ID:        id,
			Status:    StatusQueued,
			Size:      len(instance),
			CreatedAt: time.Now().UTC(),
		},
		instance: instance,
	}
	p.order = append(p.order, id)
	p.queue = append(p.queue, id)
	p.notify()
	return nil
}

// Close marks the end of input.
func (p *MemPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.notify()
	p.checkEmpty()
}

func (p *MemPool) notify() {
	close(p.wake)
	p.wake = make(chan struct{})
}

func (p *MemPool) checkEmpty() {
	if p.closed && len(p.queue) == 0 && p.outstanding == 0 && !p.emptied {
		p.emptied = true
		close(p.empty)
	}
}

func (p *MemPool) Pop(ctx context.Context) (Problem, error) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			id := p.queue[0]
			p.queue = p.queue[1:]
			e := p.entries[id]
			now := time.Now().UTC()
			e.Status = StatusRunning
			e.Attempts++
			if e.StartedAt == nil {
				e.StartedAt = &now
			}
			p.outstanding++
			p.mu.Unlock()
			return Problem{ID: id, Instance: e.instance}, nil
		}
		if p.closed {
			p.mu.Unlock()
			return Problem{}, ErrExhausted
		}
		wake := p.wake
		p.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return Problem{}, ctx.Err()
		}
	}
}

func (p *MemPool) Push(id string, res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		e = &entry{Entry: Entry{ID: id, CreatedAt: time.Now().UTC()}}
		p.entries[id] = e
		p.order = append(p.order, id)
	}
	switch e.Status {
	case StatusRunning:
		p.outstanding--
	case StatusQueued:
		p.unqueue(id)
	}

	now := time.Now().UTC()
	if !res.OK && e.Status == StatusRunning && e.Attempts <= p.retries {
		e.Status = StatusQueued
		p.queue = append(p.queue, id)
		p.notify()
		return
	}
	if res.OK {
		e.Status = StatusSucceeded
		e.output = res.Output
	} else {
		e.Status = StatusFailed
	}
	e.FinishedAt = &now
	e.instance = nil
	p.checkEmpty()
}

func (p *MemPool) unqueue(id string) {
	for i, q := range p.queue {
		if q == id {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return
		}
	}
}

func (p *MemPool) WaitEmpty(ctx context.Context) error {
	select {
	case <-p.empty:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the recorded output of a solved problem.
func (p *MemPool) Result(id string) (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return Result{}, false
	}
	switch e.Status {
	case StatusSucceeded:
		return Solved(e.output), true
	case StatusFailed:
		return Failed, true
	}
	return Result{}, false
}

func (p *MemPool) Get(id string) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// List returns all problems in the order they were added.
func (p *MemPool) List() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.entries[id].snapshot())
	}
	return out
}

func (p *MemPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Total:     len(p.entries),
		Exhausted: p.closed && len(p.queue) == 0,
		Empty:     p.emptied,
	}
	for _, e := range p.entries {
		switch e.Status {
		case StatusQueued:
			s.Queued++
		case StatusRunning:
			s.Running++
		case StatusSucceeded:
			s.Succeeded++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

func (e *entry) snapshot() Entry {
	out := e.Entry
	out.Output = string(e.output)
	return out
}
