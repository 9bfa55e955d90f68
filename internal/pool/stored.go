package pool

import (
	"context"
	"log"
	"sync/atomic"
)

// StoredPool wraps a Pool with a result cache. Problems whose result is
// already stored are answered from the store and never returned by Pop.
type StoredPool struct {
	inner Pool
	store Store
	log   *log.Logger

	hits atomic.Int64
}

func NewStoredPool(inner Pool, store Store, logger *log.Logger) *StoredPool {
	if logger == nil {
		logger = log.Default()
	}
	return &StoredPool{inner: inner, store: store, log: logger}
}

func (p *StoredPool) Pop(ctx context.Context) (Problem, error) {
	for {
		pr, err := p.inner.Pop(ctx)
		if err != nil {
			return pr, err
		}
		out, ok := p.lookup(pr.ID)
		if !ok {
			return pr, nil
		}
		p.hits.Add(1)
		p.log.Printf("problem %s answered from store", pr.ID)
		p.inner.Push(pr.ID, Solved(out))
	}
}

// lookup treats store errors as a miss so the problem is recomputed.
func (p *StoredPool) lookup(id string) ([]byte, bool) {
	ok, err := p.store.Has(id)
	if err != nil {
		p.log.Printf("store lookup %s: %v", id, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	out, err := p.store.Get(id)
	if err != nil {
		p.log.Printf("store get %s: %v", id, err)
		return nil, false
	}
	return out, true
}

func (p *StoredPool) Push(id string, res Result) {
	if res.OK {
		if err := p.store.Set(id, res.Output); err != nil {
			p.log.Printf("store set %s: %v", id, err)
		}
	}
	p.inner.Push(id, res)
}

func (p *StoredPool) WaitEmpty(ctx context.Context) error {
	return p.inner.WaitEmpty(ctx)
}

// Hits reports how many problems were answered from the store.
func (p *StoredPool) Hits() int64 { return p.hits.Load() }
