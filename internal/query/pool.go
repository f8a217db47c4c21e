package query

import (
	"context"
	"sync"

	"github.com/haasonsaas/switchboard/internal/observability"
)

// Pool holds admitted queries waiting for dispatch plus a cache of every
// query that has not finished yet. Consumers scan the queue under the pool
// lock and wait on its condition when nothing is runnable.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Query
	cache  map[int64]*Query
	nextID int64

	metrics *observability.Metrics
}

// NewPool creates an empty pool. metrics may be nil.
func NewPool(metrics *observability.Metrics) *Pool {
	p := &Pool{
		cache:   make(map[int64]*Query),
		metrics: metrics,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// AddQuery admits a query with the next id, queues and caches it, and wakes consumers.
func (p *Pool) AddQuery(in Inbound) *Query {
	p.mu.Lock()
	p.nextID++
	q := newQuery(p.nextID, in)
	p.queue = append(p.queue, q)
	p.cache[q.ID] = q
	depth := len(p.queue)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.metrics.QueryAdmitted(in.BotUUID, depth)
	return q
}

// Get returns a cached query by id. Queries stay cached until Remove.
func (p *Pool) Get(id int64) (*Query, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.cache[id]
	return q, ok
}

// Remove drops a finished query from the cache.
func (p *Pool) Remove(id int64) {
	p.mu.Lock()
	delete(p.cache, id)
	p.mu.Unlock()
}

// Len returns the number of queued (not yet dispatched) queries.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Cached returns the number of unfinished queries.
func (p *Pool) Cached() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cache)
}

// Scan runs pick with the pool locked. pick sees the queue in admission order
// and returns the index of the query to take, or -1. The taken query is
// removed from the queue and returned. When nothing is taken Scan waits on
// the pool condition and returns nil, unless ctx is already done. Callers
// rescan after every wakeup.
func (p *Pool) Scan(ctx context.Context, pick func(queue []*Query) int) *Query {
	p.mu.Lock()
	defer p.mu.Unlock()

	if q := p.takeLocked(pick); q != nil {
		return q
	}
	if ctx.Err() == nil {
		p.cond.Wait()
	}
	return nil
}

// TryScan is Scan without waiting.
func (p *Pool) TryScan(pick func(queue []*Query) int) *Query {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.takeLocked(pick)
}

func (p *Pool) takeLocked(pick func(queue []*Query) int) *Query {
	i := pick(p.queue)
	if i < 0 || i >= len(p.queue) {
		return nil
	}
	q := p.queue[i]
	p.queue = append(p.queue[:i], p.queue[i+1:]...)
	p.metrics.SetQueueDepth(len(p.queue))
	return q
}

// Locked runs fn while holding the pool lock and then wakes every waiter.
// Workers use it to release session gates so the scanner observes the change.
func (p *Pool) Locked(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn()
	p.cond.Broadcast()
}

// NotifyAll wakes every consumer waiting in Scan.
func (p *Pool) NotifyAll() {
	p.Locked(func() {})
}

// WakeOnDone arranges for waiters to be woken when ctx is done. The
// broadcast takes the pool lock, so a scanner that saw ctx live is already
// waiting when it arrives. The returned function cancels the arrangement.
func (p *Pool) WakeOnDone(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, p.NotifyAll)
}
