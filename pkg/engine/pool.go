package engine

import "sync/atomic"

// timeCheckBudget is how many node batches a thread reports before the main
// thread checks the clock again.
const timeCheckBudget = 1024

// Thread holds the per-search-thread counters the coordination layer
// aggregates. Counters are atomic because other ranks snapshot them while
// the thread searches.
type Thread struct {
	nodes   atomic.Uint64
	tbHits  atomic.Uint64
	ttSaves atomic.Uint64
	// callsCnt is only meaningful on the main thread.
	callsCnt atomic.Int32
}

func (t *Thread) AddNodes(n uint64) {
	t.nodes.Add(n)
}

func (t *Thread) AddTbHit() {
	t.tbHits.Add(1)
}

func (t *Thread) AddTTSave() {
	t.ttSaves.Add(1)
}

func (t *Thread) Nodes() uint64 {
	return t.nodes.Load()
}

// ConsumeTimeCheck decrements the time-check budget and reports whether the
// clock should be consulted now.
func (t *Thread) ConsumeTimeCheck() bool {
	if t.callsCnt.Add(-1) > 0 {
		return false
	}
	t.callsCnt.Store(timeCheckBudget)
	return true
}

// Pool is the search thread pool facade: cluster-visible totals, the global
// stop flag and the main thread's time-check budget.
type Pool struct {
	threads []Thread
	stop    atomic.Bool
}

func NewPool(threadCount int) *Pool {
	return &Pool{threads: make([]Thread, threadCount)}
}

func (pool *Pool) ThreadCount() int {
	return len(pool.threads)
}

func (pool *Pool) Thread(i int) *Thread {
	return &pool.threads[i]
}

func (pool *Pool) Main() *Thread {
	return &pool.threads[0]
}

// StartSearch resets counters and the stop flag for a fresh search.
func (pool *Pool) StartSearch() {
	for i := range pool.threads {
		var t = &pool.threads[i]
		t.nodes.Store(0)
		t.tbHits.Store(0)
		t.ttSaves.Store(0)
	}
	pool.Main().callsCnt.Store(timeCheckBudget)
	pool.stop.Store(false)
}

func (pool *Pool) NodesSearched() uint64 {
	var sum uint64
	for i := range pool.threads {
		sum += pool.threads[i].nodes.Load()
	}
	return sum
}

func (pool *Pool) TbHits() uint64 {
	var sum uint64
	for i := range pool.threads {
		sum += pool.threads[i].tbHits.Load()
	}
	return sum
}

func (pool *Pool) TTSaves() uint64 {
	var sum uint64
	for i := range pool.threads {
		sum += pool.threads[i].ttSaves.Load()
	}
	return sum
}

func (pool *Pool) Stopped() bool {
	return pool.stop.Load()
}

func (pool *Pool) SetStop() {
	pool.stop.Store(true)
}

func (pool *Pool) ResetTimeCheck() {
	pool.Main().callsCnt.Store(0)
}
