package engine

import (
	"runtime"

	"github.com/concord-engine/concord/pkg/cluster"
)

// Options are the UCI-visible engine settings. Changes take effect on the
// next Prepare.
type Options struct {
	Hash    int
	Threads int
}

func NewOptions() Options {
	return Options{
		Hash:    16,
		Threads: 1,
	}
}

// Host assembles the engine side of the coordination layer: the shared
// transposition table and the search thread pool, sized to the current
// options and bound to the cluster.
type Host struct {
	Options Options
	cl      *cluster.Cluster
	tt      *TransTable
	pool    *Pool
}

func NewHost(cl *cluster.Cluster) *Host {
	return &Host{
		Options: NewOptions(),
		cl:      cl,
	}
}

// Prepare applies pending option changes. Not valid during a search.
func (h *Host) Prepare() {
	if h.tt == nil || h.tt.Size() != h.Options.Hash {
		if h.tt != nil {
			h.tt = nil
			runtime.GC()
		}
		h.tt = NewTransTable(h.Options.Hash)
	}
	if h.pool == nil || h.pool.ThreadCount() != h.Options.Threads {
		h.pool = NewPool(h.Options.Threads)
	}
	h.cl.SetEngine(h.tt, h.pool)
	h.cl.SetThreadCount(h.pool.ThreadCount())
}

func (h *Host) Clear() {
	if h.tt != nil {
		h.tt.Clear()
	}
}

func (h *Host) TransTable() *TransTable {
	return h.tt
}

func (h *Host) Pool() *Pool {
	return h.pool
}
