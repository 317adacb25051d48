package cluster

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/concord-engine/concord/pkg/common"
)

type savedEntry struct {
	key   uint64
	depth int
	score int
	bound int
	move  common.Move
	eval  int
	pvHit bool
}

type fakeTT struct {
	mu    sync.Mutex
	saved []savedEntry
}

func (tt *fakeTT) Update(key uint64, depth, score, bound int, move common.Move, eval int, pvHit bool) {
	tt.mu.Lock()
	tt.saved = append(tt.saved, savedEntry{key, depth, score, bound, move, eval, pvHit})
	tt.mu.Unlock()
}

func (tt *fakeTT) entries() []savedEntry {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return append([]savedEntry(nil), tt.saved...)
}

type fakePool struct {
	nodes      atomic.Uint64
	tbHits     atomic.Uint64
	ttSaves    atomic.Uint64
	stop       atomic.Bool
	timeChecks atomic.Int32
}

func (p *fakePool) NodesSearched() uint64 { return p.nodes.Load() }
func (p *fakePool) TbHits() uint64        { return p.tbHits.Load() }
func (p *fakePool) TTSaves() uint64       { return p.ttSaves.Load() }
func (p *fakePool) Stopped() bool         { return p.stop.Load() }
func (p *fakePool) SetStop()              { p.stop.Store(true) }
func (p *fakePool) ResetTimeCheck()       { p.timeChecks.Add(1) }

// newTestClusters builds a fully connected n-rank cluster inside the test
// process, each rank bound to a loopback port and wired to its own fake
// collaborators.
func newTestClusters(t *testing.T, n int) ([]*Cluster, []*fakeTT, []*fakePool) {
	t.Helper()

	var logger = zerolog.New(io.Discard)
	var listeners = make([]net.Listener, n)
	var hosts = make([]string, n)
	for i := range listeners {
		var ln, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		listeners[i] = ln
		hosts[i] = ln.Addr().String()
	}

	var launch = uuid.New()
	var clusters = make([]*Cluster, n)
	var g errgroup.Group
	for rank := 0; rank < n; rank++ {
		var rank = rank
		g.Go(func() error {
			var cfg = Config{
				Rank:        rank,
				Hosts:       hosts,
				Launch:      launch,
				DialTimeout: 5 * time.Second,
			}
			var tr, err = connectMesh(cfg, listeners[rank], logger)
			if err != nil {
				return err
			}
			clusters[rank] = &Cluster{
				tr:   tr,
				log:  logger,
				rank: rank,
				size: n,
			}
			clusters[rank].SetThreadCount(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	var tts = make([]*fakeTT, n)
	var pools = make([]*fakePool, n)
	for i := range clusters {
		tts[i] = &fakeTT{}
		pools[i] = &fakePool{}
		clusters[i].SetEngine(tts[i], pools[i])
	}

	t.Cleanup(func() {
		for _, c := range clusters {
			c.Close()
		}
	})
	return clusters, tts, pools
}

func newStandaloneCluster(t *testing.T) (*Cluster, *fakeTT, *fakePool) {
	t.Helper()
	var c, err = New(Config{}, zerolog.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	var tt = &fakeTT{}
	var pool = &fakePool{}
	c.SetEngine(tt, pool)
	return c, tt, pool
}

// eachRank runs fn concurrently for every rank and joins.
func eachRank(t *testing.T, clusters []*Cluster, fn func(c *Cluster)) {
	t.Helper()
	var wg sync.WaitGroup
	for _, c := range clusters {
		wg.Add(1)
		go func(c *Cluster) {
			defer wg.Done()
			fn(c)
		}(c)
	}
	wg.Wait()
}
