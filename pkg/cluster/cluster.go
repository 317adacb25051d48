package cluster

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/concord-engine/concord/pkg/common"
)

// Entries at this depth or shallower never leave their rank.
const ttSendDepthMin = 3

// tag of the TT ring exchange and of the PV transfer.
const tagExchange = 42

// TransTable is the external transposition table the layer feeds received
// entries into. Its replace policy decides what stays.
type TransTable interface {
	Update(key uint64, depth, score, bound int, move common.Move, eval int, pvHit bool)
}

// ThreadPool is the search thread pool the layer reads counters from and
// stops.
type ThreadPool interface {
	NodesSearched() uint64
	TbHits() uint64
	TTSaves() uint64
	Stopped() bool
	SetStop()
	// ResetTimeCheck forces the main thread's next time check, amortising
	// the cost of a communication round into the time-check budget.
	ResetTimeCheck()
}

// Cluster coordinates the ranks of one distributed search: it relays input
// from the root, disseminates deep transposition entries around a ring,
// aggregates counters and stop flags, and votes on the final move.
// Construct one per process at startup and Close it at shutdown.
type Cluster struct {
	tr   *transport
	log  zerolog.Logger
	rank int
	size int

	tt   TransTable
	pool ThreadPool

	// signal loop
	reqSignals         *request
	signalsCallCounter atomic.Uint64
	sigSendVec         [sigNb]uint64
	sigRecvVec         [sigNb]uint64
	nodesOthers        atomic.Uint64
	tbHitsOthers       atomic.Uint64
	ttSavesOthers      atomic.Uint64
	stopSignalsPosted  uint64

	// TT ring exchange
	threadCaches   []*ThreadCache
	ttCacheCounter atomic.Uint64
	sendRecvBuffs  [2][]byte
	reqRecv        *request
	reqSend        *request
	sendRecvPosted atomic.Uint64

	searchStart time.Time
}

// New brings the coordination layer up: resolves rank and size, connects
// the mesh and derives the four channels. With a single host it degrades to
// a standalone cluster with no sockets.
func New(cfg Config, logger zerolog.Logger) (*Cluster, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	var c = &Cluster{
		log:  logger,
		rank: cfg.Rank,
		size: cfg.size(),
	}
	if c.size == 1 {
		c.rank = 0
		c.SetThreadCount(1)
		return c, nil
	}
	var ln, err = net.Listen("tcp", cfg.Hosts[cfg.Rank])
	if err != nil {
		return nil, fmt.Errorf("cluster listen: %w", err)
	}
	c.tr, err = connectMesh(cfg, ln, logger)
	ln.Close()
	if err != nil {
		return nil, fmt.Errorf("cluster connect: %w", err)
	}
	c.SetThreadCount(1)
	logger.Info().Int("rank", c.rank).Int("size", c.size).Msg("cluster up")
	return c, nil
}

// Close drains nothing: callers finish searches (SignalsSync, SendRecvSync)
// before shutting the mesh down.
func (c *Cluster) Close() {
	if c.tr != nil {
		c.tr.close()
		c.tr = nil
	}
}

func (c *Cluster) Rank() int {
	return c.rank
}

func (c *Cluster) Size() int {
	return c.size
}

func (c *Cluster) IsRoot() bool {
	return c.rank == 0
}

// SetEngine binds the external collaborators. Must happen before the first
// search.
func (c *Cluster) SetEngine(tt TransTable, pool ThreadPool) {
	c.tt = tt
	c.pool = pool
}

// SetThreadCount sizes the per-thread send caches and the ring windows for
// a pool of n search threads. Not valid during a search.
func (c *Cluster) SetThreadCount(n int) {
	if len(c.threadCaches) == n {
		return
	}
	c.threadCaches = make([]*ThreadCache, n)
	for i := range c.threadCaches {
		c.threadCaches[i] = newThreadCache()
	}
	for i := range c.sendRecvBuffs {
		c.sendRecvBuffs[i] = make([]byte, c.slotBytes()*c.size)
		fillSentinels(c.sendRecvBuffs[i])
	}
}

// ThreadCache hands out the send cache owned by search thread i; thread 0
// is the main thread and the only one that drives the ring.
func (c *Cluster) ThreadCache(i int) *ThreadCache {
	return c.threadCaches[i]
}

func (c *Cluster) slotEntries() int {
	return TTCacheSize * len(c.threadCaches)
}

func (c *Cluster) slotBytes() int {
	return c.slotEntries() * keyedEntrySize
}

func fillSentinels(buf []byte) {
	var sentinel = sentinelEntry()
	for off := 0; off+keyedEntrySize <= len(buf); off += keyedEntrySize {
		sentinel.encode(buf[off:])
	}
}

// Save replaces the plain table save on the hot path: it stores the entry
// locally, admits deep entries to the thread's send cache, and lets the
// main thread advance the ring when a round's send and recv have both
// completed. It never blocks on the network.
func (c *Cluster) Save(tc *ThreadCache, key uint64, value, eval, depth, bound int, move common.Move, pvHit bool) {
	c.tt.Update(key, depth, value, bound, move, eval, pvHit)

	if c.tr == nil || depth <= ttSendDepthMin {
		return
	}
	tc.replace(KeyedTTEntry{
		Key:   key,
		Move:  move,
		Value: int16(value),
		Eval:  int16(eval),
		Depth: int8(depth),
		Bound: uint8(bound),
		PVHit: pvHit,
	})
	c.ttCacheCounter.Add(1)

	if tc != c.threadCaches[0] {
		return
	}
	if c.ttCacheCounter.Load() < uint64(c.slotEntries()) {
		return
	}
	// Drop the attempt if the previous round is still in flight; the next
	// save retries.
	if !c.reqRecv.test() || !c.reqSend.test() {
		return
	}
	c.handleBuffer()
	c.sendrecvPost()
	c.pool.ResetTimeCheck()
}

// handleBuffer runs one ring round on the just-completed recv window:
// foreign slots are offered to the external table, our slot is refilled
// from the thread caches.
func (c *Cluster) handleBuffer() {
	var buf = c.sendRecvBuffs[c.sendRecvPosted.Load()%2]
	var slot = c.slotBytes()
	for irank := 0; irank < c.size; irank++ {
		var region = buf[irank*slot : (irank+1)*slot]
		if irank == c.rank {
			var off = 0
			for _, tc := range c.threadCaches {
				tc.mu.Lock()
				for i := range tc.buf.entries {
					tc.buf.entries[i].encode(region[off:])
					off += keyedEntrySize
				}
				tc.buf.reset()
				tc.mu.Unlock()
			}
			c.ttCacheCounter.Store(0)
			continue
		}
		var e KeyedTTEntry
		for off := 0; off < len(region); off += keyedEntrySize {
			e.decode(region[off:])
			if e.Depth == sentinelDepth {
				continue
			}
			c.tt.Update(e.Key, int(e.Depth), int(e.Value), int(e.Bound), e.Move, int(e.Eval), e.PVHit)
		}
	}
}

// sendrecvPost starts the next ring step: recv from the upstream neighbour
// into one window, forward the other window downstream.
func (c *Cluster) sendrecvPost() {
	var posted = c.sendRecvPosted.Add(1)
	c.reqRecv = c.irecvInto(ttComm, (c.rank+c.size-1)%c.size, tagExchange, c.sendRecvBuffs[posted%2])
	c.reqSend = c.tr.isend(ttComm, (c.rank+1)%c.size, tagExchange, c.sendRecvBuffs[(posted+1)%2])
}

func (c *Cluster) irecvInto(ch comm, src int, tag int32, buf []byte) *request {
	var req = newRequest()
	go func() {
		var payload = c.tr.recv(ch, src, tag)
		if len(payload) != len(buf) {
			c.tr.fatal("recv", fmt.Errorf("exchange window %v bytes, want %v", len(payload), len(buf)))
		}
		copy(buf, payload)
		req.complete(buf)
	}()
	return req
}

// SendRecvSync drains the ring at end of search: ranks agree on the
// maximum number of posted rounds and the laggards catch up, so no
// exchange is left in flight.
func (c *Cluster) SendRecvSync() {
	if c.tr == nil {
		return
	}
	var global = c.tr.allreduceMax(moveComm, c.sendRecvPosted.Load())
	for c.sendRecvPosted.Load() < global {
		c.reqRecv.wait()
		c.reqSend.wait()
		c.handleBuffer()
		c.sendrecvPost()
	}
	c.reqRecv.wait()
	c.reqSend.wait()
}

// NodesSearched is the live local total plus a slightly stale snapshot of
// every other rank, so a single rank reports exactly the local counter.
func (c *Cluster) NodesSearched() uint64 {
	return c.nodesOthers.Load() + c.pool.NodesSearched()
}

func (c *Cluster) TbHits() uint64 {
	return c.tbHitsOthers.Load() + c.pool.TbHits()
}

func (c *Cluster) TTSaves() uint64 {
	return c.ttSavesOthers.Load() + c.pool.TTSaves()
}

// ClusterInfo formats one diagnostic line for the info stream.
func (c *Cluster) ClusterInfo(depth int) string {
	var ms = time.Since(c.searchStart).Milliseconds()
	var signals = c.signalsCallCounter.Load()
	var sendRecvs = c.sendRecvPosted.Load()
	var ttSaves = c.TTSaves()
	return fmt.Sprintf("info depth %v cluster signals %v sps %v sendRecvs %v srpps %v TTSaves %v TTSavesps %v",
		depth,
		signals, signals*1000/uint64(ms+1),
		sendRecvs, sendRecvs*1000/uint64(ms+1),
		ttSaves, ttSaves*1000/uint64(ms+1))
}
