package cluster

import "time"

const (
	sigNodes = iota
	sigStop
	sigTb
	sigTTSaves
	sigNb
)

// SignalsInit zeroes the signal state at the start of a search.
func (c *Cluster) SignalsInit() {
	c.searchStart = time.Now()
	c.nodesOthers.Store(0)
	c.tbHitsOthers.Store(0)
	c.ttSavesOthers.Store(0)
	c.stopSignalsPosted = 0
	c.signalsCallCounter.Store(0)
	for i := range c.sigSendVec {
		c.sigSendVec[i] = 0
		c.sigRecvVec[i] = 0
	}
}

// signalsSend snapshots the pool counters and posts the next sum
// all-reduce.
func (c *Cluster) signalsSend() {
	c.sigSendVec[sigNodes] = c.pool.NodesSearched()
	c.sigSendVec[sigTb] = c.pool.TbHits()
	c.sigSendVec[sigTTSaves] = c.pool.TTSaves()
	if c.pool.Stopped() {
		c.sigSendVec[sigStop] = 1
	} else {
		c.sigSendVec[sigStop] = 0
	}
	c.reqSignals = c.tr.iallreduce(signalsComm, c.sigSendVec[:], reduceSum)
	c.signalsCallCounter.Add(1)
}

// signalsProcess folds a completed reduction into the "others" counters.
// Subtracting our own contribution keeps the single-rank case bit-identical
// to the non-distributed engine.
func (c *Cluster) signalsProcess() {
	if c.reqSignals != nil {
		copy(c.sigRecvVec[:], decodeU64s(c.reqSignals.data))
	}
	c.nodesOthers.Store(c.sigRecvVec[sigNodes] - c.sigSendVec[sigNodes])
	c.tbHitsOthers.Store(c.sigRecvVec[sigTb] - c.sigSendVec[sigTb])
	c.ttSavesOthers.Store(c.sigRecvVec[sigTTSaves] - c.sigSendVec[sigTTSaves])
	c.stopSignalsPosted = c.sigRecvVec[sigStop]
	if c.sigRecvVec[sigStop] > 0 {
		c.pool.SetStop()
	}
}

// SignalsPoll tests the outstanding reduction from the periodic check hook;
// on completion it processes the result and chains the next round.
func (c *Cluster) SignalsPoll() {
	if c.tr == nil {
		return
	}
	if c.reqSignals.test() {
		c.signalsProcess()
		c.signalsSend()
	}
}

// SignalsSync finishes the signal loop after a search. It first waits for
// every rank to have posted a stop, then reconciles call counts: a rank
// that issued one reduction less than the cluster maximum issues a final
// one, so every rank exits with equal counters and no handle outstanding.
func (c *Cluster) SignalsSync() {
	if c.tr == nil {
		return
	}
	for c.stopSignalsPosted < uint64(c.size) {
		c.SignalsPoll()
		time.Sleep(time.Millisecond)
	}

	var global = c.tr.allreduceMax(moveComm, c.signalsCallCounter.Load())
	if c.signalsCallCounter.Load() < global {
		c.reqSignals.wait()
		c.signalsSend()
	}
	if c.signalsCallCounter.Load() != global {
		c.log.Fatal().
			Uint64("counter", c.signalsCallCounter.Load()).
			Uint64("global", global).
			Msg("signal loop diverged")
	}
	c.reqSignals.wait()
	c.signalsProcess()
}
