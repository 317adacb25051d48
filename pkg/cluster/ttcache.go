package cluster

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/concord-engine/concord/pkg/common"
)

// TTCacheSize bounds the per-thread send cache: only the deepest
// TTCacheSize entries seen since the last flush are shipped.
const TTCacheSize = 16

// sentinelDepth loses the admission test against every real entry.
const sentinelDepth = math.MinInt8

// KeyedTTEntry is the unit of transposition dissemination. It crosses the
// wire in the fixed little-endian layout below; heterogeneous endianness
// between ranks is unsupported.
type KeyedTTEntry struct {
	Key   uint64
	Move  common.Move
	Value int16
	Eval  int16
	Depth int8
	Bound uint8
	PVHit bool
}

const (
	keyedEntryKeyOff   = 0
	keyedEntryMoveOff  = 8
	keyedEntryValueOff = 12
	keyedEntryEvalOff  = 14
	keyedEntryDepthOff = 16
	keyedEntryBoundOff = 17
	keyedEntryPVOff    = 18
	keyedEntrySize     = 20
)

func (e *KeyedTTEntry) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[keyedEntryKeyOff:], e.Key)
	binary.LittleEndian.PutUint32(buf[keyedEntryMoveOff:], uint32(e.Move))
	binary.LittleEndian.PutUint16(buf[keyedEntryValueOff:], uint16(e.Value))
	binary.LittleEndian.PutUint16(buf[keyedEntryEvalOff:], uint16(e.Eval))
	buf[keyedEntryDepthOff] = byte(e.Depth)
	buf[keyedEntryBoundOff] = e.Bound
	if e.PVHit {
		buf[keyedEntryPVOff] = 1
	} else {
		buf[keyedEntryPVOff] = 0
	}
	buf[keyedEntrySize-1] = 0
}

func (e *KeyedTTEntry) decode(buf []byte) {
	e.Key = binary.LittleEndian.Uint64(buf[keyedEntryKeyOff:])
	e.Move = common.Move(binary.LittleEndian.Uint32(buf[keyedEntryMoveOff:]))
	e.Value = int16(binary.LittleEndian.Uint16(buf[keyedEntryValueOff:]))
	e.Eval = int16(binary.LittleEndian.Uint16(buf[keyedEntryEvalOff:]))
	e.Depth = int8(buf[keyedEntryDepthOff])
	e.Bound = buf[keyedEntryBoundOff]
	e.PVHit = buf[keyedEntryPVOff] != 0
}

func sentinelEntry() KeyedTTEntry {
	return KeyedTTEntry{Depth: sentinelDepth}
}

// ttCacheBuffer is a fixed-capacity min-heap on depth. The root is always
// the shallowest held entry, so admission is a single comparison. Slots
// start as sentinels, which every real entry beats.
type ttCacheBuffer struct {
	entries []KeyedTTEntry
}

func newTTCacheBuffer(capacity int) ttCacheBuffer {
	var buf = ttCacheBuffer{entries: make([]KeyedTTEntry, capacity)}
	buf.reset()
	return buf
}

func (buf *ttCacheBuffer) reset() {
	for i := range buf.entries {
		buf.entries[i] = sentinelEntry()
	}
}

// replace admits e if it is deeper than the current shallowest entry,
// evicting that entry. Duplicate keys are not deduplicated here; the
// receiving rank's table replace policy resolves overwrites.
func (buf *ttCacheBuffer) replace(e KeyedTTEntry) bool {
	if e.Depth <= buf.entries[0].Depth {
		return false
	}
	buf.entries[0] = e
	buf.siftDown(0)
	return true
}

func (buf *ttCacheBuffer) siftDown(i int) {
	for {
		var left = 2*i + 1
		if left >= len(buf.entries) {
			return
		}
		var least = left
		if right := left + 1; right < len(buf.entries) &&
			buf.entries[right].Depth < buf.entries[left].Depth {
			least = right
		}
		if buf.entries[least].Depth >= buf.entries[i].Depth {
			return
		}
		buf.entries[i], buf.entries[least] = buf.entries[least], buf.entries[i]
		i = least
	}
}

// ThreadCache is the send cache owned by one search thread. The mutex only
// arbitrates between the owning thread's saves and the main thread's flush.
type ThreadCache struct {
	mu  sync.Mutex
	buf ttCacheBuffer
}

func newThreadCache() *ThreadCache {
	return &ThreadCache{buf: newTTCacheBuffer(TTCacheSize)}
}

func (tc *ThreadCache) replace(e KeyedTTEntry) bool {
	tc.mu.Lock()
	var admitted = tc.buf.replace(e)
	tc.mu.Unlock()
	return admitted
}
