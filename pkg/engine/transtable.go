package engine

import (
	"sync/atomic"

	"github.com/concord-engine/concord/pkg/common"
)

const (
	BoundLower = 1 << iota
	BoundUpper
)

const BoundExact = BoundLower | BoundUpper

const boundPV = 1 << 2

func roundPowerOfTwo(size int) int {
	var x = 1
	for (x << 1) <= size {
		x <<= 1
	}
	return x
}

//20 bytes
type transEntry struct {
	gate     int32
	key32    uint32
	moveDate uint32
	score    int16
	eval     int16
	depth    int8
	bound    uint8
}

func (entry *transEntry) Move() common.Move {
	return common.Move(entry.moveDate & 0x1fffff)
}

func (entry *transEntry) Date() uint16 {
	return uint16(entry.moveDate >> 21)
}

func (entry *transEntry) SetMoveAndDate(move common.Move, date uint16) {
	entry.moveDate = uint32(move) + uint32(date)<<21
}

// TransTable is a lock-light shared transposition table. Entries are gated
// by a CAS so concurrent racy overwrites from search threads and the
// cluster exchange stay tolerable. It carries eval and a PV bit alongside
// the usual fields because remote ranks relay them.
type TransTable struct {
	megabytes int
	entries   []transEntry
	date      uint16
	mask      uint32
}

func NewTransTable(megabytes int) *TransTable {
	var size = roundPowerOfTwo(1024 * 1024 * megabytes / 20)
	return &TransTable{
		megabytes: megabytes,
		entries:   make([]transEntry, size),
		mask:      uint32(size - 1),
	}
}

func (tt *TransTable) Size() int {
	return tt.megabytes
}

func (tt *TransTable) IncDate() {
	tt.date = (tt.date + 1) & 0x7ff
}

func (tt *TransTable) Clear() {
	tt.date = 0
	for i := range tt.entries {
		tt.entries[i] = transEntry{}
	}
}

func (tt *TransTable) Read(key uint64) (depth, score, bound int, move common.Move, eval int, pvHit bool, ok bool) {
	var entry = &tt.entries[uint32(key)&tt.mask]
	if atomic.CompareAndSwapInt32(&entry.gate, 0, 1) {
		// bound 0 is no valid bound: it marks a slot never written or cleared
		if entry.key32 == uint32(key>>32) && entry.bound != 0 {
			entry.SetMoveAndDate(entry.Move(), tt.date)
			score = int(entry.score)
			eval = int(entry.eval)
			move = entry.Move()
			depth = int(entry.depth)
			bound = int(entry.bound &^ boundPV)
			pvHit = entry.bound&boundPV != 0
			ok = true
		}
		atomic.StoreInt32(&entry.gate, 0)
	}
	return
}

func (tt *TransTable) Update(key uint64, depth, score, bound int, move common.Move, eval int, pvHit bool) {
	var entry = &tt.entries[uint32(key)&tt.mask]
	if atomic.CompareAndSwapInt32(&entry.gate, 0, 1) {
		var replace bool
		if entry.key32 == uint32(key>>32) {
			replace = depth >= int(entry.depth)-3 || bound == BoundExact
		} else {
			replace = entry.Date() != tt.date ||
				depth >= int(entry.depth)
		}
		if replace {
			entry.key32 = uint32(key >> 32)
			entry.score = int16(score)
			entry.eval = int16(eval)
			entry.depth = int8(depth)
			entry.bound = uint8(bound)
			if pvHit {
				entry.bound |= boundPV
			}
			entry.SetMoveAndDate(move, tt.date)
		}
		atomic.StoreInt32(&entry.gate, 0)
	}
}
