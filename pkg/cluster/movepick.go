package cluster

import (
	"encoding/binary"

	"github.com/concord-engine/concord/pkg/common"
)

// MoveInfo is one rank's candidate answer: best move, ponder move, achieved
// depth, score in centipawns and the rank that produced it. It crosses the
// wire as five little-endian int32 fields at the explicit offsets below, so
// peers agree on marshalling without padding surprises.
type MoveInfo struct {
	Move   common.Move
	Ponder common.Move
	Depth  int32
	Score  int32
	Rank   int32
}

const (
	moveInfoMoveOff   = 0
	moveInfoPonderOff = 4
	moveInfoDepthOff  = 8
	moveInfoScoreOff  = 12
	moveInfoRankOff   = 16
	moveInfoSize      = 20
)

func (mi *MoveInfo) encode() []byte {
	var buf = make([]byte, moveInfoSize)
	binary.LittleEndian.PutUint32(buf[moveInfoMoveOff:], uint32(mi.Move))
	binary.LittleEndian.PutUint32(buf[moveInfoPonderOff:], uint32(mi.Ponder))
	binary.LittleEndian.PutUint32(buf[moveInfoDepthOff:], uint32(mi.Depth))
	binary.LittleEndian.PutUint32(buf[moveInfoScoreOff:], uint32(mi.Score))
	binary.LittleEndian.PutUint32(buf[moveInfoRankOff:], uint32(mi.Rank))
	return buf
}

func (mi *MoveInfo) decode(buf []byte) {
	mi.Move = common.Move(binary.LittleEndian.Uint32(buf[moveInfoMoveOff:]))
	mi.Ponder = common.Move(binary.LittleEndian.Uint32(buf[moveInfoPonderOff:]))
	mi.Depth = int32(binary.LittleEndian.Uint32(buf[moveInfoDepthOff:]))
	mi.Score = int32(binary.LittleEndian.Uint32(buf[moveInfoScoreOff:]))
	mi.Rank = int32(binary.LittleEndian.Uint32(buf[moveInfoRankOff:]))
}

// voteBest selects the winner among the gathered candidates. Each rank
// votes for its move with weight (score - minScore) + depth: offsetting by
// the minimum score makes the vote translation invariant, and depth rewards
// search effort. Ties keep the earliest rank's candidate.
func voteBest(infos []MoveInfo) MoveInfo {
	var minScore = infos[0].Score
	for i := range infos {
		if infos[i].Score < minScore {
			minScore = infos[i].Score
		}
	}
	var votes = make(map[common.Move]int32)
	for i := range infos {
		votes[infos[i].Move] += infos[i].Score - minScore + infos[i].Depth
	}
	var best = infos[0]
	var bestVote = votes[best.Move]
	for i := range infos {
		if votes[infos[i].Move] > bestVote {
			bestVote = votes[infos[i].Move]
			best = infos[i]
		}
	}
	return best
}

// PickMoves gathers every rank's candidate at the root, votes, and makes
// the winner known to all ranks. If the winner is not the root, the winning
// rank ships its principal variation to the root for output. On return
// every rank holds the same MoveInfo.
func (c *Cluster) PickMoves(mi *MoveInfo, pvLine *string) {
	if c.tr == nil {
		return
	}

	var parts = c.tr.gather(moveComm, 0, mi.encode())
	if c.IsRoot() {
		var infos = make([]MoveInfo, c.size)
		for i := range parts {
			infos[i].decode(parts[i])
		}
		*mi = voteBest(infos)
	}

	mi.decode(c.tr.bcast(moveComm, 0, mi.encode()))

	if mi.Rank != 0 && int(mi.Rank) == c.rank {
		var payload = []byte(*pvLine)
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
		c.tr.send(moveComm, 0, tagExchange, lenBuf[:])
		c.tr.send(moveComm, 0, tagExchange, payload)
	}
	if mi.Rank != 0 && c.IsRoot() {
		var lenBuf = c.tr.recv(moveComm, int(mi.Rank), tagExchange)
		var length = binary.LittleEndian.Uint32(lenBuf)
		var payload = c.tr.recv(moveComm, int(mi.Rank), tagExchange)
		*pvLine = string(payload[:length])
	}
}
