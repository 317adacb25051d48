package cluster

import (
	"bufio"
	"encoding/binary"
	"io"
	"strings"
	"time"
)

// inputPollInterval is the sleep between completion tests on non-root
// ranks. Polling coarsely instead of busy-waiting matters: the UCI thread
// of a non-root rank blocks only here, and it must yield the CPU to the
// search threads.
const inputPollInterval = 10 * time.Millisecond

// GetLine reads one command line on the root rank and relays it to every
// other rank, so all ranks see the same command stream. The returned flag
// has the semantics of a local line read: false once the input is
// exhausted.
func (c *Cluster) GetLine(input *bufio.Reader) (string, bool) {
	if c.tr == nil {
		return readLine(input)
	}

	var line string
	var state bool
	var lenBuf [4]byte
	if c.IsRoot() {
		line, state = readLine(input)
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(line)))
	}

	var req = c.tr.ibcast(inputComm, 0, lenBuf[:])
	if c.IsRoot() {
		req.wait()
	} else {
		for !req.test() {
			time.Sleep(inputPollInterval)
		}
		copy(lenBuf[:], req.data)
	}

	var payload = c.tr.bcast(inputComm, 0, []byte(line))
	var stateByte byte
	if state {
		stateByte = 1
	}
	var stateBuf = c.tr.bcast(inputComm, 0, []byte{stateByte})

	if !c.IsRoot() {
		var length = binary.LittleEndian.Uint32(lenBuf[:])
		line = string(payload[:length])
		state = stateBuf[0] != 0
	}
	return line, state
}

// readLine mirrors getline: it fails only when no characters could be
// extracted.
func readLine(input *bufio.Reader) (string, bool) {
	var line, err = input.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", false
	}
	if err == io.EOF && len(line) == 0 {
		return "", false
	}
	return strings.TrimRight(line, "\r\n"), true
}
