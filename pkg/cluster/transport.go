package cluster

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// The four channels of the coordination layer. Messages posted on one
// channel are never matched by a receive on another, which is what makes
// concurrent collectives on different channels safe.
type comm uint8

const (
	inputComm comm = iota
	ttComm
	moveComm
	signalsComm
	numComms
)

func (c comm) String() string {
	switch c {
	case inputComm:
		return "input"
	case ttComm:
		return "tt"
	case moveComm:
		return "move"
	case signalsComm:
		return "signals"
	}
	return "unknown"
}

// Tags at or above collTagBase are reserved for collectives; point-to-point
// users stay below it (the TT ring and the PV transfer use tag 42).
const collTagBase = 1 << 20

var handshakeMagic = [4]byte{'C', 'C', 'R', 'D'}

// frame header: comm(1) tag(4) source(4) length(4), little endian.
const frameHeaderSize = 13

// transport is a full mesh of TCP connections carrying tagged messages on
// isolated channels. It is safe for concurrent use from any goroutine, so
// the thread-multiple requirement of the layer holds by construction.
type transport struct {
	rank   int
	size   int
	launch uuid.UUID
	log    zerolog.Logger
	peers  []*peer
	box    *mailbox
	// collSeq numbers successive collectives per channel. Every rank calls
	// the collectives of one channel in the same order, so equal sequence
	// numbers denote the same operation.
	collSeq [numComms]uint32
	collMu  [numComms]sync.Mutex
}

type peer struct {
	conn net.Conn
	wmu  sync.Mutex
}

type matchKey struct {
	ch     comm
	source int32
	tag    int32
}

// mailbox demultiplexes incoming frames into per-(channel, source, tag)
// FIFO queues. One reader goroutine per connection keeps per-key order.
type mailbox struct {
	mu     sync.Mutex
	queues map[matchKey][][]byte
	waits  map[matchKey][]chan []byte
}

func newMailbox() *mailbox {
	return &mailbox{
		queues: make(map[matchKey][][]byte),
		waits:  make(map[matchKey][]chan []byte),
	}
}

func (box *mailbox) deliver(key matchKey, payload []byte) {
	box.mu.Lock()
	if waiters := box.waits[key]; len(waiters) != 0 {
		var ch = waiters[0]
		box.waits[key] = waiters[1:]
		box.mu.Unlock()
		ch <- payload
		return
	}
	box.queues[key] = append(box.queues[key], payload)
	box.mu.Unlock()
}

func (box *mailbox) recv(key matchKey) []byte {
	box.mu.Lock()
	if queue := box.queues[key]; len(queue) != 0 {
		var payload = queue[0]
		box.queues[key] = queue[1:]
		box.mu.Unlock()
		return payload
	}
	var ch = make(chan []byte, 1)
	box.waits[key] = append(box.waits[key], ch)
	box.mu.Unlock()
	return <-ch
}

// connectMesh brings up the connection mesh: every rank listens on its own
// address, dials every higher rank and accepts from every lower one. The
// handshake carries a launch id so ranks of different runs cannot join.
func connectMesh(cfg Config, ln net.Listener, logger zerolog.Logger) (*transport, error) {
	var tr = &transport{
		rank:   cfg.Rank,
		size:   len(cfg.Hosts),
		launch: cfg.Launch,
		log:    logger,
		peers:  make([]*peer, len(cfg.Hosts)),
		box:    newMailbox(),
	}

	var g errgroup.Group
	var mu sync.Mutex

	g.Go(func() error {
		for accepted := 0; accepted < tr.rank; accepted++ {
			var conn, err = ln.Accept()
			if err != nil {
				return err
			}
			var remote int
			remote, err = tr.acceptHandshake(conn)
			if err != nil {
				conn.Close()
				return err
			}
			mu.Lock()
			if tr.peers[remote] != nil {
				mu.Unlock()
				conn.Close()
				return fmt.Errorf("duplicate connection from rank %v", remote)
			}
			tr.peers[remote] = &peer{conn: conn}
			mu.Unlock()
		}
		return nil
	})

	for r := tr.rank + 1; r < tr.size; r++ {
		var r = r
		g.Go(func() error {
			var conn, err = dialPeer(cfg.Hosts[r], cfg.DialTimeout)
			if err != nil {
				return err
			}
			if err = tr.sendHandshake(conn); err != nil {
				conn.Close()
				return err
			}
			mu.Lock()
			tr.peers[r] = &peer{conn: conn}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		tr.close()
		return nil, err
	}

	for r, p := range tr.peers {
		if r == tr.rank {
			continue
		}
		go tr.readLoop(int32(r), p.conn)
	}
	return tr, nil
}

// dialPeer retries until the peer's listener is up or the timeout expires;
// ranks of one launch start at different times.
func dialPeer(addr string, timeout time.Duration) (net.Conn, error) {
	var deadline = time.Now().Add(timeout)
	for {
		var conn, err = net.DialTimeout("tcp", addr, timeout)
		if err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("dial %v: %w", addr, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (tr *transport) sendHandshake(conn net.Conn) error {
	var buf [4 + 16 + 4]byte
	copy(buf[0:4], handshakeMagic[:])
	copy(buf[4:20], tr.launch[:])
	binary.LittleEndian.PutUint32(buf[20:24], uint32(tr.rank))
	var _, err = conn.Write(buf[:])
	return err
}

func (tr *transport) acceptHandshake(conn net.Conn) (int, error) {
	var buf [4 + 16 + 4]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return 0, err
	}
	if [4]byte(buf[0:4]) != handshakeMagic {
		return 0, errors.New("handshake: bad magic")
	}
	var launch = uuid.UUID(buf[4:20])
	if launch != tr.launch {
		return 0, fmt.Errorf("handshake: launch %v does not match %v", launch, tr.launch)
	}
	var remote = int(binary.LittleEndian.Uint32(buf[20:24]))
	if remote < 0 || remote >= tr.size || remote == tr.rank {
		return 0, fmt.Errorf("handshake: bad rank %v", remote)
	}
	return remote, nil
}

func (tr *transport) readLoop(source int32, conn net.Conn) {
	var header [frameHeaderSize]byte
	for {
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			tr.fatal("read", err)
		}
		var ch = comm(header[0])
		var tag = int32(binary.LittleEndian.Uint32(header[1:5]))
		var from = int32(binary.LittleEndian.Uint32(header[5:9]))
		var length = binary.LittleEndian.Uint32(header[9:13])
		var payload []byte
		if length != 0 {
			payload = make([]byte, length)
			if _, err := io.ReadFull(conn, payload); err != nil {
				tr.fatal("read", err)
			}
		}
		if from != source {
			tr.fatal("read", fmt.Errorf("frame from rank %v on connection of rank %v", from, source))
		}
		tr.box.deliver(matchKey{ch: ch, source: source, tag: tag}, payload)
	}
}

// A stuck or failed peer is catastrophic: a silent bad result is worse than
// a crash in a tournament process.
func (tr *transport) fatal(op string, err error) {
	tr.log.Fatal().Err(err).Str("op", op).Msg("cluster transport failure")
}

func (tr *transport) send(ch comm, dst int, tag int32, payload []byte) {
	var p = tr.peers[dst]
	var header [frameHeaderSize]byte
	header[0] = byte(ch)
	binary.LittleEndian.PutUint32(header[1:5], uint32(tag))
	binary.LittleEndian.PutUint32(header[5:9], uint32(tr.rank))
	binary.LittleEndian.PutUint32(header[9:13], uint32(len(payload)))
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if _, err := p.conn.Write(header[:]); err != nil {
		tr.fatal("send", err)
	}
	if len(payload) != 0 {
		if _, err := p.conn.Write(payload); err != nil {
			tr.fatal("send", err)
		}
	}
}

func (tr *transport) recv(ch comm, src int, tag int32) []byte {
	return tr.box.recv(matchKey{ch: ch, source: int32(src), tag: tag})
}

func (tr *transport) isend(ch comm, dst int, tag int32, payload []byte) *request {
	var req = newRequest()
	go func() {
		tr.send(ch, dst, tag, payload)
		req.complete(nil)
	}()
	return req
}

func (tr *transport) irecv(ch comm, src int, tag int32) *request {
	var req = newRequest()
	go func() {
		req.complete(tr.recv(ch, src, tag))
	}()
	return req
}

func (tr *transport) close() {
	for _, p := range tr.peers {
		if p != nil {
			p.conn.Close()
		}
	}
}

// request is the {outstanding, done} state machine behind every
// non-blocking operation.
type request struct {
	done chan struct{}
	data []byte
}

func newRequest() *request {
	return &request{done: make(chan struct{})}
}

func (req *request) complete(data []byte) {
	req.data = data
	close(req.done)
}

// test reports completion without blocking. A nil request counts as
// complete, mirroring a null handle.
func (req *request) test() bool {
	if req == nil {
		return true
	}
	select {
	case <-req.done:
		return true
	default:
		return false
	}
}

func (req *request) wait() []byte {
	if req == nil {
		return nil
	}
	<-req.done
	return req.data
}
