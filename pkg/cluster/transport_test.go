package cluster

import (
	"bytes"
	"fmt"
	"testing"
)

func TestTransportPointToPointFIFO(t *testing.T) {
	var clusters, _, _ = newTestClusters(t, 2)
	var a, b = clusters[0].tr, clusters[1].tr

	const n = 100
	for i := 0; i < n; i++ {
		a.send(ttComm, 1, 7, []byte(fmt.Sprintf("msg-%v", i)))
	}
	for i := 0; i < n; i++ {
		var got = b.recv(ttComm, 0, 7)
		var want = fmt.Sprintf("msg-%v", i)
		if string(got) != want {
			t.Fatalf("message %v: got %q, want %q", i, got, want)
		}
	}
}

func TestTransportChannelIsolation(t *testing.T) {
	var clusters, _, _ = newTestClusters(t, 2)
	var a, b = clusters[0].tr, clusters[1].tr

	// same tag, different channels: receives must match channels, not
	// posting order
	a.send(ttComm, 1, 42, []byte("tt"))
	a.send(moveComm, 1, 42, []byte("move"))
	a.send(inputComm, 1, 42, []byte("input"))

	if got := b.recv(moveComm, 0, 42); string(got) != "move" {
		t.Fatalf("moveComm got %q", got)
	}
	if got := b.recv(inputComm, 0, 42); string(got) != "input" {
		t.Fatalf("inputComm got %q", got)
	}
	if got := b.recv(ttComm, 0, 42); string(got) != "tt" {
		t.Fatalf("ttComm got %q", got)
	}
}

func TestTransportTagIsolation(t *testing.T) {
	var clusters, _, _ = newTestClusters(t, 2)
	var a, b = clusters[0].tr, clusters[1].tr

	a.send(ttComm, 1, 1, []byte("one"))
	a.send(ttComm, 1, 2, []byte("two"))

	if got := b.recv(ttComm, 0, 2); string(got) != "two" {
		t.Fatalf("tag 2 got %q", got)
	}
	if got := b.recv(ttComm, 0, 1); string(got) != "one" {
		t.Fatalf("tag 1 got %q", got)
	}
}

func TestTransportIsendIrecv(t *testing.T) {
	var clusters, _, _ = newTestClusters(t, 2)
	var a, b = clusters[0].tr, clusters[1].tr

	var req = b.irecv(ttComm, 0, 9)
	var sreq = a.isend(ttComm, 1, 9, []byte("payload"))
	sreq.wait()
	if got := req.wait(); string(got) != "payload" {
		t.Fatalf("got %q", got)
	}
	if !req.test() || !sreq.test() {
		t.Fatal("completed requests must test true")
	}
	var nilReq *request
	if !nilReq.test() {
		t.Fatal("nil request must test true")
	}
}

func TestTransportAllreduceSum(t *testing.T) {
	var clusters, _, _ = newTestClusters(t, 4)
	var results = make([][]uint64, 4)
	eachRank(t, clusters, func(c *Cluster) {
		var send = []uint64{uint64(c.rank + 1), 100}
		results[c.rank] = decodeU64s(c.tr.iallreduce(signalsComm, send, reduceSum).wait())
	})
	for rank, got := range results {
		if got[0] != 1+2+3+4 || got[1] != 400 {
			t.Fatalf("rank %v reduced to %v", rank, got)
		}
	}
}

func TestTransportAllreduceMax(t *testing.T) {
	var clusters, _, _ = newTestClusters(t, 3)
	var results = make([]uint64, 3)
	eachRank(t, clusters, func(c *Cluster) {
		results[c.rank] = c.tr.allreduceMax(moveComm, uint64(10*(c.rank+1)))
	})
	for rank, got := range results {
		if got != 30 {
			t.Fatalf("rank %v max %v, want 30", rank, got)
		}
	}
}

func TestTransportGatherAndBcast(t *testing.T) {
	var clusters, _, _ = newTestClusters(t, 3)
	var gathered = make([][][]byte, 3)
	var broadcast = make([][]byte, 3)
	eachRank(t, clusters, func(c *Cluster) {
		gathered[c.rank] = c.tr.gather(moveComm, 0, []byte{byte(c.rank)})
		broadcast[c.rank] = c.tr.bcast(moveComm, 0, []byte("winner"))
	})
	for rank := 1; rank < 3; rank++ {
		if gathered[rank] != nil {
			t.Fatalf("rank %v gathered a non-nil result", rank)
		}
	}
	for rank, part := range gathered[0] {
		if !bytes.Equal(part, []byte{byte(rank)}) {
			t.Fatalf("root gathered %v from rank %v", part, rank)
		}
	}
	for rank := 0; rank < 3; rank++ {
		if string(broadcast[rank]) != "winner" {
			t.Fatalf("rank %v broadcast %q", rank, broadcast[rank])
		}
	}
}

func TestTransportEmptyPayload(t *testing.T) {
	var clusters, _, _ = newTestClusters(t, 2)
	var a, b = clusters[0].tr, clusters[1].tr

	a.send(inputComm, 1, 3, nil)
	if got := b.recv(inputComm, 0, 3); len(got) != 0 {
		t.Fatalf("got %v bytes, want 0", len(got))
	}
}
