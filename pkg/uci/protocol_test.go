package uci

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/concord-engine/concord/pkg/cluster"
	"github.com/concord-engine/concord/pkg/common"
	"github.com/concord-engine/concord/pkg/engine"
)

type fakeEngine struct {
	host      *engine.Host
	prepared  bool
	cleared   bool
	lastParam common.SearchParams
}

func (e *fakeEngine) Prepare() {
	e.prepared = true
	e.host.Prepare()
}

func (e *fakeEngine) Clear() {
	e.cleared = true
	e.host.Clear()
}

func (e *fakeEngine) Search(ctx context.Context, searchParams common.SearchParams) common.SearchInfo {
	e.lastParam = searchParams
	var move, _ = common.ParseMove("e2e4")
	return common.SearchInfo{
		Depth:    12,
		Score:    common.UciScore{Centipawns: 35},
		MainLine: []common.Move{move},
	}
}

func newTestProtocol(t *testing.T) (*Protocol, *fakeEngine, *engine.Host, *cluster.Cluster) {
	t.Helper()
	var cl, err = cluster.New(cluster.Config{}, zerolog.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	var host = engine.NewHost(cl)
	host.Prepare()
	var eng = &fakeEngine{host: host}
	var p = New("Concord", "authors", "test", eng, cl, []Option{
		&IntOption{Name: "Hash", Min: 4, Max: 1 << 16, Value: &host.Options.Hash},
		&IntOption{Name: "Threads", Min: 1, Max: 128, Value: &host.Options.Threads},
	})
	return p, eng, host, cl
}

func TestHandlePosition(t *testing.T) {
	var p, _, _, _ = newTestProtocol(t)
	if err := p.handle("position fen 8/8/8/8/8/8/8/8 w - - 0 1 moves e2e4"); err != nil {
		t.Fatal(err)
	}
	if p.position != "fen 8/8/8/8/8/8/8/8 w - - 0 1 moves e2e4" {
		t.Fatalf("position %q", p.position)
	}
	if err := p.handle("position"); err == nil {
		t.Fatal("bare position accepted")
	}
}

func TestHandleIsReady(t *testing.T) {
	var p, eng, _, _ = newTestProtocol(t)
	if err := p.handle("isready"); err != nil {
		t.Fatal(err)
	}
	if !eng.prepared {
		t.Fatal("isready did not prepare the engine")
	}
}

func TestHandleSetOption(t *testing.T) {
	var p, _, host, _ = newTestProtocol(t)
	if err := p.handle("setoption name Hash value 8"); err != nil {
		t.Fatal(err)
	}
	if err := p.handle("setoption name Threads value 2"); err != nil {
		t.Fatal(err)
	}
	// options take effect on the next prepare
	if err := p.handle("isready"); err != nil {
		t.Fatal(err)
	}
	if got := host.TransTable().Size(); got != 8 {
		t.Fatalf("table size %v, want 8", got)
	}
	if got := host.Pool().ThreadCount(); got != 2 {
		t.Fatalf("thread count %v, want 2", got)
	}
	if err := p.handle("setoption name Hash value 1"); err == nil {
		t.Fatal("out-of-range hash accepted")
	}
	if err := p.handle("setoption name Unknown value 1"); err == nil {
		t.Fatal("unknown option accepted")
	}
}

func TestHandleUnknownCommand(t *testing.T) {
	var p, _, _, _ = newTestProtocol(t)
	if err := p.handle("rubbish"); err == nil {
		t.Fatal("unknown command accepted")
	}
}

func TestGoPassesPositionThrough(t *testing.T) {
	var p, eng, _, _ = newTestProtocol(t)
	if err := p.handle("position startpos moves e2e4 e7e5"); err != nil {
		t.Fatal(err)
	}
	if err := p.handle("go depth 10"); err != nil {
		t.Fatal(err)
	}
	// the search runs in the background; drain its output
	for range p.engineOutput {
	}
	if eng.lastParam.Position != "startpos moves e2e4 e7e5" {
		t.Fatalf("search saw position %q", eng.lastParam.Position)
	}
	if eng.lastParam.Limits.Depth != 10 {
		t.Fatalf("search saw depth %v", eng.lastParam.Limits.Depth)
	}
}

func TestParseLimits(t *testing.T) {
	var limits = parseLimits(strings.Fields("wtime 60000 btime 50000 winc 1000 binc 900 movestogo 40"))
	if limits.WhiteTime != 60000 || limits.BlackTime != 50000 ||
		limits.WhiteIncrement != 1000 || limits.BlackIncrement != 900 ||
		limits.MovesToGo != 40 {
		t.Fatalf("parsed %+v", limits)
	}
	limits = parseLimits(strings.Fields("infinite"))
	if !limits.Infinite {
		t.Fatal("infinite not parsed")
	}
	limits = parseLimits(strings.Fields("movetime 3000"))
	if limits.MoveTime != 3000 {
		t.Fatalf("movetime %v", limits.MoveTime)
	}
}

func TestSearchInfoToUci(t *testing.T) {
	var _, _, _, cl = newTestProtocol(t)
	var move, _ = common.ParseMove("e2e4")
	var si = common.SearchInfo{
		Depth:    10,
		Score:    common.UciScore{Centipawns: 25},
		Time:     time.Second,
		MainLine: []common.Move{move},
	}
	var line = searchInfoToUci(si, cl)
	if !strings.HasPrefix(line, "info depth 10 score cp 25 nodes ") {
		t.Fatalf("line %q", line)
	}
	if !strings.HasSuffix(line, " pv e2e4") {
		t.Fatalf("line %q", line)
	}

	si.Score = common.UciScore{Mate: 3}
	line = searchInfoToUci(si, cl)
	if !strings.Contains(line, "score mate 3") {
		t.Fatalf("line %q", line)
	}
}

func TestMainLineString(t *testing.T) {
	var e2e4, _ = common.ParseMove("e2e4")
	var e7e5, _ = common.ParseMove("e7e5")
	if got := mainLineString([]common.Move{e2e4, e7e5}); got != "e2e4 e7e5" {
		t.Fatalf("pv %q", got)
	}
	if got := mainLineString(nil); got != "" {
		t.Fatalf("pv %q", got)
	}
}
