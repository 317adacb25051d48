package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/concord-engine/concord/pkg/cluster"
	"github.com/concord-engine/concord/pkg/common"
	"github.com/concord-engine/concord/pkg/engine"
)

// clustercheck verifies a cluster deployment before a tournament: it brings
// the mesh up, runs the signal loop, pushes a few TT exchange rounds around
// the ring, votes on a move, and reports the totals every rank agreed on.

var (
	flgHostfile  string
	flgRank      int
	flgLocal     int
	flgBasePort  int
	flgWriteFile int
)

func main() {
	flag.StringVar(&flgHostfile, "hostfile", "", "path to the shared hostfile")
	flag.IntVar(&flgRank, "rank", -1, "rank of this process with -hostfile (default: CONCORD_RANK)")
	flag.IntVar(&flgLocal, "local", 0, "run N ranks in-process over loopback")
	flag.IntVar(&flgBasePort, "base-port", 29100, "first port for -local and -write-hostfile")
	flag.IntVar(&flgWriteFile, "write-hostfile", 0, "print a fresh hostfile for N local ranks and exit")
	flag.Parse()

	var logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	logger.Info().
		Str("runtime", runtime.Version()).
		Str("goarch", runtime.GOARCH).
		Str("goos", runtime.GOOS).
		Int("numcpu", runtime.NumCPU()).
		Msg("clustercheck")

	if flgWriteFile > 0 {
		var hf = cluster.NewHostfile(localHosts(flgWriteFile))
		var data, err = hf.Marshal()
		if err != nil {
			logger.Fatal().Err(err).Msg("write hostfile")
		}
		fmt.Println(string(data))
		return
	}

	if flgLocal > 0 {
		runLocal(flgLocal, logger)
		return
	}

	var cfg, err = loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("bad launch configuration")
	}
	if err = runCheck(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("clustercheck failed")
	}
}

func loadConfig() (cluster.Config, error) {
	if flgHostfile != "" {
		var rank = flgRank
		if rank < 0 {
			var cfg, err = cluster.ConfigFromEnv()
			if err != nil {
				return cluster.Config{}, err
			}
			rank = cfg.Rank
		}
		return cluster.LoadHostfile(flgHostfile, rank)
	}
	return cluster.ConfigFromEnv()
}

func localHosts(n int) []string {
	var hosts = make([]string, n)
	for i := range hosts {
		hosts[i] = fmt.Sprintf("127.0.0.1:%v", flgBasePort+i)
	}
	return hosts
}

// runLocal exercises the full stack with N ranks inside one process, which
// needs no launcher at all.
func runLocal(n int, logger zerolog.Logger) {
	var hosts = localHosts(n)
	var launch = uuid.New()
	var g errgroup.Group
	for rank := 0; rank < n; rank++ {
		var cfg = cluster.Config{
			Rank:        rank,
			Hosts:       hosts,
			Launch:      launch,
			DialTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			return runCheck(cfg, logger.With().Int("rank", cfg.Rank).Logger())
		})
	}
	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("clustercheck failed")
	}
}

func runCheck(cfg cluster.Config, logger zerolog.Logger) error {
	var cl, err = cluster.New(cfg, logger)
	if err != nil {
		return err
	}
	defer cl.Close()

	var host = engine.NewHost(cl)
	host.Prepare()
	var pool = host.Pool()

	pool.StartSearch()
	cl.SignalsInit()

	// Fake a little search activity so the reductions move real numbers.
	var localNodes = uint64(1000 * (cl.Rank() + 1))
	pool.Thread(0).AddNodes(localNodes)

	for i := 0; i < 3; i++ {
		cl.SignalsPoll()
		time.Sleep(20 * time.Millisecond)
	}

	// Push deep entries through the hot-path save until the ring turns.
	var tc = cl.ThreadCache(0)
	for i := 0; i < 4*cluster.TTCacheSize; i++ {
		var key = uint64(cl.Rank()+1)<<32 | uint64(i)
		var move = common.MakeMove(i%64, (i+8)%64, common.Knight, common.Empty)
		cl.Save(tc, key, 100+i, 90, 5+i%20, engine.BoundExact, move, false)
		pool.Thread(0).AddTTSave()
	}

	pool.SetStop()
	cl.SignalsSync()
	cl.SendRecvSync()

	var mi = cluster.MoveInfo{
		Depth: int32(20 + cl.Rank()),
		Score: int32(50 + 10*cl.Rank()),
		Rank:  int32(cl.Rank()),
	}
	mi.Move, _ = common.ParseMove("e2e4")
	mi.Ponder, _ = common.ParseMove("e7e5")
	var pvLine = "e2e4 e7e5"
	cl.PickMoves(&mi, &pvLine)

	var wantNodes = uint64(0)
	for r := 0; r < cl.Size(); r++ {
		wantNodes += uint64(1000 * (r + 1))
	}
	var gotNodes = cl.NodesSearched()
	if gotNodes != wantNodes {
		return fmt.Errorf("nodes %v, want %v", gotNodes, wantNodes)
	}

	logger.Info().
		Uint64("nodes", gotNodes).
		Str("bestmove", mi.Move.String()).
		Int32("winner", mi.Rank).
		Msg("cluster agrees")
	if cl.IsRoot() {
		fmt.Println(cl.ClusterInfo(int(mi.Depth)))
	}
	return nil
}
