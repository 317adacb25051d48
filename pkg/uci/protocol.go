package uci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/concord-engine/concord/pkg/cluster"
	"github.com/concord-engine/concord/pkg/common"
)

// Engine is the searching side of the protocol. Search must leave the
// thread pool stopped when it returns; the end-of-search drain waits for
// every rank's stop to be visible cluster-wide.
type Engine interface {
	Prepare()
	Clear()
	Search(ctx context.Context, searchParams common.SearchParams) common.SearchInfo
}

// Protocol runs the UCI loop of one rank. Every rank runs the same loop:
// the root reads the terminal and the cluster relays each line, so non-root
// ranks handle the identical command stream without touching stdin.
type Protocol struct {
	name         string
	author       string
	version      string
	options      []Option
	engine       Engine
	cluster      *cluster.Cluster
	position     string
	thinking     bool
	engineOutput chan common.SearchInfo
	cancel       context.CancelFunc
}

func New(name, author, version string, engine Engine, cl *cluster.Cluster, options []Option) *Protocol {
	return &Protocol{
		name:     name,
		author:   author,
		version:  version,
		engine:   engine,
		cluster:  cl,
		options:  options,
		position: "startpos",
	}
}

func (uci *Protocol) Run(logger zerolog.Logger) {
	var commands = make(chan string)

	go func() {
		defer close(commands)
		uci.readCommands(commands)
	}()

	var searchResult common.SearchInfo
	for {
		select {
		case si, ok := <-uci.engineOutput:
			if ok {
				if uci.cluster.IsRoot() {
					fmt.Println(searchInfoToUci(si, uci.cluster))
				}
				searchResult = si
			} else {
				uci.finishSearch(searchResult)
				uci.thinking = false
				uci.cancel = nil
				uci.engineOutput = nil
				searchResult = common.SearchInfo{}
			}
		case commandLine, ok := <-commands:
			if !ok {
				//uci quit
				return
			}
			var err = uci.handle(commandLine)
			if err != nil {
				logger.Error().Err(err).Str("command", commandLine).Msg("uci")
			}
		}
	}
}

func (uci *Protocol) readCommands(commands chan<- string) {
	var reader = bufio.NewReader(os.Stdin)
	for {
		var commandLine, ok = uci.cluster.GetLine(reader)
		if !ok || commandLine == "quit" {
			return
		}
		if commandLine != "" {
			commands <- commandLine
		}
	}
}

// finishSearch drains the signal and exchange loops, votes across the
// ranks and prints the winning move. The winner's principal variation
// replaces the local one on the root.
func (uci *Protocol) finishSearch(searchResult common.SearchInfo) {
	uci.cluster.SignalsSync()
	uci.cluster.SendRecvSync()
	var mi = cluster.MoveInfo{
		Depth: int32(searchResult.Depth),
		Score: int32(searchResult.Score.Centipawns),
		Rank:  int32(uci.cluster.Rank()),
	}
	var pvLine = mainLineString(searchResult.MainLine)
	if len(searchResult.MainLine) != 0 {
		mi.Move = searchResult.MainLine[0]
	}
	if len(searchResult.MainLine) > 1 {
		mi.Ponder = searchResult.MainLine[1]
	}
	uci.cluster.PickMoves(&mi, &pvLine)
	if !uci.cluster.IsRoot() {
		return
	}
	if mi.Move == common.MoveEmpty {
		return
	}
	fmt.Println(uci.cluster.ClusterInfo(int(mi.Depth)))
	if mi.Ponder != common.MoveEmpty {
		fmt.Printf("bestmove %v ponder %v\n", mi.Move, mi.Ponder)
	} else {
		fmt.Printf("bestmove %v\n", mi.Move)
	}
}

func (uci *Protocol) handle(commandLine string) error {
	var fields = strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil
	}
	var commandName = fields[0]
	fields = fields[1:]

	if uci.thinking {
		if commandName == "stop" {
			uci.cancel()
			return nil
		}
		return errors.New("search still run")
	}

	var h func(fields []string) error

	switch commandName {
	case "uci":
		h = uci.uciCommand
	case "setoption":
		h = uci.setOptionCommand
	case "isready":
		h = uci.isReadyCommand
	case "position":
		h = uci.positionCommand
	case "go":
		h = uci.goCommand
	case "ucinewgame":
		h = uci.uciNewGameCommand
	case "ponderhit":
		h = uci.ponderhitCommand
	}

	if h == nil {
		return errors.New("command not found")
	}

	return h(fields)
}

func (uci *Protocol) uciCommand(fields []string) error {
	if !uci.cluster.IsRoot() {
		return nil
	}
	fmt.Printf("id name %s %s\n", uci.name, uci.version)
	fmt.Printf("id author %s\n", uci.author)
	for _, option := range uci.options {
		fmt.Println(option.UciString())
	}
	fmt.Println("uciok")
	return nil
}

func (uci *Protocol) setOptionCommand(fields []string) error {
	if len(fields) < 4 {
		return errors.New("invalid setoption arguments")
	}
	var name, value = fields[1], fields[3]
	for _, option := range uci.options {
		if strings.EqualFold(option.UciName(), name) {
			return option.Set(value)
		}
	}
	return errors.New("unhandled option")
}

func (uci *Protocol) isReadyCommand(fields []string) error {
	uci.engine.Prepare()
	if uci.cluster.IsRoot() {
		fmt.Println("readyok")
	}
	return nil
}

func (uci *Protocol) positionCommand(fields []string) error {
	if len(fields) == 0 {
		return errors.New("invalid position arguments")
	}
	uci.position = strings.Join(fields, " ")
	return nil
}

func (uci *Protocol) goCommand(fields []string) error {
	var limits = parseLimits(fields)
	var ctx, cancel = context.WithCancel(context.TODO())
	uci.cancel = cancel
	uci.thinking = true
	uci.engineOutput = make(chan common.SearchInfo, 3)
	uci.cluster.SignalsInit()
	go func() {
		var searchResult = uci.engine.Search(ctx, common.SearchParams{
			Position: uci.position,
			Limits:   limits,
			Progress: func(si common.SearchInfo) {
				select {
				case uci.engineOutput <- si:
				default:
				}
			},
		})
		uci.engineOutput <- searchResult
		close(uci.engineOutput)
	}()
	return nil
}

func (uci *Protocol) uciNewGameCommand(fields []string) error {
	uci.engine.Clear()
	return nil
}

func (uci *Protocol) ponderhitCommand(fields []string) error {
	return errors.New("not implemented")
}

func mainLineString(moves []common.Move) string {
	var sb = &strings.Builder{}
	for i, move := range moves {
		if i != 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(move.String())
	}
	return sb.String()
}

// searchInfoToUci reports cluster-wide totals: nodes and tablebase hits
// include the lazily aggregated contribution of every other rank.
func searchInfoToUci(si common.SearchInfo, cl *cluster.Cluster) string {
	var sb = &strings.Builder{}
	fmt.Fprintf(sb, "info depth %v", si.Depth)
	if si.Score.Mate != 0 {
		fmt.Fprintf(sb, " score mate %v", si.Score.Mate)
	} else {
		fmt.Fprintf(sb, " score cp %v", si.Score.Centipawns)
	}
	var timeMs = si.Time.Milliseconds()
	var nodes = cl.NodesSearched()
	var nps = nodes * 1000 / uint64(timeMs+1)
	fmt.Fprintf(sb, " nodes %v time %v nps %v tbhits %v", nodes, timeMs, nps, cl.TbHits())
	if len(si.MainLine) != 0 {
		fmt.Fprintf(sb, " pv")
		for _, move := range si.MainLine {
			sb.WriteString(" ")
			sb.WriteString(move.String())
		}
	}
	return sb.String()
}

func parseLimits(args []string) (result common.LimitsType) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "ponder":
			result.Ponder = true
		case "wtime":
			result.WhiteTime, _ = strconv.Atoi(args[i+1])
			i++
		case "btime":
			result.BlackTime, _ = strconv.Atoi(args[i+1])
			i++
		case "winc":
			result.WhiteIncrement, _ = strconv.Atoi(args[i+1])
			i++
		case "binc":
			result.BlackIncrement, _ = strconv.Atoi(args[i+1])
			i++
		case "movestogo":
			result.MovesToGo, _ = strconv.Atoi(args[i+1])
			i++
		case "depth":
			result.Depth, _ = strconv.Atoi(args[i+1])
			i++
		case "nodes":
			result.Nodes, _ = strconv.Atoi(args[i+1])
			i++
		case "mate":
			result.Mate, _ = strconv.Atoi(args[i+1])
			i++
		case "movetime":
			result.MoveTime, _ = strconv.Atoi(args[i+1])
			i++
		case "infinite":
			result.Infinite = true
		}
	}
	return
}
