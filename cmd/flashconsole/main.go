// Command flashconsole is an interactive explorer over the state stream of a flashd node.
// Queries are answered from the latest reconstructed state; routes are quoted against a
// local replica, so nothing is sent back to the node.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/defistate/flashliquidity-go/cmd/flashwatch/config"
	"github.com/defistate/flashliquidity-go/engine"
	"github.com/defistate/flashliquidity-go/ledger"
	"github.com/defistate/flashliquidity-go/protocol"
	"github.com/defistate/flashliquidity-go/router"
	"github.com/defistate/flashliquidity-go/snapshot"
	"github.com/defistate/flashliquidity-go/streams/jsonrpc/client"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

// --- VISUAL CONSTANTS ---
const (
	Reset  = "\033[0m"
	Bold   = "\033[1m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Cyan   = "\033[36m"
	Gray   = "\033[37m"
)

// header prints a styled section header
func header(w io.Writer, title string) {
	fmt.Fprintln(w, "\n"+Bold+Cyan+":: "+title+" ::"+Reset)
}

// SafeState is a thread-safe container for the latest streamed state.
type SafeState struct {
	mu    sync.RWMutex
	state *snapshot.State
}

func (s *SafeState) Update(newState *snapshot.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = newState
}

func (s *SafeState) Get() *snapshot.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

type console struct {
	state  *SafeState
	router protocol.RouterConfig
	in     *bufio.Reader
	out    io.Writer
}

func main() {
	// --- 1. SETUP LOGGING (To File) ---
	logFile, err := os.OpenFile("console.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer logFile.Close()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	rootLogger := slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	closeApp := func() {
		fmt.Println("\n" + Red + "Fatal error occurred. Check console.log for details." + Reset)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- 2. INITIALIZE CLIENT ---
	c, err := client.NewClient(ctx, client.Config{
		URL:        cfg.StateStreamURL,
		Logger:     rootLogger.With("component", "jsonrpc-client"),
		BufferSize: cfg.BufferSize,
	})
	if err != nil {
		rootLogger.Error("Failed to initialize Client", "url", cfg.StateStreamURL, "error", err)
		closeApp()
	}

	// --- 3. START CONSOLE & STATE LOOP ---
	con := &console{
		state:  &SafeState{},
		router: cfg.Router,
		in:     bufio.NewReader(os.Stdin),
		out:    os.Stdout,
	}
	fmt.Println(Green + "Starting flash liquidity console..." + Reset)
	fmt.Println("Logs are being written to 'console.log'")
	go con.run(ctx)

	for {
		select {
		case n := <-c.State():
			con.state.Update(n)
		case err := <-c.Err():
			rootLogger.Error("Fatal client error", "error", err)
			closeApp()
		case <-ctx.Done():
			fmt.Println("\n" + Yellow + "Shutting down..." + Reset)
			return
		}
	}
}

func loadConfig() (*config.WatchConfig, error) {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file.")
	flag.Parse()
	log.Printf("Loading configuration from: %s", *configPath)
	return config.LoadConfig(*configPath)
}

// run handles user input and display.
func (c *console) run(ctx context.Context) {
	time.Sleep(500 * time.Millisecond)
	for ctx.Err() == nil {
		c.printMenu()
		fmt.Fprint(c.out, Bold+"Enter selection: "+Reset)
		input, err := c.in.ReadString('\n')
		if err != nil {
			fmt.Fprintln(c.out, "Error reading input:", err)
			return
		}
		if !c.handle(strings.TrimSpace(input)) {
			return
		}
		fmt.Fprintln(c.out, "\n"+Gray+"[Press Enter to continue]"+Reset)
		c.in.ReadString('\n')
	}
}

func (c *console) printMenu() {
	fmt.Fprint(c.out, "\033[H\033[2J") // Clear screen
	fmt.Fprintln(c.out, Bold+"FLASH LIQUIDITY CONSOLE"+Reset)
	fmt.Fprintln(c.out, Gray+"-----------------------------------"+Reset)
	fmt.Fprintf(c.out, " %s1.%s State Info\n", Cyan, Reset)
	fmt.Fprintf(c.out, " %s2.%s Pools\n", Cyan, Reset)
	fmt.Fprintf(c.out, " %s3.%s Find Pools %s(by Token Address)%s\n", Cyan, Reset, Gray, Reset)
	fmt.Fprintf(c.out, " %s4.%s Flash Liquidity\n", Cyan, Reset)
	fmt.Fprintf(c.out, " %s5.%s Route      %s(Local Replica)%s\n", Cyan, Reset, Gray, Reset)
	fmt.Fprintln(c.out, Gray+"-----------------------------------"+Reset)
	fmt.Fprintf(c.out, " %sq.%s Quit\n", Red, Reset)
	fmt.Fprintln(c.out, "")
}

// handle runs one menu command and reports whether the console should keep going.
func (c *console) handle(input string) bool {
	if input == "q" {
		return false
	}
	state := c.state.Get()
	if state == nil {
		fmt.Fprintln(c.out, "\n"+Yellow+"[INFO] Waiting for first state update... (Check connection/logs)"+Reset)
		return true
	}

	switch input {
	case "1":
		printStateInfo(c.out, state)
	case "2":
		printPools(c.out, state, nil)
	case "3":
		token, err := c.readAddress("[Find Pools] Enter Token Address (Hex): ")
		if err != nil {
			fmt.Fprintln(c.out, Red+err.Error()+Reset)
			return true
		}
		printPools(c.out, state, &token)
	case "4":
		printFlash(c.out, state)
	case "5":
		c.findRoute(state)
	default:
		fmt.Fprintln(c.out, Red+"Unknown command."+Reset)
	}
	return true
}

func (c *console) readLine(prompt string) (string, error) {
	fmt.Fprint(c.out, "\n"+Bold+prompt+Reset)
	line, err := c.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (c *console) readAddress(prompt string) (common.Address, error) {
	line, err := c.readLine(prompt)
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(line) {
		return common.Address{}, fmt.Errorf("invalid address %q", line)
	}
	return common.HexToAddress(line), nil
}

func (c *console) findRoute(state *snapshot.State) {
	tokenIn, err := c.readAddress("[Route] Token In: ")
	if err != nil {
		fmt.Fprintln(c.out, Red+err.Error()+Reset)
		return
	}
	tokenOut, err := c.readAddress("[Route] Token Out (same as in for cycles): ")
	if err != nil {
		fmt.Fprintln(c.out, Red+err.Error()+Reset)
		return
	}
	line, err := c.readLine("[Route] Amount In (decimal): ")
	if err != nil {
		fmt.Fprintln(c.out, Red+err.Error()+Reset)
		return
	}
	amount, err := uint256.FromDecimal(line)
	if err != nil {
		fmt.Fprintln(c.out, Red+"Invalid amount: "+err.Error()+Reset)
		return
	}
	line, err = c.readLine(fmt.Sprintf("[Route] Max Hops (1-%d): ", router.MaxHops))
	if err != nil {
		fmt.Fprintln(c.out, Red+err.Error()+Reset)
		return
	}
	hops, err := strconv.Atoi(line)
	if err != nil {
		fmt.Fprintln(c.out, Red+"Invalid hop count."+Reset)
		return
	}

	start := time.Now()
	path, err := quote(state, c.router, tokenIn, tokenOut, amount, hops)
	if err != nil {
		fmt.Fprintln(c.out, Red+"No route: "+err.Error()+Reset)
		return
	}
	printPath(c.out, path, time.Since(start))
}

// replicate rebuilds a protocol from a streamed state. The replica never commits back
// anywhere; it exists to run quotes against.
func replicate(state *snapshot.State, rc protocol.RouterConfig) (*protocol.Protocol, error) {
	return protocol.NewFromSnapshot(protocol.Config{
		Owner:   state.Registry.Meta.Owner,
		Router:  rc,
		Ledger:  ledger.NewMemoryFromView(state.Ledger),
		Metrics: prometheus.NewRegistry(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, state)
}

func quote(state *snapshot.State, rc protocol.RouterConfig, tokenIn, tokenOut engine.Asset, amount *uint256.Int, maxHops int) (router.Path, error) {
	p, err := replicate(state, rc)
	if err != nil {
		return router.Path{}, err
	}
	return p.FindBestPath(tokenIn, tokenOut, amount, maxHops)
}

func printStateInfo(w io.Writer, state *snapshot.State) {
	ts := time.Unix(0, int64(state.Timestamp)).Format("15:04:05")
	fmt.Fprintf(w, "\n%sSTATUS  ::%s Sequence %s#%d%s | Pools %s%d%s | Time %s%s%s\n",
		Green, Reset,
		Bold, state.Sequence, Reset,
		Bold, len(state.Registry.Pools), Reset,
		Bold, ts, Reset,
	)
	fmt.Fprintf(w, "Router swaps %d | Flash loans %d | Protocol fee %d bps\n",
		state.Router.TotalSwaps, state.Flash.Stats.TotalLoans, state.Registry.Meta.ProtocolFeeBps)
}

// printPools lists pools, restricted to those holding token when it is set.
func printPools(w io.Writer, state *snapshot.State, token *common.Address) {
	header(w, "POOLS")
	tw := tabwriter.NewWriter(w, 0, 0, 4, ' ', 0)
	fmt.Fprintln(tw, "ID\tASSET0\tASSET1\tFEE\tRESERVE0\tRESERVE1\tSTATUS\t")
	fmt.Fprintln(tw, "--\t------\t------\t---\t--------\t--------\t------\t")
	n := 0
	for _, p := range state.Registry.Pools {
		if token != nil && p.Asset0 != *token && p.Asset1 != *token {
			continue
		}
		status := Green + "ACTIVE" + Reset
		if !p.Active {
			status = Red + "INACTIVE" + Reset
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t\n",
			short(p.ID.Hex()), short(p.Asset0.Hex()), short(p.Asset1.Hex()), p.FeeBps,
			p.Reserve0.Dec(), p.Reserve1.Dec(), status)
		n++
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%sPools listed: %d%s\n", Bold, n, Reset)
}

func printFlash(w io.Writer, state *snapshot.State) {
	header(w, "FLASH LIQUIDITY")
	fmt.Fprintf(w, "Fee %d bps | Loans %d\n", state.Flash.FeeBps, state.Flash.Stats.TotalLoans)
	tw := tabwriter.NewWriter(w, 0, 0, 4, ' ', 0)
	fmt.Fprintln(tw, "ASSET\tAVAILABLE\t")
	fmt.Fprintln(tw, "-----\t---------\t")
	for _, b := range state.Flash.Buckets {
		fmt.Fprintf(tw, "%s\t%s\t\n", b.Asset.Hex(), b.Available.Dec())
	}
	tw.Flush()
}

func printPath(w io.Writer, path router.Path, took time.Duration) {
	header(w, "ROUTE")
	tw := tabwriter.NewWriter(w, 0, 0, 4, ' ', 0)
	fmt.Fprintln(tw, "HOP\tFROM\tTO\tPOOL\tAMOUNT OUT\t")
	for i, h := range path.Hops {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t\n", i+1, short(h.TokenIn.Hex()), short(h.TokenOut.Hex()), short(h.Pool.Hex()), h.AmountOut.Dec())
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%sIn %s -> Out %s%s (%s)\n", Bold, path.AmountIn.Dec(), path.AmountOut.Dec(), Reset, took.Round(time.Microsecond))
	if path.Hops[0].TokenIn == path.Hops[len(path.Hops)-1].TokenOut {
		fmt.Fprintf(w, "%sCycle profit: %s%s\n", Green, path.Profit().Dec(), Reset)
	}
}

// short truncates long hex strings for display.
func short(s string) string {
	if len(s) <= 14 {
		return s
	}
	return s[:8] + ".." + s[len(s)-4:]
}
