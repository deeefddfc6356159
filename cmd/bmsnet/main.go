package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"bmsnet/internal/api"
	"bmsnet/internal/clock"
	"bmsnet/internal/config"
	"bmsnet/internal/link"
	"bmsnet/internal/logging"
	"bmsnet/internal/master"
	"bmsnet/internal/metrics"
	"bmsnet/internal/model"
	"bmsnet/internal/slave"
	"bmsnet/internal/store"
	"bmsnet/internal/wire"
)

const usage = `bmsnet - battery string monitoring link (master/slave)

Usage:
  bmsnet master run --config <path> [--listen :47000] [--status :8080]
  bmsnet master status --addr <host:port> | --config <path>
  bmsnet slave run --config <path> [--listen :47001]
  bmsnet stats --config <path> [--window 5m] [--path <csv>]
  bmsnet decode <hex>
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "master":
		handleMaster(os.Args[2:])
	case "slave":
		handleSlave(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	case "decode":
		handleDecode(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleMaster(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "master subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "run":
		masterRun(args[1:])
	case "status":
		masterStatus(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown master subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func masterRun(args []string) {
	fs := flag.NewFlagSet("master run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML or TOML config")
	listen := fs.String("listen", "", "link UDP listen address")
	status := fs.String("status", "", "status HTTP listen address")
	peers := fs.String("peers", "", "comma-separated link peer addresses")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Master == nil {
		cfg.Master = &config.MasterConfig{}
	}
	overrideLink(&cfg.Link, *listen, *peers)
	if *status != "" {
		cfg.Master.Listen = *status
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	log, closer := newLogger("bmsnet-master", cfg.Log)
	defer closer.Close()

	id, err := model.ParseNodeID(cfg.Master.NodeID)
	if err != nil {
		fatal(err)
	}
	queue := link.NewQueue(cfg.Link.QueueDepth)
	conn, err := link.ListenUDP(id, cfg.Link.Listen, cfg.Link.Peers, queue, log)
	if err != nil {
		fatal(err)
	}
	defer conn.Close()

	metrics.RegisterMetrics()
	coord := master.New(*cfg.Master, conn, clock.NewSystem(), log)

	ctx, cancel := signalContext()
	defer cancel()

	if cfg.Master.Listen != "" {
		go func() {
			if err := coord.ListenAndServe(ctx, cfg.Master.Listen); err != nil {
				log.Error().Err(err).Msg("status server stopped")
			}
		}()
	}

	log.Info().Str("id", id.String()).Str("link", conn.LocalAddr()).Msg("master started")
	if err := coord.Run(ctx, queue.C()); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
	log.Info().Uint64("dropped", queue.Dropped()).Msg("master stopped")
}

func masterStatus(args []string) {
	fs := flag.NewFlagSet("master status", flag.ExitOnError)
	configPath := fs.String("config", "", "read the registry snapshot named in this config")
	addr := fs.String("addr", "127.0.0.1:8080", "master status address")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	_ = fs.Parse(args)

	if *configPath != "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			fatal(err)
		}
		if cfg.Master == nil || cfg.Master.SnapshotPath == "" {
			fatal(errors.New("master.snapshot_path is required"))
		}
		snap, err := store.LoadSnapshot(cfg.Master.SnapshotPath)
		if err != nil {
			fatal(err)
		}
		printPeers(snap.Master, snap.UpdatedAt, snap.Peers)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resp, err := api.NewClient(*addr).Peers(ctx)
	if err != nil {
		fatal(err)
	}
	printPeers(resp.Master, resp.GeneratedAt, resp.Peers)
}

func printPeers(masterID string, at time.Time, peers []model.PeerRecord) {
	if len(peers) == 0 {
		fmt.Fprintln(os.Stdout, "no registered peers")
		return
	}

	fmt.Fprintf(os.Stdout, "master %s at %s\n", masterID, at.Format(time.RFC3339))
	fmt.Fprintf(os.Stdout, "%-17s  %-4s  %-5s  %-5s  %-6s  %-10s  %-9s  %-9s  %-8s\n",
		"NODE", "ADDR", "CELLS", "TEMPS", "SYNCED", "CONFIGURED", "STRING_V", "MIN_CELL", "FW")
	for _, p := range peers {
		fmt.Fprintf(os.Stdout, "%-17s  %-4d  %-5d  %-5d  %-6t  %-10t  %-9.2f  %-9s  %-8s\n",
			p.ID, p.StringAddress, p.CellCount, p.TempCount, p.Synced, p.Configured,
			p.StringVoltage, minCell(p.CellVoltages), p.FirmwareVersion)
	}
}

func handleSlave(args []string) {
	if len(args) == 0 || args[0] != "run" {
		fmt.Fprint(os.Stderr, "usage: bmsnet slave run --config <path>\n")
		os.Exit(2)
	}

	fs := flag.NewFlagSet("slave run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML or TOML config")
	listen := fs.String("listen", "", "link UDP listen address")
	peers := fs.String("peers", "", "comma-separated link peer addresses")
	_ = fs.Parse(args[1:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Slave == nil {
		fatal(errors.New("slave config required"))
	}
	overrideLink(&cfg.Link, *listen, *peers)
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	log, closer := newLogger("bmsnet-slave", cfg.Log)
	defer closer.Close()

	sc := cfg.Slave
	id, err := model.ParseNodeID(sc.NodeID)
	if err != nil {
		fatal(err)
	}
	balance := store.NewBalanceMemory()
	if sc.ConfigPath != "" {
		if balance, err = store.OpenBalanceFile(sc.ConfigPath); err != nil {
			fatal(err)
		}
	}

	queue := link.NewQueue(cfg.Link.QueueDepth)
	conn, err := link.ListenUDP(id, cfg.Link.Listen, cfg.Link.Peers, queue, log)
	if err != nil {
		fatal(err)
	}
	defer conn.Close()

	identity := model.Identity{
		StringAddress:   sc.StringAddress,
		CellCount:       sc.CellCount,
		TempCount:       sc.TempCount,
		FirmwareVersion: sc.FirmwareVersion,
		HardwareVersion: sc.HardwareVersion,
	}
	metrics.RegisterMetrics()
	agent := slave.New(slave.Options{
		Identity:    identity,
		Link:        conn,
		Clock:       clock.NewAdjustable(clock.NewSystem()),
		Source:      slave.NewSimulated(identity, sc.Simulation.CellVoltage, sc.Simulation.Spread, sc.Simulation.Temperature),
		Store:       balance,
		Logger:      log,
		SyncTimeout: sc.SyncTimeout,
	})

	ctx, cancel := signalContext()
	defer cancel()

	log.Info().
		Str("id", id.String()).
		Uint8("string_address", sc.StringAddress).
		Str("link", conn.LocalAddr()).
		Msg("slave started")
	if err := agent.Run(ctx, queue.C(), sc.SupervisorInterval); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML or TOML config")
	window := fs.Duration("window", config.DefaultMetricsWindow, "time window")
	path := fs.String("path", "", "sync CSV path override")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	csvPath := *path
	if csvPath == "" && cfg.Master != nil {
		csvPath = cfg.Master.SyncCSVPath
	}
	if csvPath == "" {
		fatal(errors.New("sync CSV path required"))
	}

	items, err := metrics.ReadCSV(csvPath)
	if err != nil {
		fatal(err)
	}

	cutoff := time.Now().UTC().Add(-*window)
	summaries := metrics.SummarizeByNode(items, cutoff)
	if len(summaries) == 0 {
		fmt.Fprintln(os.Stdout, "no samples in window")
		return
	}
	for _, s := range summaries {
		fmt.Fprintf(os.Stdout, "%s samples=%d from=%s to=%s\n", s.NodeID, s.Count, s.From.Format(time.RFC3339), s.To.Format(time.RFC3339))
		fmt.Fprintf(os.Stdout, "  rtt avg=%.0fus p95=%.0fus min=%.0fus max=%.0fus\n", s.AvgRoundTripUS, s.P95RoundTripUS, s.MinRoundTripUS, s.MaxRoundTripUS)
		fmt.Fprintf(os.Stdout, "  offset avg=%.1fus max|offset|=%.0fus\n", s.AvgOffsetUS, s.MaxAbsOffsetUS)
	}
}

func handleDecode(args []string) {
	if len(args) != 1 {
		fmt.Fprint(os.Stderr, "usage: bmsnet decode <hex>\n")
		os.Exit(2)
	}
	raw, err := hex.DecodeString(strings.NewReplacer(" ", "", ":", "").Replace(args[0]))
	if err != nil {
		fatal(err)
	}
	msg, err := wire.Decode(raw)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "%s %+v\n", msg.Kind(), msg)
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func overrideLink(cfg *config.LinkConfig, listen, peers string) {
	if listen != "" {
		cfg.Listen = listen
	}
	if peers != "" {
		cfg.Peers = splitList(peers)
	}
}

func newLogger(app string, cfg logging.Config) (zerolog.Logger, io.Closer) {
	log, closer, err := logging.New(app, cfg, os.Stderr)
	if err != nil {
		fatal(err)
	}
	return log, closer
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func minCell(values []float32) string {
	if len(values) == 0 {
		return "-"
	}
	lo := values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
	}
	return fmt.Sprintf("%.3f", lo)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
