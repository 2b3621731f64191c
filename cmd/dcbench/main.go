// dcbench: CLI entry point.
//
// Two dcbench processes started with the same pairing code on one machine
// find each other through a unix-socket signaling channel, negotiate a
// WebRTC peer connection and then flood data channels ("lanes") with
// sequenced messages while reporting throughput.
//
// Commands are read from stdin: start [lane], stop [lane], rate N, quit.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/dcbench/internal/config"
	"github.com/1ureka/dcbench/internal/metrics"
	"github.com/1ureka/dcbench/internal/session"
	"github.com/1ureka/dcbench/internal/signaling"
	"github.com/1ureka/dcbench/internal/util"
)

var version = "dev"

const defaultLane = "channel1"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI flags.
	configPath := flag.StringP("config", "c", "", "YAML configuration file")
	pairing := flag.StringP("pairing", "p", "", "Pairing code shared by both peers")
	rate := flag.IntP("rate", "r", 0, "Messages per tick")
	payloadSize := flag.Int("payload-size", 0, "Filler bytes per message")
	lane := flag.StringP("lane", "l", defaultLane, "Lane used by start/stop without an argument")
	autoSend := flag.Bool("send", false, "Start sending on the lane as soon as the transport is ready")
	busDir := flag.String("bus-dir", "", "Directory of the signaling sockets")
	stunServers := flag.StringSlice("stun", nil, "STUN server URLs (replaces the configured list)")
	noStun := flag.Bool("no-stun", false, "Gather host candidates only")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	refresh := flag.Duration("refresh", 0, "Metrics report interval")
	debugMode := flag.Bool("debug", false, "Enable debug logging, including every received message")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	applyFlags(cfg, flagOverrides{
		pairing:     *pairing,
		rate:        *rate,
		payloadSize: *payloadSize,
		busDir:      *busDir,
		stun:        *stunServers,
		noStun:      *noStun,
		metricsAddr: *metricsAddr,
		refresh:     *refresh,
		debug:       *debugMode,
	})
	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("dcbench v%s", version))
	pterm.Println()

	if err := run(ctx, cfg, *lane, *autoSend); err != nil {
		util.LogError("%v", err)
		if errors.Is(err, session.ErrTransportLost) {
			util.LogInfo("run dcbench again to reconnect")
		}
		os.Exit(1)
	}

	util.LogInfo("session closed")
}

type flagOverrides struct {
	pairing     string
	rate        int
	payloadSize int
	busDir      string
	stun        []string
	noStun      bool
	metricsAddr string
	refresh     time.Duration
	debug       bool
}

// applyFlags layers explicitly set flags over the loaded configuration.
func applyFlags(cfg *config.Config, o flagOverrides) {
	if o.pairing != "" {
		cfg.PairingCode = o.pairing
	}
	if o.rate > 0 {
		cfg.Sender.Rate = o.rate
	}
	if o.payloadSize > 0 {
		cfg.Sender.PayloadSize = o.payloadSize
	}
	if o.busDir != "" {
		cfg.Signaling.Dir = o.busDir
	}
	if len(o.stun) > 0 {
		cfg.WebRTC.ICEServers = o.stun
	}
	if o.noStun {
		cfg.WebRTC.ICEServers = nil
	}
	if o.metricsAddr != "" {
		cfg.Metrics.Listen = o.metricsAddr
	}
	if o.refresh > 0 {
		cfg.UI.RefreshInterval = o.refresh
	}
	if o.debug {
		cfg.Debug = true
	}
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func run(ctx context.Context, cfg *config.Config, lane string, autoSend bool) error {
	collector := metrics.NewCollector()
	console := newConsole(cfg.Sender.PayloadSize)

	host, _ := os.Hostname()
	sess, err := session.New(session.Options{
		Config:    cfg,
		Bus:       &signaling.SocketBus{Dir: cfg.Signaling.Dir},
		Observer:  console,
		Collector: collector,
		Name:      fmt.Sprintf("%s/%d", host, os.Getpid()),
	})
	if err != nil {
		return err
	}

	util.LogInfo("pairing code %q, identity %s", cfg.PairingCode, sess.Identity())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return sess.Run(gctx)
	})

	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics.Listen, collector)
		})
	}

	if autoSend {
		g.Go(func() error {
			select {
			case <-console.Ready():
			case <-gctx.Done():
				return nil
			}
			if err := sess.Start(lane); err != nil {
				util.LogWarning("failed to start %s: %v", lane, err)
			}
			return nil
		})
	}

	// stdin is not part of the group: a blocked read must not hold up exit
	go readCommands(gctx, sess, lane, cancel)

	return g.Wait()
}

// serveMetrics exposes the collector until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, collector *metrics.Collector) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	util.LogInfo("serving metrics on http://%s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// readCommands executes stdin commands until EOF, quit or ctx cancellation.
func readCommands(ctx context.Context, sess *session.Session, lane string, quit func()) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		target := lane
		if len(fields) > 1 {
			target = fields[1]
		}

		switch strings.ToLower(fields[0]) {
		case "start":
			report(sess.Start(target), "started %s", target)
		case "stop":
			report(sess.Stop(target), "stopped %s", target)
		case "rate":
			if len(fields) != 2 {
				util.LogWarning("usage: rate N")
				continue
			}
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				util.LogWarning("invalid rate %q", fields[1])
				continue
			}
			report(sess.SetRate(n), "rate set to %d", n)
		case "quit", "exit":
			quit()
			return
		case "help":
			printHelp()
		default:
			util.LogWarning("unknown command %q", fields[0])
			printHelp()
		}
	}
}

func report(err error, format string, args ...interface{}) {
	if err != nil {
		util.LogWarning("%v", err)
		return
	}
	util.LogSuccess(format, args...)
}

func printHelp() {
	pterm.Println("commands: start [lane] | stop [lane] | rate N | quit")
}
