// Command dvbroute is the realtime MPEG-2 transport stream demultiplexer,
// PSI rewriter and multi-destination UDP/RTP forwarder of spec.md: it reads
// an MPTS from a UDP/RTP capture source, tracks PAT/CAT/PMT/NIT/SDT/EIT,
// and fans out per-service, per-output reshaped streams.
//
// Process supervision follows the teacher's cmd/prism/main.go pattern: one
// goroutine per long-running subsystem under a shared
// golang.org/x/sync/errgroup, the first fatal error cancelling every other
// goroutine via the shared context.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/dvbroute/internal/config"
	"github.com/zsiec/dvbroute/internal/control"
	"github.com/zsiec/dvbroute/internal/demux"
	"github.com/zsiec/dvbroute/internal/outbound"
	"github.com/zsiec/dvbroute/internal/output"
	"github.com/zsiec/dvbroute/internal/tspacket"
)

func main() {
	if err := run(); err != nil {
		slog.Error("dvbroute exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config.Config
	fs := pflag.NewFlagSet("dvbroute", pflag.ExitOnError)
	config.RegisterFlags(fs, &cfg)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	cfg.Finalize()

	log := newLogger(cfg.LogLevel)

	if cfg.Input == "" {
		return fmt.Errorf("-input is required, e.g. udp://239.1.1.1:1234")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	engine := demux.New(cfg.Engine, nil /* noop frontend driver: software UDP/RTP ingest */, nil, log)
	engine.OnTunerReset(func(cause string) {
		log.Warn("tuner reset requested", "cause", cause)
	})
	engine.OnCAReset(func(cause string) {
		log.Warn("ca reset requested", "cause", cause)
	})
	engine.OnEvent(func(kind, detail string) {
		log.Info("event", "kind", kind, "detail", detail)
	})

	senders := make([]*outbound.Sender, 0)
	if cfg.OutputsFile != "" {
		loaded, err := loadOutputs(cfg.OutputsFile, cfg, log, engine, &senders)
		if err != nil {
			return fmt.Errorf("load outputs: %w", err)
		}
		log.Info("outputs loaded", "count", loaded)
	}

	g, ctx := errgroup.WithContext(ctx)

	conn, err := dialInput(cfg.Input)
	if err != nil {
		return fmt.Errorf("open input %q: %w", cfg.Input, err)
	}
	defer conn.Close()

	g.Go(func() error { return runIngest(ctx, conn, engine, log, cfg.LockTimeout) })
	g.Go(func() error { return runTicker(ctx, engine) })

	if cfg.ControlSocket != "" {
		srv, err := startControlServer(cfg.ControlSocket, engine, log, stop)
		if err != nil {
			return fmt.Errorf("control socket: %w", err)
		}
		defer srv.Close()
		g.Go(func() error { return srv.Run(ctx) })
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// dialInput opens the capture source named by spec. Only "udp://" and
// "rtp://" schemes are handled directly here; the tuner/ASI capture path
// is an external driver per spec §1 and is out of scope for this core.
func dialInput(addr string) (*net.UDPConn, error) {
	scheme, hostport, ok := strings.Cut(addr, "://")
	if !ok {
		return nil, fmt.Errorf("input must be udp://host:port or rtp://host:port, got %q", addr)
	}
	switch scheme {
	case "udp", "rtp":
	default:
		return nil, fmt.Errorf("unsupported input scheme %q", scheme)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", hostport, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", hostport, err)
	}
	return conn, nil
}

// runIngest reads datagrams from conn, slices them into 188-byte transport
// packets (a raw-UDP MPTS carries several TS packets per datagram), and
// feeds each one to engine.Feed. A silence of lockTimeout without a
// successful read is spec §5's "lost lock" condition.
func runIngest(ctx context.Context, conn *net.UDPConn, engine *demux.Engine, log *slog.Logger, lockTimeout time.Duration) error {
	buf := make([]byte, 64*1024)
	lastPacket := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, _, err := conn.ReadFromUDP(buf)
		now := time.Now()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if now.Sub(lastPacket) >= lockTimeout {
					log.Warn("lock status: 0", "elapsed", now.Sub(lastPacket))
					lastPacket = now
				}
				continue
			}
			return fmt.Errorf("ingest read: %w", err)
		}
		lastPacket = now

		payload := buf[:n]
		count := n / tspacket.Size
		for i := 0; i < count; i++ {
			pkt := payload[i*tspacket.Size : (i+1)*tspacket.Size]
			if err := engine.Feed(pkt, now); err != nil {
				log.Warn("feed failed", "error", err)
			}
		}
	}
}

// runTicker drives Engine.Tick once a second, the cadence spec §4.6 step 2
// samples bytes/sec windows at and the output sender's retention/EIT
// flush timers run against.
func runTicker(ctx context.Context, engine *demux.Engine) error {
	t := time.NewTicker(1 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			engine.Tick(now)
		}
	}
}

// loadOutputs parses cfg.OutputsFile and registers one output.Output (and
// UDP writer) per line with engine, returning the count successfully added.
// An output whose UDP socket cannot be resolved or dialed is skipped and
// logged. A malformed line is not skipped: ParseOutputsFile fails on it, and
// the whole load, and with it startup, is aborted.
func loadOutputs(path string, cfg config.Config, log *slog.Logger, engine *demux.Engine, senders *[]*outbound.Sender) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	outCfgs, err := config.ParseOutputsFile(f, cfg)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, outCfg := range outCfgs {
		w, err := dialOutput(outCfg)
		if err != nil {
			log.Warn("skipping invalid output", "target", outCfg.DisplayName, "error", err)
			continue
		}
		senderCfg := outbound.Config{
			MTU:          outCfg.MTU,
			UseRTP:       !outCfg.Flags.Has(output.UDP),
			SSRC:         outCfg.SSRC,
			Latency:      outCfg.Latency,
			MaxRetention: outCfg.MaxRetention,
		}
		sender := outbound.NewSender(senderCfg, w, log.With("output", outCfg.DisplayName))
		*senders = append(*senders, sender)
		engine.AddOutput(outCfg, sender)
		added++
	}
	return added, nil
}

func dialOutput(cfg output.Config) (*net.UDPConn, error) {
	addr := net.JoinHostPort(cfg.Addr, fmt.Sprintf("%d", cfg.Port))
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", addr, err)
	}
	// TTL/TOS/ifindex socket options and OUTPUT_RAW source-address
	// spoofing need raw socket-option access this software path doesn't
	// otherwise require; internal/outbound.RawHeaderBuilder is the seam
	// spec §9's Open Question decision routes that through.
	return conn, nil
}

func startControlServer(path string, engine *demux.Engine, log *slog.Logger, shutdown context.CancelFunc) (*control.Server, error) {
	srv, err := control.Listen(path, log)
	if err != nil {
		return nil, err
	}
	srv.Handle(control.CmdFrontendStatus, func(ctx context.Context, req control.Message) ([]byte, error) {
		stats := engine.PoolStats()
		return []byte(fmt.Sprintf("blocks live=%d alloc=%d recycled=%d", stats.Live, stats.Allocs, stats.Recycles)), nil
	})
	srv.Handle(control.CmdGetPAT, func(ctx context.Context, req control.Message) ([]byte, error) {
		return engine.CurrentPAT(), nil
	})
	srv.Handle(control.CmdGetCAT, func(ctx context.Context, req control.Message) ([]byte, error) {
		return engine.CurrentCAT(), nil
	})
	srv.Handle(control.CmdGetNIT, func(ctx context.Context, req control.Message) ([]byte, error) {
		return engine.CurrentNIT(), nil
	})
	srv.Handle(control.CmdGetSDT, func(ctx context.Context, req control.Message) ([]byte, error) {
		return engine.CurrentSDT(), nil
	})
	srv.Handle(control.CmdShutdown, func(ctx context.Context, req control.Message) ([]byte, error) {
		log.Info("shutdown requested over control socket")
		shutdown()
		return nil, nil
	})
	return srv, nil
}
