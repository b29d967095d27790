// Command rttbridge is the CLI entry point: it opens a probe, discovers (or
// falls back to sampling) a data source, runs the Poll Scheduler and the
// GDB RSP Bridge concurrently against the same Link, and logs Connected /
// Disconnected / UpData events, since this repo carries no UI of its own
// (SPEC_FULL.md §4).
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/moment-NEW/rttbridge/internal/events"
	"github.com/moment-NEW/rttbridge/internal/gdbstub"
	"github.com/moment-NEW/rttbridge/internal/link"
	"github.com/moment-NEW/rttbridge/internal/logging"
	"github.com/moment-NEW/rttbridge/internal/metrics"
	"github.com/moment-NEW/rttbridge/internal/probe"
	"github.com/moment-NEW/rttbridge/internal/rtt"
	"github.com/moment-NEW/rttbridge/internal/scheduler"
	"github.com/moment-NEW/rttbridge/internal/session"
)

var log = logging.For("cli")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rttbridge",
		Short: "SEGGER RTT monitor and GDB RSP bridge for shared-probe debugging",
	}
	root.PersistentFlags().String("loglevel", "info", "panic, fatal, error, warn, info, debug, trace")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		levelStr, _ := cmd.Flags().GetString("loglevel")
		level, err := logrus.ParseLevel(levelStr)
		if err != nil {
			return fmt.Errorf("invalid --loglevel: %w", err)
		}
		logging.SetLevel(level)
		return nil
	}
	root.AddCommand(newConnectCmd())
	return root
}

func newConnectCmd() *cobra.Command {
	var (
		probeKind   string
		sessionPath string
		seedAddr    uint32
		gdbAddr     string
		metricsAddr string
		openocdAddr string
		symbolsPath string
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open a probe, run the RTT/Variable poll loop, and serve the GDB RSP bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadOrDefaultSession(sessionPath, probeKind, gdbAddr)
			if err != nil {
				return err
			}
			if seedAddr != 0 {
				sess.SeedAddr = seedAddr
			}
			if symbolsPath != "" {
				vars, err := session.LoadSymbolFile(symbolsPath)
				if err != nil {
					return fmt.Errorf("load --symbols: %w", err)
				}
				log.WithField("count", len(vars)).WithField("path", symbolsPath).Info("loaded symbol file")
				sess.Variables = mergeVariables(sess.Variables, vars)
			}

			return run(cmd.Context(), sess, sessionPath, openocdAddr, metricsAddr)
		},
	}

	cmd.Flags().StringVar(&probeKind, "probe", "openocd", "jlink, openocd, keil, dap, dap-shared")
	cmd.Flags().StringVar(&sessionPath, "session", "session.yaml", "path to persisted session state")
	cmd.Flags().Uint32Var(&seedAddr, "seed", 0, "RTT control-block discovery seed address (0 = use session)")
	cmd.Flags().StringVar(&gdbAddr, "gdb-addr", "127.0.0.1:2331", "GDB RSP bridge listen address")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus /metrics listen address (empty disables it)")
	cmd.Flags().StringVar(&openocdAddr, "openocd-addr", "127.0.0.1:6666", "OpenOCD Tcl RPC address (--probe=openocd only)")
	cmd.Flags().StringVar(&symbolsPath, "symbols", "", "line-oriented \"name addr size [format]\" text file, the ELF/DWARF stand-in (SPEC_FULL.md §5)")
	return cmd
}

// mergeVariables overlays loaded on top of existing, keyed by name, so a
// --symbols file can add to (or override) what the session already has
// without discarding variables the session persisted from a prior run.
func mergeVariables(existing, loaded []session.Variable) []session.Variable {
	byName := make(map[string]int, len(existing))
	out := append([]session.Variable{}, existing...)
	for i, v := range out {
		byName[v.Name] = i
	}
	for _, v := range loaded {
		if i, ok := byName[v.Name]; ok {
			out[i] = v
			continue
		}
		out = append(out, v)
	}
	return out
}

func loadOrDefaultSession(path, probeKind, gdbAddr string) (*session.Session, error) {
	sess, err := session.Load(path)
	if err == nil {
		return sess, nil
	}
	log.WithField("path", path).Info("no existing session found, starting fresh")
	gdbPort := 2331
	if _, portStr, splitErr := net.SplitHostPort(gdbAddr); splitErr == nil {
		if p, convErr := strconv.Atoi(portStr); convErr == nil {
			gdbPort = p
		}
	}
	return &session.Session{Probe: probeKind, SpeedKHz: 4000, GdbPort: gdbPort}, nil
}

func run(ctx context.Context, sess *session.Session, sessionPath, openocdAddr, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	reg.MustRegister(prometheus.DefaultRegisterer)
	if metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	l, err := probe.Open(probe.Config{
		Kind:           probe.Kind(sess.Probe),
		OpenOCDAddr:    openocdAddr,
		OpenOCDTimeout: 5 * time.Second,
		SpeedKHz:       sess.SpeedKHz,
	})
	if err != nil {
		return fmt.Errorf("open probe: %w", err)
	}
	shared := link.New(l)

	bus := events.NewBus(256)
	go logEvents(bus)

	sched := scheduler.New(shared, bus, probe.Kind(sess.Probe).IsShared())
	sched.Metrics = reg

	seed := sess.SeedAddr
	if seed == 0 {
		seed = 0x2000_0000
	}
	if cb, err := rtt.Discover(shared, seed); err == nil {
		log.WithField("addr", cb.Addr).Info("RTT control block found")
		sched.SetRtt(cb.UpChannelAddr(0))
	} else {
		log.WithError(err).Warn("RTT discovery failed, falling back to Variable Sampler")
		sched.SetVars(sess.ToSamplerVariables())
	}

	gdbServer := &gdbstub.Server{Addr: fmt.Sprintf("127.0.0.1:%d", sess.GdbPort), Link: shared, Metrics: reg}
	go func() {
		if err := gdbServer.ListenAndServe(ctx.Done()); err != nil {
			log.WithError(err).Warn("gdb rsp bridge stopped")
		}
	}()

	sched.Run(ctx)

	if err := sess.Save(sessionPath); err != nil {
		log.WithError(err).Warn("failed to persist session on exit")
	}
	return nil
}

func logEvents(bus *events.Bus) {
	for e := range bus.Events() {
		switch e.Kind {
		case events.Connected:
			log.Info("connected")
		case events.Disconnected:
			log.WithError(e.Reason).Warn("disconnected")
		case events.UpData:
			log.WithField("bytes", len(e.Data)).Debug("up-data")
		}
	}
}
