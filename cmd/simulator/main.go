// Command simulator loads a topology, runs the entanglement link layer
// for a simulated duration, and prints the run report. With -metrics-addr
// it then serves the run's Prometheus metrics until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/qlink-simulator/core"
	"github.com/signalsfoundry/qlink-simulator/internal/app"
	"github.com/signalsfoundry/qlink-simulator/internal/logging"
	"github.com/signalsfoundry/qlink-simulator/internal/observability"
	"github.com/signalsfoundry/qlink-simulator/internal/sim"
)

func main() {
	topologyPath := flag.String("topology", "", "path to the topology JSON file")
	duration := flag.Duration("duration", 10*time.Second, "simulated run duration")
	seed := flag.Int64("seed", 1, "run seed; every random stream derives from it")
	purify := flag.Bool("purify", false, "purify cached speculative pairs when two span the same hop")
	demand := flag.String("demand", "", "on-demand traffic: src:dst, or src:dst=w,... for a weighted matrix")
	fidelity := flag.Float64("fidelity", 0.5, "fidelity threshold for on-demand requests")
	period := flag.Duration("request-period", time.Second, "length of each request window")
	gap := flag.Duration("request-gap", 10*time.Millisecond, "gap between consecutive request windows")
	metricsAddr := flag.String("metrics-addr", "", "HTTP address to serve Prometheus /metrics on after the run")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, log := logging.WithRunLogger(context.Background(), log)

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.String("error", err.Error()))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(ctx, shutdownTracing, log)

	if *topologyPath == "" {
		fmt.Fprintln(os.Stderr, "usage: simulator -topology <file> [-duration 10s] [-seed 1] [-demand src:dst]")
		os.Exit(2)
	}
	f, err := os.Open(*topologyPath)
	if err != nil {
		log.Error(ctx, "failed to open topology", logging.String("path", *topologyPath), logging.String("error", err.Error()))
		os.Exit(1)
	}
	topo, err := core.LoadTopology(f)
	f.Close()
	if err != nil {
		log.Error(ctx, "failed to load topology", logging.String("path", *topologyPath), logging.String("error", err.Error()))
		os.Exit(1)
	}

	start := sim.DefaultStart
	requests, err := buildSchedule(topo, *demand, schedule{
		start:    start,
		until:    start.Add(*duration),
		period:   *period,
		gap:      *gap,
		fidelity: *fidelity,
		seed:     *seed,
	})
	if err != nil {
		log.Error(ctx, "bad demand flag", logging.String("demand", *demand), logging.String("error", err.Error()))
		os.Exit(1)
	}

	nw, err := sim.Build(topo, sim.Config{
		Start:    start,
		Seed:     *seed,
		Log:      log,
		Purify:   *purify,
		Requests: requests,
	})
	if err != nil {
		log.Error(ctx, "failed to build network", logging.String("error", err.Error()))
		os.Exit(1)
	}

	log.Info(ctx, "starting run",
		logging.String("topology", *topologyPath),
		logging.Duration("duration", *duration),
		logging.Int64("seed", *seed),
		logging.Int("requests", len(requests)),
	)
	runCtx, span := observability.StartSpan(ctx, "simulate")
	rep := nw.Run(*duration)
	span.End()
	for _, reqm := range rep.Requests {
		observability.EmitRequestSpan(runCtx, reqm)
	}

	fmt.Print(rep.String())

	if *metricsAddr != "" {
		collector, err := observability.NewRunCollector(nil)
		if err != nil {
			log.Error(ctx, "failed to initialise metrics collector", logging.String("error", err.Error()))
			os.Exit(1)
		}
		syncMetrics(collector, nw, rep)
		srv := serveMetrics(*metricsAddr, collector, log)

		stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		<-stopCtx.Done()

		log.Info(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

type schedule struct {
	start    time.Time
	until    time.Time
	period   time.Duration
	gap      time.Duration
	fidelity float64
	seed     int64
}

// buildSchedule turns the -demand flag into an on-demand request queue
// spanning the run. An empty flag means no application traffic.
func buildSchedule(topo *core.Topology, demand string, sc schedule) ([]app.Request, error) {
	if demand == "" {
		return nil, nil
	}

	var matrix *app.Matrix
	if !strings.Contains(demand, "=") {
		src, dst, err := splitPair(topo, demand)
		if err != nil {
			return nil, err
		}
		matrix = app.SinglePair(src, dst)
	} else {
		names := make([]string, 0, len(topo.Nodes))
		for _, spec := range topo.Nodes {
			names = append(names, spec.Name)
		}
		matrix = app.NewMatrix(names)
		for _, entry := range strings.Split(demand, ",") {
			pair, raw, ok := strings.Cut(entry, "=")
			if !ok {
				return nil, fmt.Errorf("demand entry %q is not src:dst=weight", entry)
			}
			w, err := strconv.ParseFloat(raw, 64)
			if err != nil || w <= 0 {
				return nil, fmt.Errorf("demand entry %q has a bad weight", entry)
			}
			src, dst, err := splitPair(topo, pair)
			if err != nil {
				return nil, err
			}
			matrix.Set(src, dst, w)
		}
	}

	return matrix.Queue(app.QueueConfig{
		Start:    sc.start,
		Until:    sc.until,
		Period:   sc.period,
		Gap:      sc.gap,
		Fidelity: sc.fidelity,
	}, rand.New(rand.NewSource(sc.seed))), nil
}

func splitPair(topo *core.Topology, pair string) (string, string, error) {
	src, dst, ok := strings.Cut(pair, ":")
	if !ok || src == "" || dst == "" {
		return "", "", fmt.Errorf("demand pair %q is not src:dst", pair)
	}
	if src == dst {
		return "", "", fmt.Errorf("demand pair %q is a self-loop", pair)
	}
	for _, name := range []string{src, dst} {
		if _, known := topo.Node(name); !known {
			return "", "", fmt.Errorf("demand names unknown router %q", name)
		}
	}
	return src, dst, nil
}

// syncMetrics folds the finished run into the Prometheus collector.
func syncMetrics(c *observability.RunCollector, nw *sim.Network, rep *sim.RunReport) {
	for _, nm := range rep.Nodes {
		c.RecordNode(nm)
	}
	for _, lm := range rep.Links {
		c.RecordLink(lm)
	}
	for _, name := range nw.Nodes() {
		node, _ := nw.Node(name)
		tts := node.App.TimeToService()
		fids := node.App.Fidelities()
		for i, d := range tts {
			if i < len(fids) {
				c.ObserveService(d, fids[i])
			}
		}
	}
}

func serveMetrics(addr string, collector *observability.RunCollector, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.String("error", err.Error()))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
