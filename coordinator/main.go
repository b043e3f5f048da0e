package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ensemble-fleet/ensemble/internal/rpc"
)

func main() {
	var (
		addr          = flag.String("addr", ":8123", "address on which to serve the control API")
		storeDir      = flag.String("store-dir", "./state", "directory holding the coordinator's durable state")
		operatorsPath = flag.String("operators-file", "./operators.toml", "TOML file declaring operators, roles, and password hashes")
		agentPort     = flag.String("agent-port", "8124", "port assumed for agents whose registered address has none")
		natsURL       = flag.String("nats-url", "", "NATS server to publish lifecycle events to, empty to disable")
		workers       = flag.Int("workers", 2, "number of concurrent reconciliation workers")
		maxAttempts   = flag.Int("max-attempts", 5, "retry budget per accepted change")
		resync        = flag.Duration("resync-interval", time.Minute*5, "how often to sweep settled nodes for drift")
		pollInterval  = flag.Duration("poll-interval", time.Second*15, "how often to poll each agent for health")
		freshness     = flag.Duration("health-freshness", time.Second*45, "how stale a sample can be before its node counts as unreachable")
		cpuThreshold  = flag.Float64("cpu-threshold", 90, "CPU percentage above which a node counts as degraded")
		memThreshold  = flag.Float64("memory-threshold", 90, "memory percentage above which a node counts as degraded")
		pprofPort     = flag.Uint("pprof-port", 0, "port to serve default pprof profiling endpoints on or 0 to disable")
		debug         = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()
	godotenv.Load()

	log, err := newLogger(*debug)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if *pprofPort != 0 {
		go func() {
			// default handler has pprof endpoints when the package is imported
			log.Error("pprof server exited", zap.Error(http.ListenAndServe(fmt.Sprintf(":%d", *pprofPort), nil)))
		}()
	}

	secret := []byte(os.Getenv("ENSEMBLE_JWT_KEY"))
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			log.Fatal("generating ephemeral token secret", zap.Error(err))
		}
		log.Warn("ENSEMBLE_JWT_KEY is not set - operator tokens will not survive a restart")
	}

	auth, err := newAuthenticator(*operatorsPath, secret)
	if err != nil {
		log.Fatal("loading operators file", zap.Error(err))
	}

	cert, fingerprint, err := rpc.GenCertificate(".")
	if err != nil {
		log.Fatal("generating certificate", zap.Error(err))
	}

	store, err := newStore(*storeDir)
	if err != nil {
		log.Fatal("opening state store", zap.Error(err))
	}

	events, err := newEventPublisher(log, *natsURL)
	if err != nil {
		log.Fatal("connecting to event broker", zap.Error(err))
	}

	queue := newNodeQueue()
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "ensemble_reconcile_queue_depth"}, func() float64 {
		return float64(queue.Len())
	}))

	reg, err := newRegistry(log, store, queue, events)
	if err != nil {
		log.Fatal("indexing fleet", zap.Error(err))
	}

	agent := newAgentClient(cert, time.Minute*5, *agentPort)

	recOpts := defaultReconcilerOptions()
	recOpts.Workers = *workers
	recOpts.MaxAttempts = *maxAttempts
	recOpts.Resync = *resync
	rec := newReconciler(log, reg, queue, agent, events, recOpts)

	healthOpts := defaultHealthOptions()
	healthOpts.PollInterval = *pollInterval
	healthOpts.Freshness = *freshness
	healthOpts.CPUThreshold = *cpuThreshold
	healthOpts.MemThreshold = *memThreshold
	health := newHealthAggregator(log, reg, agent, events, healthOpts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recDone := make(chan struct{})
	go func() {
		defer close(recDone)
		if err := rec.Run(ctx); err != nil {
			log.Fatal("recovering reconciliation state", zap.Error(err))
		}
	}()
	go health.Run(ctx)

	svr := rpc.NewServer(*addr, cert, rpc.WithLogging(log, newApiHandler(log, auth, reg, health, agent)))
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), time.Second*10)
		defer done()
		svr.Shutdown(shutdownCtx)
	}()

	log.Info("starting control API",
		zap.String("addr", *addr),
		zap.String("fingerprint", fingerprint),
		zap.Int("operators", len(auth.operators)))
	err = svr.ListenAndServeTLS("", "")
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("control API server failed", zap.Error(err))
	}

	// Let in-flight reconciliations write their outcome before the store
	// goes away under them.
	<-recDone
	events.Close()
	if err := store.Close(); err != nil {
		log.Error("closing state store", zap.Error(err))
	}
	log.Info("shut down cleanly")
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
