package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ensemble-fleet/ensemble/internal/rpc"
)

func main() {
	var (
		addr        = flag.String("addr", ":8124", "address on which to serve the agent API")
		specPath    = flag.String("process-spec", "./process.toml", "TOML file describing the process to supervise")
		stateDir    = flag.String("state-dir", ".", "directory holding the agent's certificate and applied state")
		coordFprint = flag.String("coordinator-fingerprint", "", "fingerprint of the coordinator certificate this agent trusts")
		grace       = flag.Duration("grace-period", time.Second*5, "time a stopping process gets between SIGTERM and SIGKILL")
		debug       = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()
	godotenv.Load()

	log, err := newLogger(*debug)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if *coordFprint == "" {
		*coordFprint = os.Getenv("ENSEMBLE_COORDINATOR_FINGERPRINT")
	}
	if *coordFprint == "" {
		log.Fatal("a coordinator fingerprint is required - the agent refuses every caller without one")
	}

	spec, err := loadProcessSpec(*specPath)
	if err != nil {
		log.Fatal("loading process spec", zap.Error(err))
	}

	cert, fingerprint, err := rpc.GenCertificate(*stateDir)
	if err != nil {
		log.Fatal("generating certificate", zap.Error(err))
	}

	sup, err := newSupervisor(log, spec, filepath.Join(*stateDir, "applied-state.json"), *grace)
	if err != nil {
		log.Fatal("loading applied state", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	supDone := make(chan struct{})
	go func() {
		defer close(supDone)
		sup.Run(ctx)
	}()

	auth := rpc.AuthorizerFunc(func(f string) bool { return f == *coordFprint })
	svr := rpc.NewServer(*addr, cert, rpc.WithLogging(log, newApiHandler(log, auth, sup)))
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), time.Second*10)
		defer done()
		svr.Shutdown(shutdownCtx)
	}()

	// Registering the node with the coordinator takes this fingerprint.
	log.Info("starting agent API",
		zap.String("addr", *addr),
		zap.String("fingerprint", fingerprint),
		zap.String("command", spec.Command[0]))
	err = svr.ListenAndServeTLS("", "")
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("agent API server failed", zap.Error(err))
	}

	// The supervised process deliberately outlives the agent: whatever
	// replaces us adopts it from the state file.
	<-supDone
	log.Info("shut down cleanly")
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
