package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/serroba/collabtext/internal/api"
	"github.com/serroba/collabtext/internal/collab"
	"github.com/serroba/collabtext/internal/storage"
	"github.com/serroba/collabtext/internal/ws"
)

const Version = "0.1.0"

const usage = `Collaborative text field server.

Usage:
    collabtextd [--addr=<addr>] [--postgres=<dsn>]
        [--history=<n>] [--snapshot-every=<n>] [--compact-ratio=<r>]
        [--v=<level>]
    collabtextd -h | --help
    collabtextd --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --addr=<addr>          Listen address [default: :8080].
    --postgres=<dsn>       Store documents in Postgres instead of memory.
    --history=<n>          Rebase history per field and undo depth [default: 100].
    --snapshot-every=<n>   Transactions between snapshots, 0 disables [default: 50].
    --compact-ratio=<r>    Share of each change log folded before a snapshot [default: 0.5].
    --v=<level>            Log verbosity [default: 0].`

type config struct {
	addr          string
	dsn           string
	history       int
	snapshotEvery int
	compactRatio  float64
}

func parseConfig(argv []string) (config, error) {
	opts, err := docopt.ParseArgs(usage, argv, Version)
	if err != nil {
		return config{}, err
	}

	var cfg config

	cfg.addr, _ = opts.String("--addr")

	if dsn, ok := opts["--postgres"].(string); ok {
		cfg.dsn = dsn
	}

	if cfg.history, err = opts.Int("--history"); err != nil {
		return config{}, err
	}

	if cfg.snapshotEvery, err = opts.Int("--snapshot-every"); err != nil {
		return config{}, err
	}

	if cfg.compactRatio, err = opts.Float64("--compact-ratio"); err != nil {
		return config{}, err
	}

	verbosity, _ := opts.String("--v")
	_ = flag.Set("v", verbosity)

	return cfg, nil
}

func openStore(dsn string) (storage.Store, func(), error) {
	if dsn == "" {
		return storage.NewMemoryStore(), func() {}, nil
	}

	store, err := storage.OpenPostgres(dsn)
	if err != nil {
		return nil, nil, err
	}

	return store, func() { _ = store.Close() }, nil
}

func main() {
	_ = flag.Set("logtostderr", "true")

	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		glog.Exitf("invalid arguments: %v", err)
	}

	defer glog.Flush()

	store, closeStore, err := openStore(cfg.dsn)
	if err != nil {
		glog.Exitf("open store: %v", err)
	}

	defer closeStore()

	hub := ws.NewHub()

	manager := collab.NewManager(collab.ManagerConfig{
		Store:          store,
		Hub:            hub,
		SnapshotPolicy: storage.NewSnapshotPolicy(cfg.snapshotEvery),
		HistorySize:    cfg.history,
		CompactRatio:   cfg.compactRatio,
	})

	server := api.NewServer(api.ServerConfig{
		Manager: manager,
		Hub:     hub,
	})

	// Configure HTTP server with timeouts
	httpServer := &http.Server{
		Addr:              cfg.addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = httpServer.Shutdown(shutdownCtx)
	}()

	glog.Infof("starting server on %s", cfg.addr)

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		glog.Errorf("server error: %v", err)
	}

	if err := manager.CloseAll(); err != nil {
		glog.Errorf("close sessions: %v", err)
	}

	glog.Infof("stopped, %d bytes were held by open documents", manager.Memory())
}
