// hyperdrive runs a drive as a daemon: it opens or creates the drive named
// in the configuration, replicates it with peers over NNG and exposes
// Prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/mdheller/hyperdrive/pkg/codec"
	"github.com/mdheller/hyperdrive/pkg/config"
	"github.com/mdheller/hyperdrive/pkg/drive"
	"github.com/mdheller/hyperdrive/pkg/feed"
	"github.com/mdheller/hyperdrive/pkg/health"
	"github.com/mdheller/hyperdrive/pkg/logging"
	"github.com/mdheller/hyperdrive/pkg/metadata"
	"github.com/mdheller/hyperdrive/pkg/metrics"
	"github.com/mdheller/hyperdrive/pkg/replication"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		logLevel   string
		listen     string
		peers      []string
		metricsAt  string
		dump       bool
	)
	flags := pflag.NewFlagSet("hyperdrive", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	flags.StringVar(&logLevel, "log-level", "", "override log_level (debug, info, warn, error)")
	flags.StringVar(&listen, "listen", "", "override replication.listen, an NNG URL such as tcp://0.0.0.0:7070")
	flags.StringSliceVar(&peers, "peer", nil, "NNG URL of a peer to replicate with (repeatable)")
	flags.StringVar(&metricsAt, "metrics", "", "override metrics.listen, e.g. :9090")
	flags.BoolVar(&dump, "dump-metadata", false, "print the locally stored metadata blocks and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if listen != "" {
		cfg.Replication.Listen = listen
	}
	cfg.Replication.Peers = append(cfg.Replication.Peers, peers...)
	if metricsAt != "" {
		cfg.Metrics.Listen = metricsAt
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := cfg.NewLogger().With(logging.Component("hyperdrive"))
	logging.SetDefaultLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	reg.RegisterRuntimeCollectors()

	store, err := cfg.OpenStore(ctx, logger)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Storage.Backend, err)
	}
	opts, err := cfg.DriveOptions(store, logger, reg)
	if err != nil {
		store.Close()
		return err
	}
	d, err := drive.New(ctx, opts)
	if err != nil {
		return err
	}
	defer d.Close()
	if dump {
		return dumpMetadata(ctx, os.Stdout, d.MetadataFeed())
	}
	if err := cfg.SaveNewKey(d.Key(), d.SecretKey()); err != nil {
		return fmt.Errorf("saving key file: %w", err)
	}
	logger.Info("serving drive",
		logging.Key(d.Key()),
		logging.String("discovery_key", d.DiscoveryKey()),
		logging.Bool("writable", d.Writable()),
		logging.Version(d.Version()))

	w, err := d.Watch("/", func(e metadata.Entry) {
		logger.Info("drive changed",
			logging.Path(e.Path),
			logging.Bool("deleted", e.Deleted),
			logging.Version(e.Version))
	})
	if err != nil {
		return err
	}
	defer w.Unsubscribe()

	var wg sync.WaitGroup
	if cfg.Metrics.Listen != "" {
		checker := newChecker(d, len(cfg.Replication.Peers))
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: metricsMux(reg, checker), ReadHeaderTimeout: 5 * time.Second}
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("metrics listening", logging.String("addr", cfg.Metrics.Listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", logging.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Replication.Listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serve(ctx, d, cfg.Replication.Listen, logger)
		}()
	}
	for _, peer := range cfg.Replication.Peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dial(ctx, d, peer, logger)
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	if err := d.Close(); err != nil {
		logger.Warn("drive close failed", logging.Error(err))
	}
	wg.Wait()
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Parse(nil)
	}
	return config.Load(path)
}

// dumpMetadata writes one line per metadata block in CBOR diagnostic
// notation. Blocks a sparse replica has not fetched are marked missing.
func dumpMetadata(ctx context.Context, w io.Writer, f *feed.Feed) error {
	for i := uint64(0); i < f.Length(); i++ {
		if !f.Has(ctx, i) {
			fmt.Fprintf(w, "%d\tmissing\n", i)
			continue
		}
		data, err := f.GetLocal(ctx, i)
		if err != nil {
			return fmt.Errorf("reading block %d: %w", i, err)
		}
		diag, err := codec.Diagnose(data)
		if err != nil {
			return fmt.Errorf("decoding block %d: %w", i, err)
		}
		fmt.Fprintf(w, "%d\t%s\n", i, diag)
	}
	return nil
}

func newChecker(d *drive.Drive, peers int) *health.Checker {
	checker := health.NewChecker()
	checker.Register("drive", health.DriveCheck(d))
	checker.Register("replication", health.ReplicationCheck(d, peers))
	checker.RegisterReadiness("drive", health.DriveCheck(d))
	checker.RegisterReadiness("content", health.SignalCheck("content", d.ContentReady()))
	return checker
}

func metricsMux(reg *metrics.Registry, checker *health.Checker) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	mux.Handle("/healthz", checker.Handler())
	mux.Handle("/readyz", checker.ReadinessHandler())
	return mux
}

// serve accepts one peer at a time on a pair socket, re-listening after
// each session ends.
func serve(ctx context.Context, d *drive.Drive, addr string, logger logging.Logger) {
	for ctx.Err() == nil {
		t, err := replication.ListenNNG(addr, logger)
		if err != nil {
			logger.Error("replication listen failed", logging.String("addr", addr), logging.Error(err))
			if !sleep(ctx, 5*time.Second) {
				return
			}
			continue
		}
		logger.Info("replication listening", logging.String("addr", t.Addr()))
		if !session(ctx, d, t, logger) {
			return
		}
	}
}

// dial keeps a session open to addr, reconnecting with a fixed backoff.
func dial(ctx context.Context, d *drive.Drive, addr string, logger logging.Logger) {
	for ctx.Err() == nil {
		t, err := replication.DialNNG(addr, logger)
		if err != nil {
			logger.Warn("peer dial failed", logging.Peer(addr), logging.Error(err))
		} else if !session(ctx, d, t, logger) {
			return
		}
		if !sleep(ctx, 5*time.Second) {
			return
		}
	}
}

// session replicates over t until the session ends. It reports false once
// the drive can no longer replicate.
func session(ctx context.Context, d *drive.Drive, t replication.Transport, logger logging.Logger) bool {
	s, err := d.ReplicateOver(ctx, t)
	if err != nil {
		t.Close()
		logger.Warn("replication unavailable", logging.Error(err))
		return false
	}
	<-s.Done()
	logger.Info("replication session ended",
		logging.Session(s.ID()),
		logging.Peer(s.RemoteID()),
		logging.Error(s.Err()))
	return true
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
