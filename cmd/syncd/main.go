// cmd/syncd/main.go
// Runs the sync engine without the HTTP API. With Redis configured it holds
// the writer lock, so an API process started with SYNC_ENABLED=true only
// serves reads while syncd is up.
//
// Usage:
//
//	go run ./cmd/syncd                      # scheduled loop
//	go run ./cmd/syncd -once bulk           # one pass of one kind, then exit
//	go run ./cmd/syncd -reset -clear        # back to idle, watermarks cleared
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/padraicbc/racesync/app"
	"github.com/padraicbc/racesync/config"
	applog "github.com/padraicbc/racesync/logger"
	"github.com/padraicbc/racesync/models"
)

func main() {
	once := flag.String("once", "", "run one pass of bulk, structural-incremental or realtime-incremental and exit")
	reset := flag.Bool("reset", false, "reset the engine to idle and exit")
	clearMarks := flag.Bool("clear", false, "with -reset, also clear every watermark")
	metricsAddr := flag.String("metrics", ":9100", "address for /metrics, empty to disable")
	flag.Parse()

	if err := run(*once, *reset, *clearMarks, *metricsAddr); err != nil {
		fmt.Fprintln(os.Stderr, "syncd:", err)
		os.Exit(1)
	}
}

func run(once string, reset, clearMarks bool, metricsAddr string) error {
	kind := models.SyncKind(once)
	if once != "" && !kind.Valid() {
		return fmt.Errorf("unknown kind %q", once)
	}
	if clearMarks && !reset {
		return errors.New("-clear needs -reset")
	}

	cfg := config.Load()
	if cfg.Feed.Driver == config.FeedNone {
		return errors.New("FEED_DRIVER=none: nothing to sync from")
	}
	logger, err := applog.New(cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	w, err := rt.Writer(ctx)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.Close(cctx); err != nil {
			logger.Error("engine close failed", zap.Error(err))
		}
	}()

	if reset {
		if err := w.Engine.Reset(ctx, clearMarks); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		logger.Info("engine reset", zap.Bool("watermarksCleared", clearMarks))
		return nil
	}
	if once != "" {
		start := time.Now()
		if err := w.Engine.RunOnce(ctx, kind); err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}
		logger.Info("pass complete", zap.String("kind", once), zap.Duration("took", time.Since(start)))
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Engine.Run(gctx) })
	if w.Lock != nil {
		g.Go(func() error { return w.Lock.Hold(gctx) })
	}
	if metricsAddr != "" {
		s := &http.Server{Addr: metricsAddr, Handler: rt.Metrics.Handler(), ReadTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.Shutdown(sctx)
		})
	}
	logger.Info("syncd running", zap.String("feed", cfg.Feed.Driver))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
