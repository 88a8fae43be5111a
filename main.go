package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"github.com/padraicbc/racesync/app"
	"github.com/padraicbc/racesync/config"
	"github.com/padraicbc/racesync/handlers"
	applog "github.com/padraicbc/racesync/logger"
	mw "github.com/padraicbc/racesync/middleware"
)

func main() {
	cfg := config.Load()
	logger, err := applog.New(cfg.Debug)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer rt.Close()

	var (
		writer *app.Writer
		engine handlers.Engine
	)
	if cfg.Sync.Enabled && cfg.Feed.Driver != config.FeedNone {
		writer, err = rt.Writer(ctx)
		switch {
		case errors.Is(err, app.ErrWriterElsewhere):
			logger.Info("writer lock held elsewhere, serving reads only", zap.String("key", cfg.Redis.LockKey))
		case err != nil:
			logger.Fatal("sync engine startup failed", zap.Error(err))
		default:
			engine = writer.Engine
		}
	}

	q := rt.Query()
	hub := handlers.NewHub(q.SyncStatus, 2*time.Second, logger.Named("ws"))
	h := handlers.New(q, rt.Operators, engine, hub, cfg.JWTKey(), logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.Int("status", v.Status),
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			switch {
			case v.Status >= 500:
				logger.Error("http request", fields...)
			case v.Status >= 400:
				logger.Warn("http request", fields...)
			default:
				logger.Debug("http request", fields...)
			}
			return nil
		},
	}))
	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"*", "Authorization"},
	}))
	e.Use(mw.Metrics(rt.Metrics))
	e.GET("/metrics", echo.WrapHandler(rt.Metrics.Handler()))
	h.Register(e)

	s := &http.Server{
		Addr:         cfg.Port,
		Handler:      e,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
	if !cfg.Debug {
		autoTLS := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache(".cache"),
			HostPolicy: autocert.HostWhitelist(cfg.TLSDomains...),
		}
		s.Addr = ":443"
		s.TLSConfig = autoTLS.TLSConfig()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", zap.Bool("debug", cfg.Debug), zap.String("addr", s.Addr))
		var err error
		if cfg.Debug {
			err = s.ListenAndServe()
		} else {
			err = s.ListenAndServeTLS("", "")
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error { return hub.Run(gctx) })
	if writer != nil {
		g.Go(func() error { return writer.Engine.Run(gctx) })
		if writer.Lock != nil {
			g.Go(func() error { return writer.Lock.Hold(gctx) })
		}
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(sctx)
	})

	err = g.Wait()
	if writer != nil {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if cerr := writer.Close(cctx); cerr != nil {
			logger.Error("sync engine close failed", zap.Error(cerr))
		}
		cancel()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("exited with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shut down")
}
