// cmd/archive/main.go
// Moves dead letters older than a cutoff to S3 as JSON lines and marks them
// archived. Re-running after a failure picks up where it stopped.
//
// Usage:
//
//	S3_BUCKET=racesync-archive go run ./cmd/archive -days 90
//	S3_BUCKET=racesync-archive go run ./cmd/archive -before 2026-01-01
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/padraicbc/racesync/app"
	"github.com/padraicbc/racesync/archive"
	"github.com/padraicbc/racesync/config"
	applog "github.com/padraicbc/racesync/logger"
)

func main() {
	days := flag.Int("days", 90, "archive letters older than this many days")
	before := flag.String("before", "", "archive letters created before this date (YYYY-MM-DD), overrides -days")
	flag.Parse()

	cutoff := time.Now().UTC().AddDate(0, 0, -*days)
	if *before != "" {
		t, err := time.Parse(time.DateOnly, *before)
		if err != nil {
			log.Fatalf("bad -before: %v", err)
		}
		cutoff = t
	}

	ctx := context.Background()
	cfg := config.Load()
	if cfg.S3.Bucket == "" {
		log.Fatal("S3_BUCKET is required")
	}
	logger, err := applog.New(cfg.Debug)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer rt.Close()

	w, err := archive.NewS3(ctx, archive.S3Config{
		Bucket:    cfg.S3.Bucket,
		Region:    cfg.S3.Region,
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
	})
	if err != nil {
		log.Fatalf("s3: %v", err)
	}

	a := &archive.Archiver{
		Source: rt.Store,
		Writer: w,
		Prefix: cfg.S3.Prefix,
		Logger: logger.Named("archive"),
	}
	n, err := a.Run(ctx, cutoff)
	if err != nil {
		logger.Error("archive stopped", zap.Int("archived", n), zap.Error(err))
		log.Fatal(err)
	}
	fmt.Printf("%d dead letters archived (before %s)\n", n, cutoff.Format(time.DateOnly))
}
