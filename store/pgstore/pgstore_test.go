package pgstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/padraicbc/racesync/db"
	"github.com/padraicbc/racesync/models"
	"github.com/padraicbc/racesync/store"
)

// openTestStore connects to RACESYNC_TEST_DATABASE_URL, a disposable
// database whose racing tables are truncated before each test.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("RACESYNC_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("RACESYNC_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	bdb, err := db.Open(ctx, dsn, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = bdb.Close() })
	if err := db.CreateTables(ctx, bdb); err != nil {
		t.Fatalf("create tables: %v", err)
	}
	if err := db.CheckSchema(ctx, bdb); err != nil {
		t.Fatalf("schema: %v", err)
	}
	_, err = bdb.ExecContext(ctx, `TRUNCATE odds_snapshots, runners, payouts, races, race_weights,
		horse_weights, pedigree_links, horses, jockeys, sync_watermarks, sync_state, sync_runs, dead_letters`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return New(bdb)
}

func TestPostgresBatchRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 1, 25, 14, 10, 0, 0, time.UTC)
	win := 3.4

	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.SaveRace(ctx, models.Race{RaceID: "20260125_06_11", Date: "20260125", Venue: "06", RaceNumber: 11, Status: models.StatusScheduled}); err != nil {
			return err
		}
		if err := tx.SaveRunner(ctx, models.Runner{RunnerID: "20260125_06_11_01", RaceID: "20260125_06_11", PostPosition: 1, HorseID: "H1", JockeyID: "J1"}); err != nil {
			return err
		}
		for i := 0; i < 2; i++ {
			if _, err := tx.AppendOdds(ctx, models.OddsSnapshot{RunnerID: "20260125_06_11_01", RaceID: "20260125_06_11", ObservedAt: at, WinOdds: &win}); err != nil {
				return err
			}
		}
		return tx.AdvanceWatermark(ctx, models.KindBulk, 42, true)
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	views, err := s.ListRunners(ctx, "20260125_06_11")
	if err != nil {
		t.Fatalf("list runners: %v", err)
	}
	if len(views) != 1 || views[0].LatestOdds == nil || *views[0].LatestOdds.WinOdds != 3.4 {
		t.Fatalf("unexpected runners %+v", views)
	}
	history, err := s.OddsByRunner(ctx, "20260125_06_11_01")
	if err != nil || len(history) != 1 {
		t.Fatalf("odds history %d %v", len(history), err)
	}

	err = s.InTx(ctx, func(tx store.Tx) error {
		return tx.AdvanceWatermark(ctx, models.KindBulk, 7, false)
	})
	if err != nil {
		t.Fatal(err)
	}
	wms, err := s.Watermarks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if wms[0].LastSuccessfulCursor != 42 || !wms[0].Completed {
		t.Fatalf("watermark regressed: %+v", wms[0])
	}
}

func TestPostgresRollback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.SaveRace(ctx, models.Race{RaceID: "20260125_06_12", Date: "20260125", Venue: "06", RaceNumber: 12, Status: models.StatusScheduled}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.GetRace(ctx, "20260125_06_12"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("rolled back race visible: %v", err)
	}

	err = s.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.AppendOdds(ctx, models.OddsSnapshot{RunnerID: "missing", RaceID: "x", ObservedAt: time.Now()})
		return err
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("orphan odds must conflict, got %v", err)
	}
}
