package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"github.com/padraicbc/racesync/models"
	"github.com/padraicbc/racesync/normalize"
	"github.com/padraicbc/racesync/store"
)

// Open opens a PostgreSQL connection and pings it.
func Open(ctx context.Context, dsn string, debug bool) (*bun.DB, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Setup opens a PostgreSQL connection or exits.
func Setup(dsn string, debug bool) *bun.DB {
	db, err := Open(context.Background(), dsn, debug)
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}
	return db
}

// Tables lists every model in dependency order.
var Tables = []interface{}{
	(*models.Operator)(nil),
	(*models.Course)(nil),
	(*models.Jockey)(nil),
	(*models.Horse)(nil),
	(*models.PedigreeLink)(nil),
	(*models.Race)(nil),
	(*models.Runner)(nil),
	(*models.OddsSnapshot)(nil),
	(*models.RaceWeight)(nil),
	(*models.HorseWeight)(nil),
	(*models.Payout)(nil),
	(*models.Watermark)(nil),
	(*models.SyncState)(nil),
	(*models.SyncRun)(nil),
	(*models.DeadLetter)(nil),
}

// CreateTables creates all tables in dependency order.
func CreateTables(ctx context.Context, db *bun.DB) error {
	for _, model := range Tables {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("creating table for %T: %w", model, err)
		}
	}

	constraints := []string{
		`DO $$ BEGIN IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'runners_race_fk') THEN ALTER TABLE runners ADD CONSTRAINT runners_race_fk FOREIGN KEY (race_id) REFERENCES races (race_id); END IF; END $$`,
		`DO $$ BEGIN IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'odds_runner_fk') THEN ALTER TABLE odds_snapshots ADD CONSTRAINT odds_runner_fk FOREIGN KEY (runner_id) REFERENCES runners (runner_id); END IF; END $$`,
		`DO $$ BEGIN IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'payouts_race_fk') THEN ALTER TABLE payouts ADD CONSTRAINT payouts_race_fk FOREIGN KEY (race_id) REFERENCES races (race_id); END IF; END $$`,
		`CREATE INDEX IF NOT EXISTS races_date_idx ON races (date)`,
		`CREATE INDEX IF NOT EXISTS runners_horse_idx ON runners (horse_id)`,
		`CREATE INDEX IF NOT EXISTS runners_jockey_idx ON runners (jockey_id)`,
		`CREATE INDEX IF NOT EXISTS odds_race_ts_idx ON odds_snapshots (race_id, observed_at)`,
		`CREATE INDEX IF NOT EXISTS dead_letters_created_idx ON dead_letters (created_at) WHERE archived_at IS NULL`,
	}
	for _, stmt := range constraints {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			log.Printf("constraint: %v", err)
		}
	}

	return SeedCourses(ctx, db)
}

// SeedCourses loads the venue code table into courses.
func SeedCourses(ctx context.Context, db bun.IDB) error {
	courses := normalize.Courses()
	if len(courses) == 0 {
		return nil
	}
	_, err := db.NewInsert().Model(&courses).On("CONFLICT (code) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("region = EXCLUDED.region").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("seeding courses: %w", err)
	}
	return nil
}

// CheckSchema fails with store.ErrSchemaMismatch when a table the store
// needs is missing.
func CheckSchema(ctx context.Context, db bun.IDB) error {
	var missing []string
	for _, model := range Tables {
		name := db.NewSelect().Model(model).GetTableName()
		var n int
		err := db.NewRaw(`SELECT count(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?`, name).
			Scan(ctx, &n)
		if err != nil {
			return err
		}
		if n == 0 {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing tables %v", store.ErrSchemaMismatch, missing)
	}
	return nil
}
