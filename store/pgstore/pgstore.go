// Package pgstore implements store.Store on PostgreSQL through bun.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/padraicbc/racesync/models"
	"github.com/padraicbc/racesync/store"
)

// Store reads and writes the racing schema created by db.CreateTables.
type Store struct {
	db *bun.DB
}

func New(db *bun.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

// mapErr translates driver errors into store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		switch pgErr.Field('C') {
		case "23503", "23505":
			return errors.Join(store.ErrConflict, err)
		case "42P01", "42703":
			return errors.Join(store.ErrSchemaMismatch, err)
		}
	}
	return err
}

// InTx runs fn inside a database transaction that commits only when fn
// succeeds.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapErr(err)
	}
	committed = true
	return nil
}

type raceSummaryRow struct {
	models.Race `bun:",extend"`

	RunnerCount int `bun:"runner_count"`
}

func (s *Store) ListRaces(ctx context.Context, date string) ([]models.RaceSummary, error) {
	var rows []raceSummaryRow
	err := s.db.NewSelect().
		Model(&rows).
		ColumnExpr("rc.*").
		ColumnExpr("(SELECT count(*) FROM runners ru WHERE ru.race_id = rc.race_id) AS runner_count").
		Where("rc.date = ?", date).
		Order("rc.venue", "rc.race_number").
		Scan(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]models.RaceSummary, len(rows))
	for i, r := range rows {
		out[i] = models.RaceSummary{Race: r.Race, RunnerCount: r.RunnerCount}
	}
	return out, nil
}

func (s *Store) HasScheduledRaces(ctx context.Context, date string) (bool, error) {
	ok, err := s.db.NewSelect().Model((*models.Race)(nil)).
		Where("date = ?", date).
		Where("status = ?", models.StatusScheduled).
		Exists(ctx)
	return ok, mapErr(err)
}

func (s *Store) GetRace(ctx context.Context, raceID string) (models.Race, error) {
	return getRace(ctx, s.db, raceID, false)
}

func (s *Store) GetRunner(ctx context.Context, runnerID string) (models.Runner, error) {
	return getRunner(ctx, s.db, runnerID, false)
}

type runnerRow struct {
	RunnerID       string     `bun:"runner_id"`
	RaceID         string     `bun:"race_id"`
	PostPosition   int        `bun:"post_position"`
	FrameNumber    int        `bun:"frame_number"`
	HorseID        string     `bun:"horse_id"`
	JockeyID       string     `bun:"jockey_id"`
	Weight         float64    `bun:"weight"`
	BodyWeight     *int       `bun:"body_weight"`
	Finish         *int       `bun:"finish"`
	UpdatedAt      time.Time  `bun:"updated_at"`
	HorseName      string     `bun:"horse_name"`
	JockeyName     string     `bun:"jockey_name"`
	OddsObservedAt *time.Time `bun:"odds_observed_at"`
	WinOdds        *float64   `bun:"win_odds"`
	PlaceOddsMin   *float64   `bun:"place_odds_min"`
	PlaceOddsMax   *float64   `bun:"place_odds_max"`
	WinRank        *int       `bun:"win_rank"`
}

func (s *Store) ListRunners(ctx context.Context, raceID string) ([]models.RunnerView, error) {
	if _, err := s.GetRace(ctx, raceID); err != nil {
		return nil, err
	}
	var rows []runnerRow
	err := s.db.NewRaw(`
		SELECT ru.runner_id, ru.race_id, ru.post_position, ru.frame_number, ru.horse_id,
		       ru.jockey_id, ru.weight, ru.body_weight, ru.finish, ru.updated_at,
		       coalesce(h.name, '') AS horse_name, coalesce(j.name, '') AS jockey_name,
		       lo.observed_at AS odds_observed_at, lo.win_odds, lo.place_odds_min,
		       lo.place_odds_max, lo.win_rank
		FROM runners ru
		LEFT JOIN horses h ON h.horse_id = ru.horse_id
		LEFT JOIN jockeys j ON j.jockey_id = ru.jockey_id
		LEFT JOIN LATERAL (
			SELECT os.observed_at, os.win_odds, os.place_odds_min, os.place_odds_max, os.win_rank
			FROM odds_snapshots os
			WHERE os.runner_id = ru.runner_id
			ORDER BY os.observed_at DESC
			LIMIT 1
		) lo ON true
		WHERE ru.race_id = ?
		ORDER BY ru.post_position`,
		raceID,
	).Scan(ctx, &rows)
	if err != nil {
		return nil, mapErr(err)
	}

	out := make([]models.RunnerView, len(rows))
	for i, r := range rows {
		v := models.RunnerView{
			Runner: models.Runner{
				RunnerID:     r.RunnerID,
				RaceID:       r.RaceID,
				PostPosition: r.PostPosition,
				FrameNumber:  r.FrameNumber,
				HorseID:      r.HorseID,
				JockeyID:     r.JockeyID,
				Weight:       r.Weight,
				BodyWeight:   r.BodyWeight,
				Finish:       r.Finish,
				UpdatedAt:    r.UpdatedAt,
			},
			HorseName:  r.HorseName,
			JockeyName: r.JockeyName,
		}
		if r.OddsObservedAt != nil {
			v.LatestOdds = &models.OddsSnapshot{
				RunnerID:     r.RunnerID,
				RaceID:       r.RaceID,
				ObservedAt:   *r.OddsObservedAt,
				WinOdds:      r.WinOdds,
				PlaceOddsMin: r.PlaceOddsMin,
				PlaceOddsMax: r.PlaceOddsMax,
				WinRank:      r.WinRank,
			}
		}
		out[i] = v
	}
	return out, nil
}

func (s *Store) Payouts(ctx context.Context, raceID string) ([]models.Payout, error) {
	var out []models.Payout
	err := s.db.NewSelect().Model(&out).
		Where("race_id = ?", raceID).
		OrderExpr("bet_type DESC, popularity, post_position").
		Scan(ctx)
	return out, mapErr(err)
}

func (s *Store) OddsByRace(ctx context.Context, raceID string) ([]models.OddsSnapshot, error) {
	var out []models.OddsSnapshot
	err := s.db.NewSelect().Model(&out).
		Where("race_id = ?", raceID).
		Order("observed_at", "runner_id").
		Scan(ctx)
	return out, mapErr(err)
}

func (s *Store) OddsByRunner(ctx context.Context, runnerID string) ([]models.OddsSnapshot, error) {
	var out []models.OddsSnapshot
	err := s.db.NewSelect().Model(&out).
		Where("runner_id = ?", runnerID).
		Order("observed_at").
		Scan(ctx)
	return out, mapErr(err)
}

func (s *Store) RaceWeights(ctx context.Context, raceID string) ([]models.RaceWeight, error) {
	var out []models.RaceWeight
	err := s.db.NewSelect().Model(&out).
		Where("race_id = ?", raceID).
		Order("post_position").
		Scan(ctx)
	return out, mapErr(err)
}

func (s *Store) GetHorse(ctx context.Context, horseID string) (models.Horse, error) {
	return getHorse(ctx, s.db, horseID)
}

func (s *Store) ParentLinks(ctx context.Context, childIDs []string) ([]models.PedigreeLink, error) {
	if len(childIDs) == 0 {
		return nil, nil
	}
	var out []models.PedigreeLink
	err := s.db.NewSelect().Model(&out).
		Where("child_id IN (?)", bun.In(childIDs)).
		Scan(ctx)
	return out, mapErr(err)
}

func (s *Store) HorseWeights(ctx context.Context, horseID string) ([]models.HorseWeight, error) {
	var out []models.HorseWeight
	err := s.db.NewSelect().Model(&out).
		Where("horse_id = ?", horseID).
		Order("date").
		Scan(ctx)
	return out, mapErr(err)
}

func (s *Store) Performances(ctx context.Context, horseID string, limit int) ([]models.Performance, error) {
	if limit <= 0 {
		limit = 1000
	}
	var out []models.Performance
	err := s.db.NewRaw(`
		SELECT rc.race_id, rc.date, rc.venue, rc.venue_name, rc.name AS race_name,
		       rc.distance, rc.surface, ru.post_position, ru.jockey_id, ru.weight,
		       ru.body_weight, ru.finish, rc.status
		FROM runners ru
		INNER JOIN races rc ON rc.race_id = ru.race_id
		WHERE ru.horse_id = ?
		ORDER BY rc.date DESC, rc.race_id DESC
		LIMIT ?`,
		horseID, limit,
	).Scan(ctx, &out)
	return out, mapErr(err)
}

func (s *Store) JockeyStats(ctx context.Context, jockeyID, venue string) (models.JockeyStats, error) {
	stats := models.JockeyStats{JockeyID: jockeyID, Course: venue}

	var j models.Jockey
	err := s.db.NewSelect().Model(&j).Where("jockey_id = ?", jockeyID).Scan(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		rode, err := s.db.NewSelect().Model((*models.Runner)(nil)).Where("jockey_id = ?", jockeyID).Exists(ctx)
		if err != nil {
			return stats, mapErr(err)
		}
		if !rode {
			return stats, store.ErrNotFound
		}
	case err != nil:
		return stats, mapErr(err)
	}
	stats.Name = j.Name

	err = s.db.NewRaw(`
		SELECT count(*) AS rides,
		       count(*) FILTER (WHERE ru.finish = 1) AS wins,
		       count(*) FILTER (WHERE ru.finish = 2) AS seconds,
		       count(*) FILTER (WHERE ru.finish = 3) AS thirds
		FROM runners ru
		INNER JOIN races rc ON rc.race_id = ru.race_id
		WHERE ru.jockey_id = ?
		  AND rc.status = ?
		  AND ru.finish IS NOT NULL
		  AND (? = '' OR rc.venue = ?)`,
		jockeyID, models.StatusOfficial, venue, venue,
	).Scan(ctx, &stats)
	if err != nil {
		return stats, mapErr(err)
	}
	stats.JockeyID, stats.Name, stats.Course = jockeyID, j.Name, venue
	store.JockeyRates(&stats)
	return stats, nil
}

func (s *Store) Watermarks(ctx context.Context) ([]models.Watermark, error) {
	var rows []models.Watermark
	if err := s.db.NewSelect().Model(&rows).Scan(ctx); err != nil {
		return nil, mapErr(err)
	}
	byKind := make(map[models.SyncKind]models.Watermark, len(rows))
	for _, w := range rows {
		byKind[w.Kind] = w
	}
	out := make([]models.Watermark, 0, len(models.SyncKinds))
	for _, k := range models.SyncKinds {
		w, ok := byKind[k]
		if !ok {
			w = models.Watermark{Kind: k}
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *Store) SyncState(ctx context.Context) (models.SyncState, error) {
	var ss models.SyncState
	err := s.db.NewSelect().Model(&ss).Where("id = 1").Scan(ctx)
	return ss, mapErr(err)
}

func (s *Store) DeadLetters(ctx context.Context, f store.DeadLetterFilter) ([]models.DeadLetter, error) {
	var out []models.DeadLetter
	q := s.db.NewSelect().Model(&out).Order("id DESC")
	if f.Unarchived {
		q = q.Where("archived_at IS NULL")
	}
	if !f.Before.IsZero() {
		q = q.Where("created_at < ?", f.Before)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	err := q.Scan(ctx)
	return out, mapErr(err)
}

func (s *Store) MarkAttempt(ctx context.Context, kind models.SyncKind, cursor int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_watermarks (kind, last_successful_cursor, last_attempted_cursor, completed, updated_at)
		 VALUES (?, 0, ?, false, now())
		 ON CONFLICT (kind)
		 DO UPDATE SET last_attempted_cursor = EXCLUDED.last_attempted_cursor, updated_at = now()`,
		kind, cursor,
	)
	return mapErr(err)
}

func (s *Store) ResetWatermarks(ctx context.Context) error {
	for _, k := range models.SyncKinds {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sync_watermarks (kind, last_successful_cursor, last_attempted_cursor, completed, updated_at)
			 VALUES (?, 0, 0, false, now())
			 ON CONFLICT (kind)
			 DO UPDATE SET last_successful_cursor = 0, last_attempted_cursor = 0, completed = false, updated_at = now()`,
			k,
		)
		if err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (s *Store) SaveSyncState(ctx context.Context, ss models.SyncState) error {
	ss.ID = 1
	ss.UpdatedAt = time.Now()
	_, err := s.db.NewInsert().Model(&ss).
		On("CONFLICT (id) DO UPDATE").
		Set("state = EXCLUDED.state").
		Set("last_success_at = EXCLUDED.last_success_at").
		Set("last_error = EXCLUDED.last_error").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return mapErr(err)
}

func (s *Store) SaveRun(ctx context.Context, r models.SyncRun) error {
	_, err := s.db.NewInsert().Model(&r).
		On("CONFLICT (run_id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("finished_at = EXCLUDED.finished_at").
		Set("to_cursor = EXCLUDED.to_cursor").
		Set("batches = EXCLUDED.batches").
		Set("records = EXCLUDED.records").
		Set("dead_letters = EXCLUDED.dead_letters").
		Set("error = EXCLUDED.error").
		Exec(ctx)
	return mapErr(err)
}

func (s *Store) MarkArchived(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.NewUpdate().Model((*models.DeadLetter)(nil)).
		Set("archived_at = ?", at).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	return mapErr(err)
}

func (s *Store) GetOperator(ctx context.Context, username string) (models.Operator, error) {
	var op models.Operator
	err := s.db.NewSelect().Model(&op).Where("username = ?", username).Scan(ctx)
	return op, mapErr(err)
}

func (s *Store) SaveOperator(ctx context.Context, op models.Operator) error {
	_, err := s.db.NewInsert().Model(&op).
		On("CONFLICT (username) DO UPDATE SET password = EXCLUDED.password").
		Exec(ctx)
	return mapErr(err)
}

var (
	_ store.Store     = (*Store)(nil)
	_ store.Operators = (*Store)(nil)
)
