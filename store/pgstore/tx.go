package pgstore

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"github.com/padraicbc/racesync/models"
	"github.com/padraicbc/racesync/store"
)

func getRace(ctx context.Context, db bun.IDB, raceID string, lock bool) (models.Race, error) {
	var r models.Race
	q := db.NewSelect().Model(&r).Where("race_id = ?", raceID)
	if lock {
		q = q.For("UPDATE")
	}
	err := q.Scan(ctx)
	return r, mapErr(err)
}

func getRunner(ctx context.Context, db bun.IDB, runnerID string, lock bool) (models.Runner, error) {
	var r models.Runner
	q := db.NewSelect().Model(&r).Where("runner_id = ?", runnerID)
	if lock {
		q = q.For("UPDATE")
	}
	err := q.Scan(ctx)
	return r, mapErr(err)
}

func getHorse(ctx context.Context, db bun.IDB, horseID string) (models.Horse, error) {
	var h models.Horse
	err := db.NewSelect().Model(&h).Where("horse_id = ?", horseID).Scan(ctx)
	return h, mapErr(err)
}

type pgTx struct {
	tx bun.Tx
}

func (t *pgTx) GetRace(ctx context.Context, raceID string) (models.Race, error) {
	return getRace(ctx, t.tx, raceID, true)
}

func (t *pgTx) SaveRace(ctx context.Context, r models.Race) error {
	r.UpdatedAt = time.Now()
	_, err := t.tx.NewInsert().Model(&r).
		On("CONFLICT (race_id) DO UPDATE").
		Set("date = EXCLUDED.date").
		Set("venue = EXCLUDED.venue").
		Set("venue_name = EXCLUDED.venue_name").
		Set("race_number = EXCLUDED.race_number").
		Set("name = EXCLUDED.name").
		Set("distance = EXCLUDED.distance").
		Set("surface = EXCLUDED.surface").
		Set("conditions = EXCLUDED.conditions").
		Set("post_time = EXCLUDED.post_time").
		Set("status = EXCLUDED.status").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return mapErr(err)
}

func (t *pgTx) GetRunner(ctx context.Context, runnerID string) (models.Runner, error) {
	return getRunner(ctx, t.tx, runnerID, true)
}

func (t *pgTx) SaveRunner(ctx context.Context, r models.Runner) error {
	r.UpdatedAt = time.Now()
	_, err := t.tx.NewInsert().Model(&r).
		On("CONFLICT (runner_id) DO UPDATE").
		Set("frame_number = EXCLUDED.frame_number").
		Set("horse_id = EXCLUDED.horse_id").
		Set("jockey_id = EXCLUDED.jockey_id").
		Set("weight = EXCLUDED.weight").
		Set("body_weight = EXCLUDED.body_weight").
		Set("finish = EXCLUDED.finish").
		Set("result_locked = EXCLUDED.result_locked").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return mapErr(err)
}

func (t *pgTx) AppendOdds(ctx context.Context, s models.OddsSnapshot) (bool, error) {
	res, err := t.tx.NewInsert().Model(&s).
		On("CONFLICT (runner_id, observed_at) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *pgTx) GetHorse(ctx context.Context, horseID string) (models.Horse, error) {
	return getHorse(ctx, t.tx, horseID)
}

func (t *pgTx) SaveHorse(ctx context.Context, h models.Horse) error {
	h.UpdatedAt = time.Now()
	_, err := t.tx.NewInsert().Model(&h).
		On("CONFLICT (horse_id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("sex = EXCLUDED.sex").
		Set("birth_date = EXCLUDED.birth_date").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return mapErr(err)
}

func (t *pgTx) GetPedigreeLink(ctx context.Context, childID, role string) (models.PedigreeLink, error) {
	var l models.PedigreeLink
	err := t.tx.NewSelect().Model(&l).
		Where("child_id = ?", childID).
		Where("role = ?", role).
		Scan(ctx)
	return l, mapErr(err)
}

func (t *pgTx) SavePedigreeLink(ctx context.Context, l models.PedigreeLink) error {
	_, err := t.tx.NewInsert().Model(&l).
		On("CONFLICT (child_id, role) DO UPDATE").
		Set("ancestor_id = EXCLUDED.ancestor_id").
		Set("ancestor_name = EXCLUDED.ancestor_name").
		Set("authoritative = EXCLUDED.authoritative").
		Exec(ctx)
	return mapErr(err)
}

func (t *pgTx) SaveHorseWeight(ctx context.Context, w models.HorseWeight) error {
	_, err := t.tx.NewInsert().Model(&w).
		On("CONFLICT (horse_id, date) DO UPDATE").
		Set("weight = EXCLUDED.weight").
		Set("race_id = EXCLUDED.race_id").
		Exec(ctx)
	return mapErr(err)
}

func (t *pgTx) SaveRaceWeight(ctx context.Context, w models.RaceWeight) error {
	_, err := t.tx.NewInsert().Model(&w).
		On("CONFLICT (race_id, post_position) DO UPDATE").
		Set("horse_id = EXCLUDED.horse_id").
		Set("weight = EXCLUDED.weight").
		Set("diff = EXCLUDED.diff").
		Set("announced_at = EXCLUDED.announced_at").
		Exec(ctx)
	return mapErr(err)
}

func (t *pgTx) GetJockey(ctx context.Context, jockeyID string) (models.Jockey, error) {
	var j models.Jockey
	err := t.tx.NewSelect().Model(&j).Where("jockey_id = ?", jockeyID).Scan(ctx)
	return j, mapErr(err)
}

func (t *pgTx) SaveJockey(ctx context.Context, j models.Jockey) error {
	_, err := t.tx.NewInsert().Model(&j).
		On("CONFLICT (jockey_id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Exec(ctx)
	return mapErr(err)
}

func (t *pgTx) SavePayout(ctx context.Context, p models.Payout) error {
	_, err := t.tx.NewInsert().Model(&p).
		On("CONFLICT (race_id, bet_type, post_position) DO UPDATE").
		Set("amount = EXCLUDED.amount").
		Set("popularity = EXCLUDED.popularity").
		Exec(ctx)
	return mapErr(err)
}

func (t *pgTx) AddDeadLetters(ctx context.Context, dls []models.DeadLetter) error {
	if len(dls) == 0 {
		return nil
	}
	now := time.Now()
	for i := range dls {
		if dls[i].CreatedAt.IsZero() {
			dls[i].CreatedAt = now
		}
	}
	_, err := t.tx.NewInsert().Model(&dls).Exec(ctx)
	return mapErr(err)
}

func (t *pgTx) AdvanceWatermark(ctx context.Context, kind models.SyncKind, cursor int64, completed bool) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO sync_watermarks (kind, last_successful_cursor, last_attempted_cursor, completed, updated_at)
		 VALUES (?, ?, ?, ?, now())
		 ON CONFLICT (kind)
		 DO UPDATE SET last_successful_cursor = GREATEST(sync_watermarks.last_successful_cursor, EXCLUDED.last_successful_cursor),
		               completed = sync_watermarks.completed OR EXCLUDED.completed,
		               updated_at = now()`,
		kind, cursor, cursor, completed,
	)
	return mapErr(err)
}

var _ store.Tx = (*pgTx)(nil)
