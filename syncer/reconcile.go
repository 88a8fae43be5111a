package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/padraicbc/racesync/feed"
	"github.com/padraicbc/racesync/models"
	"github.com/padraicbc/racesync/normalize"
	"github.com/padraicbc/racesync/store"
)

// reconciler applies one normalized batch inside a transaction. Record level
// problems become dead letters; only store failures abort the batch.
type reconciler struct {
	ctx     context.Context
	tx      store.Tx
	kind    models.SyncKind
	cursor  feed.Cursor
	races   map[string]models.Race
	runners map[string]bool

	// queued race status transitions, applied after runners
	status      map[string][]models.RaceStatus
	statusOrder []string

	dead         []models.DeadLetter
	oddsInserted int
}

func newReconciler(ctx context.Context, tx store.Tx, kind models.SyncKind, cursor feed.Cursor) *reconciler {
	return &reconciler{
		ctx:     ctx,
		tx:      tx,
		kind:    kind,
		cursor:  cursor,
		races:   map[string]models.Race{},
		runners: map[string]bool{},
		status:  map[string][]models.RaceStatus{},
	}
}

func (r *reconciler) reject(recordKind string, v any, format string, args ...any) {
	payload, _ := json.Marshal(v)
	r.dead = append(r.dead, models.DeadLetter{
		SyncKind:   r.kind,
		Cursor:     int64(r.cursor),
		RecordKind: recordKind,
		Reason:     fmt.Sprintf(format, args...),
		Payload:    string(payload),
	})
}

func (r *reconciler) apply(b *normalize.Batch) error {
	steps := []func(*normalize.Batch) error{
		r.jockeys, r.horses, r.links, r.racesStep, r.runnersStep, r.statusStep,
		r.odds, r.raceWeights, r.horseWeights, r.payouts,
	}
	for _, step := range steps {
		if err := step(b); err != nil {
			return err
		}
		if err := r.ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (r *reconciler) race(id string) (models.Race, bool, error) {
	if rc, ok := r.races[id]; ok {
		return rc, true, nil
	}
	rc, err := r.tx.GetRace(r.ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Race{}, false, nil
	}
	if err != nil {
		return models.Race{}, false, err
	}
	r.races[id] = rc
	return rc, true, nil
}

func (r *reconciler) jockeys(b *normalize.Batch) error {
	for _, in := range b.Jockeys {
		cur, err := r.tx.GetJockey(r.ctx, in.JockeyID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		case in.Name == "" || in.Name == cur.Name:
			continue
		}
		if err := r.tx.SaveJockey(r.ctx, in); err != nil {
			return err
		}
	}
	return nil
}

// mergeHorse keeps existing values unless the incoming record has them.
func mergeHorse(cur, in models.Horse) (models.Horse, bool) {
	out, changed := cur, false
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst, changed = v, true
		}
	}
	set(&out.Name, in.Name)
	set(&out.Sex, in.Sex)
	set(&out.BirthDate, in.BirthDate)
	return out, changed
}

func (r *reconciler) horses(b *normalize.Batch) error {
	for _, in := range b.Horses {
		cur, err := r.tx.GetHorse(r.ctx, in.HorseID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		default:
			var changed bool
			if in, changed = mergeHorse(cur, in); !changed {
				continue
			}
		}
		if err := r.tx.SaveHorse(r.ctx, in); err != nil {
			return err
		}
	}
	return nil
}

// links applies parent links. A link from the child's own master record
// replaces anything; a link unpacked from a descendant only fills a gap.
func (r *reconciler) links(b *normalize.Batch) error {
	for _, in := range b.Links {
		cur, err := r.tx.GetPedigreeLink(r.ctx, in.ChildID, in.Role)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		case !in.Authoritative && (cur.Authoritative || cur.AncestorID != ""):
			continue
		case cur == in:
			continue
		}
		if err := r.tx.SavePedigreeLink(r.ctx, in); err != nil {
			return err
		}
	}
	return nil
}

// mergeRace folds the descriptive fields of in into cur. They are immutable
// once set, so a different non-empty value is a conflict. Status is left to
// nextStatus.
func mergeRace(cur, in models.Race) (models.Race, bool, error) {
	out, changed := cur, false
	str := func(name string, dst *string, v string) error {
		switch {
		case v == "" || v == *dst:
		case *dst == "":
			*dst, changed = v, true
		default:
			return fmt.Errorf("%w: race %s %s %q != %q", store.ErrConflict, cur.RaceID, name, v, *dst)
		}
		return nil
	}
	if err := errors.Join(
		str("name", &out.Name, in.Name),
		str("conditions", &out.Conditions, in.Conditions),
		str("venue name", &out.VenueName, in.VenueName),
	); err != nil {
		return cur, false, err
	}
	if in.Surface != "" && in.Surface != "unknown" && in.Surface != out.Surface {
		if out.Surface != "" && out.Surface != "unknown" {
			return cur, false, fmt.Errorf("%w: race %s surface %q != %q", store.ErrConflict, cur.RaceID, in.Surface, out.Surface)
		}
		out.Surface, changed = in.Surface, true
	}
	if in.Distance != 0 && in.Distance != out.Distance {
		if out.Distance != 0 {
			return cur, false, fmt.Errorf("%w: race %s distance %d != %d", store.ErrConflict, cur.RaceID, in.Distance, out.Distance)
		}
		out.Distance, changed = in.Distance, true
	}
	if in.PostTime != nil && (out.PostTime == nil || !out.PostTime.Equal(*in.PostTime)) {
		out.PostTime, changed = in.PostTime, true
	}
	return out, changed, nil
}

// nextStatus reports whether a race in status cur moves to in. A race leaves
// scheduled once, and an official race may still be canceled. Nothing
// returns to scheduled.
func nextStatus(cur, in models.RaceStatus) (models.RaceStatus, bool) {
	switch {
	case in == cur || in == models.StatusScheduled:
		return cur, false
	case cur == models.StatusScheduled:
		return in, true
	case cur == models.StatusOfficial && in == models.StatusCanceled:
		return in, true
	}
	return cur, false
}

// racesStep upserts descriptive race fields. Status transitions are only
// queued: they land after the runners of the batch so card entries the feed
// delivered before the lock are kept whatever the batch boundaries.
func (r *reconciler) racesStep(b *normalize.Batch) error {
	for _, in := range b.Races {
		cur, found, err := r.race(in.RaceID)
		if err != nil {
			return err
		}
		next := in
		next.Status = models.StatusScheduled
		if found {
			var changed bool
			next, changed, err = mergeRace(cur, in)
			if errors.Is(err, store.ErrConflict) {
				r.reject(feed.KindRace, in, "%v", err)
				continue
			}
			if !changed {
				r.queueStatus(in.RaceID, in.Status)
				continue
			}
		}
		if err := r.tx.SaveRace(r.ctx, next); err != nil {
			return err
		}
		r.races[next.RaceID] = next
		r.queueStatus(in.RaceID, in.Status)
	}
	return nil
}

func (r *reconciler) queueStatus(raceID string, status models.RaceStatus) {
	if status == models.StatusScheduled {
		return
	}
	if _, ok := r.status[raceID]; !ok {
		r.statusOrder = append(r.statusOrder, raceID)
	}
	r.status[raceID] = append(r.status[raceID], status)
}

// statusStep applies the queued transitions in feed order.
func (r *reconciler) statusStep(*normalize.Batch) error {
	for _, id := range r.statusOrder {
		rc := r.races[id]
		changed := false
		for _, in := range r.status[id] {
			var ok bool
			if rc.Status, ok = nextStatus(rc.Status, in); ok {
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := r.tx.SaveRace(r.ctx, rc); err != nil {
			return err
		}
		r.races[id] = rc
	}
	return nil
}

func equalInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// mergeRunner folds in into cur for a race. Card fields follow the feed while
// the race is scheduled. A result is written only by an official record and
// never changes once locked.
func mergeRunner(race models.Race, cur, in models.Runner) (models.Runner, bool, error) {
	out, changed := cur, false
	if !race.Locked() && !cur.ResultLocked {
		if in.FrameNumber != 0 && in.FrameNumber != out.FrameNumber {
			out.FrameNumber, changed = in.FrameNumber, true
		}
		if in.HorseID != "" && in.HorseID != out.HorseID {
			out.HorseID, changed = in.HorseID, true
		}
		if in.JockeyID != "" && in.JockeyID != out.JockeyID {
			out.JockeyID, changed = in.JockeyID, true
		}
		if in.Weight != 0 && in.Weight != out.Weight {
			out.Weight, changed = in.Weight, true
		}
	}
	if in.BodyWeight != nil && (out.BodyWeight == nil || (!race.Locked() && !equalInt(in.BodyWeight, out.BodyWeight))) {
		out.BodyWeight, changed = in.BodyWeight, true
	}
	if in.Official && in.Finish != nil {
		switch {
		case cur.ResultLocked && !equalInt(cur.Finish, in.Finish):
			return cur, false, fmt.Errorf("%w: runner %s settled finish %d, got %d", store.ErrConflict, cur.RunnerID, *cur.Finish, *in.Finish)
		case !cur.ResultLocked:
			out.Finish, out.ResultLocked, changed = in.Finish, true, true
		}
	}
	return out, changed, nil
}

func (r *reconciler) runnersStep(b *normalize.Batch) error {
	for _, in := range b.Runners {
		race, found, err := r.race(in.RaceID)
		if err != nil {
			return err
		}
		if !found {
			r.reject(feed.KindEntry, in, "race %s not found for runner %s", in.RaceID, in.RunnerID)
			continue
		}
		cur, err := r.tx.GetRunner(r.ctx, in.RunnerID)
		var next models.Runner
		switch {
		case errors.Is(err, store.ErrNotFound):
			if race.Locked() && !in.Official {
				r.reject(feed.KindEntry, in, "runner set of %s race %s is frozen", race.Status, race.RaceID)
				continue
			}
			next = in
			next.ResultLocked = in.Official && in.Finish != nil
			if !next.ResultLocked {
				next.Finish = nil
			}
		case err != nil:
			return err
		default:
			var changed bool
			next, changed, err = mergeRunner(race, cur, in)
			if errors.Is(err, store.ErrConflict) {
				r.reject(feed.KindEntry, in, "%v", err)
				continue
			}
			if !changed {
				r.runners[in.RunnerID] = true
				continue
			}
		}
		if err := r.tx.SaveRunner(r.ctx, next); err != nil {
			return err
		}
		r.runners[in.RunnerID] = true
	}
	return nil
}

func (r *reconciler) runnerExists(id string) (bool, error) {
	if ok, seen := r.runners[id]; seen {
		return ok, nil
	}
	_, err := r.tx.GetRunner(r.ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		r.runners[id] = false
		return false, nil
	case err != nil:
		return false, err
	}
	r.runners[id] = true
	return true, nil
}

func (r *reconciler) odds(b *normalize.Batch) error {
	for _, in := range b.Odds {
		ok, err := r.runnerExists(in.RunnerID)
		if err != nil {
			return err
		}
		if !ok {
			r.reject(feed.KindOdds, in, "runner %s not found for odds", in.RunnerID)
			continue
		}
		inserted, err := r.tx.AppendOdds(r.ctx, in)
		if err != nil {
			return err
		}
		if inserted {
			r.oddsInserted++
		}
	}
	return nil
}

func (r *reconciler) raceWeights(b *normalize.Batch) error {
	for _, in := range b.RaceWeights {
		race, found, err := r.race(in.RaceID)
		if err != nil {
			return err
		}
		if !found {
			r.reject(feed.KindBodyWeight, in, "race %s not found for body weight", in.RaceID)
			continue
		}
		id := models.RunnerKey(in.RaceID, in.PostPosition)
		ru, err := r.tx.GetRunner(r.ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		default:
			in.HorseID = ru.HorseID
			if in.Weight != nil {
				if err := r.tx.SaveHorseWeight(r.ctx, models.HorseWeight{
					HorseID: ru.HorseID, Date: race.Date, Weight: *in.Weight, RaceID: race.RaceID,
				}); err != nil {
					return err
				}
				if !race.Locked() && !equalInt(ru.BodyWeight, in.Weight) {
					ru.BodyWeight = in.Weight
					if err := r.tx.SaveRunner(r.ctx, ru); err != nil {
						return err
					}
				}
			}
		}
		if err := r.tx.SaveRaceWeight(r.ctx, in); err != nil {
			return err
		}
	}
	return nil
}

func (r *reconciler) horseWeights(b *normalize.Batch) error {
	for _, in := range b.HorseWeights {
		if err := r.tx.SaveHorseWeight(r.ctx, in); err != nil {
			return err
		}
	}
	return nil
}

func (r *reconciler) payouts(b *normalize.Batch) error {
	for _, in := range b.Payouts {
		_, found, err := r.race(in.RaceID)
		if err != nil {
			return err
		}
		if !found {
			r.reject(feed.KindPayout, in, "race %s not found for payout", in.RaceID)
			continue
		}
		if err := r.tx.SavePayout(r.ctx, in); err != nil {
			return err
		}
	}
	return nil
}
