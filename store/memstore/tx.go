package memstore

import (
	"context"
	"slices"
	"strconv"
	"time"

	"github.com/padraicbc/racesync/models"
	"github.com/padraicbc/racesync/store"
)

func linkKey(childID, role string) string { return childID + "|" + role }

func (st *state) race(id string) (models.Race, error) {
	r, ok := st.races[id]
	if !ok {
		return models.Race{}, store.ErrNotFound
	}
	return r, nil
}

func (st *state) runner(id string) (models.Runner, error) {
	r, ok := st.runners[id]
	if !ok {
		return models.Runner{}, store.ErrNotFound
	}
	return r, nil
}

func (st *state) horse(id string) (models.Horse, error) {
	h, ok := st.horses[id]
	if !ok {
		return models.Horse{}, store.ErrNotFound
	}
	return h, nil
}

func (st *state) watermark(k models.SyncKind) models.Watermark {
	wm, ok := st.watermarks[k]
	if !ok {
		wm = models.Watermark{Kind: k}
	}
	return wm
}

type tx struct {
	st  state
	now time.Time
}

func (t *tx) GetRace(_ context.Context, id string) (models.Race, error) { return t.st.race(id) }

func (t *tx) SaveRace(_ context.Context, r models.Race) error {
	r.UpdatedAt = t.now
	t.st.races[r.RaceID] = r
	return nil
}

func (t *tx) GetRunner(_ context.Context, id string) (models.Runner, error) { return t.st.runner(id) }

func (t *tx) SaveRunner(_ context.Context, r models.Runner) error {
	if _, ok := t.st.races[r.RaceID]; !ok {
		return store.ErrConflict
	}
	r.UpdatedAt = t.now
	r.Official = false
	t.st.runners[r.RunnerID] = r
	return nil
}

func (t *tx) AppendOdds(_ context.Context, s models.OddsSnapshot) (bool, error) {
	if _, ok := t.st.runners[s.RunnerID]; !ok {
		return false, store.ErrConflict
	}
	ticks := t.st.odds[s.RunnerID]
	i, found := slices.BinarySearchFunc(ticks, s.ObservedAt, func(o models.OddsSnapshot, at time.Time) int {
		return o.ObservedAt.Compare(at)
	})
	if found {
		return false, nil
	}
	t.st.oddsSeq++
	s.ID = t.st.oddsSeq
	t.st.odds[s.RunnerID] = slices.Insert(slices.Clip(ticks), i, s)
	return true, nil
}

func (t *tx) GetHorse(_ context.Context, id string) (models.Horse, error) { return t.st.horse(id) }

func (t *tx) SaveHorse(_ context.Context, h models.Horse) error {
	h.UpdatedAt = t.now
	t.st.horses[h.HorseID] = h
	return nil
}

func (t *tx) GetPedigreeLink(_ context.Context, childID, role string) (models.PedigreeLink, error) {
	l, ok := t.st.links[linkKey(childID, role)]
	if !ok {
		return models.PedigreeLink{}, store.ErrNotFound
	}
	return l, nil
}

func (t *tx) SavePedigreeLink(_ context.Context, l models.PedigreeLink) error {
	t.st.links[linkKey(l.ChildID, l.Role)] = l
	return nil
}

func (t *tx) SaveHorseWeight(_ context.Context, w models.HorseWeight) error {
	t.st.horseWeights[w.HorseID+"|"+w.Date] = w
	return nil
}

func (t *tx) SaveRaceWeight(_ context.Context, w models.RaceWeight) error {
	t.st.raceWeights[models.RunnerKey(w.RaceID, w.PostPosition)] = w
	return nil
}

func (t *tx) GetJockey(_ context.Context, id string) (models.Jockey, error) {
	j, ok := t.st.jockeys[id]
	if !ok {
		return models.Jockey{}, store.ErrNotFound
	}
	return j, nil
}

func (t *tx) SaveJockey(_ context.Context, j models.Jockey) error {
	t.st.jockeys[j.JockeyID] = j
	return nil
}

func (t *tx) SavePayout(_ context.Context, p models.Payout) error {
	t.st.payouts[p.RaceID+"|"+p.BetType+"|"+strconv.Itoa(p.PostPosition)] = p
	return nil
}

func (t *tx) AddDeadLetters(_ context.Context, dls []models.DeadLetter) error {
	for _, dl := range dls {
		t.st.deadSeq++
		dl.ID = t.st.deadSeq
		if dl.CreatedAt.IsZero() {
			dl.CreatedAt = t.now
		}
		t.st.deadLetters = append(t.st.deadLetters, dl)
	}
	return nil
}

func (t *tx) AdvanceWatermark(_ context.Context, kind models.SyncKind, cursor int64, completed bool) error {
	wm := t.st.watermark(kind)
	wm.LastSuccessfulCursor = max(wm.LastSuccessfulCursor, cursor)
	wm.Completed = wm.Completed || completed
	wm.UpdatedAt = t.now
	t.st.watermarks[kind] = wm
	return nil
}

var _ store.Tx = (*tx)(nil)
