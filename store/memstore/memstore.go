// Package memstore is an in-memory store.Store. Each transaction works on a
// copy of the state that replaces the live state on commit, so readers never
// see a partial batch.
package memstore

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/padraicbc/racesync/models"
	"github.com/padraicbc/racesync/store"
)

type state struct {
	races        map[string]models.Race
	runners      map[string]models.Runner
	odds         map[string][]models.OddsSnapshot
	horses       map[string]models.Horse
	links        map[string]models.PedigreeLink
	horseWeights map[string]models.HorseWeight
	raceWeights  map[string]models.RaceWeight
	jockeys      map[string]models.Jockey
	payouts      map[string]models.Payout
	deadLetters  []models.DeadLetter
	watermarks   map[models.SyncKind]models.Watermark
	syncState    *models.SyncState
	runs         map[string]models.SyncRun
	operators    map[string]models.Operator
	oddsSeq      int64
	deadSeq      int64
}

func newState() state {
	return state{
		races:        map[string]models.Race{},
		runners:      map[string]models.Runner{},
		odds:         map[string][]models.OddsSnapshot{},
		horses:       map[string]models.Horse{},
		links:        map[string]models.PedigreeLink{},
		horseWeights: map[string]models.HorseWeight{},
		raceWeights:  map[string]models.RaceWeight{},
		jockeys:      map[string]models.Jockey{},
		payouts:      map[string]models.Payout{},
		watermarks:   map[models.SyncKind]models.Watermark{},
		runs:         map[string]models.SyncRun{},
		operators:    map[string]models.Operator{},
	}
}

func (s state) clone() state {
	c := s
	c.races = maps.Clone(s.races)
	c.runners = maps.Clone(s.runners)
	c.odds = maps.Clone(s.odds)
	c.horses = maps.Clone(s.horses)
	c.links = maps.Clone(s.links)
	c.horseWeights = maps.Clone(s.horseWeights)
	c.raceWeights = maps.Clone(s.raceWeights)
	c.jockeys = maps.Clone(s.jockeys)
	c.payouts = maps.Clone(s.payouts)
	c.deadLetters = slices.Clone(s.deadLetters)
	c.watermarks = maps.Clone(s.watermarks)
	c.runs = maps.Clone(s.runs)
	c.operators = maps.Clone(s.operators)
	if s.syncState != nil {
		ss := *s.syncState
		c.syncState = &ss
	}
	return c
}

// Store is a goroutine-safe in-memory store. Writers are serialized by wmu.
// A transaction works on a private copy and holds mu only to take that copy
// and to swap it in, so readers wait for the swap, never for the batch.
type Store struct {
	wmu   sync.Mutex
	mu    sync.RWMutex
	st    state
	nowFn func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{st: newState(), nowFn: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) read(fn func(st *state)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(&s.st)
}

func (s *Store) write(fn func(st *state)) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.st)
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	t := &tx{st: s.st.clone(), now: s.nowFn()}
	s.mu.RUnlock()
	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.st = t.st
	s.mu.Unlock()
	return nil
}

func (s *Store) Close() error { return nil }

func (s *Store) ListRaces(_ context.Context, date string) (out []models.RaceSummary, err error) {
	s.read(func(st *state) {
		count := map[string]int{}
		for _, ru := range st.runners {
			count[ru.RaceID]++
		}
		for _, r := range st.races {
			if r.Date == date {
				out = append(out, models.RaceSummary{Race: r, RunnerCount: count[r.RaceID]})
			}
		}
	})
	slices.SortFunc(out, func(a, b models.RaceSummary) int {
		return cmp.Or(cmp.Compare(a.Venue, b.Venue), cmp.Compare(a.RaceNumber, b.RaceNumber))
	})
	return out, nil
}

func (s *Store) HasScheduledRaces(_ context.Context, date string) (found bool, err error) {
	s.read(func(st *state) {
		for _, r := range st.races {
			if r.Date == date && r.Status == models.StatusScheduled {
				found = true
				return
			}
		}
	})
	return found, nil
}

func (s *Store) GetRace(_ context.Context, raceID string) (r models.Race, err error) {
	s.read(func(st *state) { r, err = st.race(raceID) })
	return r, err
}

func (s *Store) GetRunner(_ context.Context, runnerID string) (r models.Runner, err error) {
	s.read(func(st *state) { r, err = st.runner(runnerID) })
	return r, err
}

func (s *Store) ListRunners(_ context.Context, raceID string) (out []models.RunnerView, err error) {
	s.read(func(st *state) {
		if _, err = st.race(raceID); err != nil {
			return
		}
		for _, ru := range st.runners {
			if ru.RaceID != raceID {
				continue
			}
			v := models.RunnerView{
				Runner:     ru,
				HorseName:  st.horses[ru.HorseID].Name,
				JockeyName: st.jockeys[ru.JockeyID].Name,
			}
			if ticks := st.odds[ru.RunnerID]; len(ticks) > 0 {
				latest := ticks[len(ticks)-1]
				v.LatestOdds = &latest
			}
			out = append(out, v)
		}
	})
	slices.SortFunc(out, func(a, b models.RunnerView) int { return cmp.Compare(a.PostPosition, b.PostPosition) })
	return out, err
}

func (s *Store) Payouts(_ context.Context, raceID string) (out []models.Payout, err error) {
	s.read(func(st *state) {
		for _, p := range st.payouts {
			if p.RaceID == raceID {
				out = append(out, p)
			}
		}
	})
	slices.SortFunc(out, func(a, b models.Payout) int {
		return cmp.Or(cmp.Compare(b.BetType, a.BetType), cmp.Compare(a.Popularity, b.Popularity), cmp.Compare(a.PostPosition, b.PostPosition))
	})
	return out, nil
}

func byTime(a, b models.OddsSnapshot) int {
	return cmp.Or(a.ObservedAt.Compare(b.ObservedAt), cmp.Compare(a.RunnerID, b.RunnerID))
}

func (s *Store) OddsByRace(_ context.Context, raceID string) (out []models.OddsSnapshot, err error) {
	s.read(func(st *state) {
		for _, ru := range st.runners {
			if ru.RaceID == raceID {
				out = append(out, st.odds[ru.RunnerID]...)
			}
		}
	})
	slices.SortFunc(out, byTime)
	return out, nil
}

func (s *Store) OddsByRunner(_ context.Context, runnerID string) (out []models.OddsSnapshot, err error) {
	s.read(func(st *state) { out = slices.Clone(st.odds[runnerID]) })
	return out, nil
}

func (s *Store) RaceWeights(_ context.Context, raceID string) (out []models.RaceWeight, err error) {
	s.read(func(st *state) {
		for _, w := range st.raceWeights {
			if w.RaceID == raceID {
				out = append(out, w)
			}
		}
	})
	slices.SortFunc(out, func(a, b models.RaceWeight) int { return cmp.Compare(a.PostPosition, b.PostPosition) })
	return out, nil
}

func (s *Store) GetHorse(_ context.Context, horseID string) (h models.Horse, err error) {
	s.read(func(st *state) { h, err = st.horse(horseID) })
	return h, err
}

func (s *Store) ParentLinks(_ context.Context, childIDs []string) (out []models.PedigreeLink, err error) {
	s.read(func(st *state) {
		for _, id := range childIDs {
			for _, role := range []string{models.RoleSire, models.RoleDam} {
				if l, ok := st.links[linkKey(id, role)]; ok {
					out = append(out, l)
				}
			}
		}
	})
	return out, nil
}

func (s *Store) HorseWeights(_ context.Context, horseID string) (out []models.HorseWeight, err error) {
	s.read(func(st *state) {
		for _, w := range st.horseWeights {
			if w.HorseID == horseID {
				out = append(out, w)
			}
		}
	})
	slices.SortFunc(out, func(a, b models.HorseWeight) int { return cmp.Compare(a.Date, b.Date) })
	return out, nil
}

func (s *Store) Performances(_ context.Context, horseID string, limit int) (out []models.Performance, err error) {
	s.read(func(st *state) {
		for _, ru := range st.runners {
			if ru.HorseID != horseID {
				continue
			}
			r := st.races[ru.RaceID]
			out = append(out, models.Performance{
				RaceID:       r.RaceID,
				Date:         r.Date,
				Venue:        r.Venue,
				VenueName:    r.VenueName,
				RaceName:     r.Name,
				Distance:     r.Distance,
				Surface:      r.Surface,
				PostPosition: ru.PostPosition,
				JockeyID:     ru.JockeyID,
				Weight:       ru.Weight,
				BodyWeight:   ru.BodyWeight,
				Finish:       ru.Finish,
				Status:       r.Status,
			})
		}
	})
	slices.SortFunc(out, func(a, b models.Performance) int {
		return cmp.Or(cmp.Compare(b.Date, a.Date), cmp.Compare(b.RaceID, a.RaceID))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) JockeyStats(_ context.Context, jockeyID, venue string) (js models.JockeyStats, err error) {
	s.read(func(st *state) {
		j, known := st.jockeys[jockeyID]
		js = models.JockeyStats{JockeyID: jockeyID, Name: j.Name, Course: venue}
		seen := known
		for _, ru := range st.runners {
			if ru.JockeyID != jockeyID {
				continue
			}
			seen = true
			r := st.races[ru.RaceID]
			if r.Status != models.StatusOfficial || ru.Finish == nil || (venue != "" && r.Venue != venue) {
				continue
			}
			js.Rides++
			switch *ru.Finish {
			case 1:
				js.Wins++
			case 2:
				js.Seconds++
			case 3:
				js.Thirds++
			}
		}
		if !seen {
			err = store.ErrNotFound
		}
	})
	store.JockeyRates(&js)
	return js, err
}

func (s *Store) Watermarks(_ context.Context) (out []models.Watermark, err error) {
	s.read(func(st *state) {
		for _, k := range models.SyncKinds {
			out = append(out, st.watermark(k))
		}
	})
	return out, nil
}

func (s *Store) SyncState(_ context.Context) (ss models.SyncState, err error) {
	s.read(func(st *state) {
		if st.syncState == nil {
			err = store.ErrNotFound
			return
		}
		ss = *st.syncState
	})
	return ss, err
}

func (s *Store) DeadLetters(_ context.Context, f store.DeadLetterFilter) (out []models.DeadLetter, err error) {
	s.read(func(st *state) {
		for i := len(st.deadLetters) - 1; i >= 0; i-- {
			dl := st.deadLetters[i]
			if f.Unarchived && dl.ArchivedAt != nil {
				continue
			}
			if !f.Before.IsZero() && !dl.CreatedAt.Before(f.Before) {
				continue
			}
			out = append(out, dl)
			if f.Limit > 0 && len(out) == f.Limit {
				return
			}
		}
	})
	return out, nil
}

func (s *Store) MarkAttempt(_ context.Context, kind models.SyncKind, cursor int64) error {
	s.write(func(st *state) {
		wm := st.watermark(kind)
		wm.LastAttemptedCursor = cursor
		wm.UpdatedAt = s.nowFn()
		st.watermarks[kind] = wm
	})
	return nil
}

func (s *Store) ResetWatermarks(_ context.Context) error {
	s.write(func(st *state) {
		for _, k := range models.SyncKinds {
			st.watermarks[k] = models.Watermark{Kind: k, UpdatedAt: s.nowFn()}
		}
	})
	return nil
}

func (s *Store) SaveSyncState(_ context.Context, ss models.SyncState) error {
	s.write(func(st *state) {
		ss.ID = 1
		ss.UpdatedAt = s.nowFn()
		st.syncState = &ss
	})
	return nil
}

func (s *Store) SaveRun(_ context.Context, r models.SyncRun) error {
	s.write(func(st *state) { st.runs[r.RunID] = r })
	return nil
}

// Runs returns recorded sync runs, newest first.
func (s *Store) Runs() (out []models.SyncRun) {
	s.read(func(st *state) { out = slices.Collect(maps.Values(st.runs)) })
	slices.SortFunc(out, func(a, b models.SyncRun) int { return b.StartedAt.Compare(a.StartedAt) })
	return out
}

func (s *Store) MarkArchived(_ context.Context, ids []int64, at time.Time) error {
	s.write(func(st *state) {
		for i := range st.deadLetters {
			if slices.Contains(ids, st.deadLetters[i].ID) {
				t := at
				st.deadLetters[i].ArchivedAt = &t
			}
		}
	})
	return nil
}

func (s *Store) GetOperator(_ context.Context, username string) (op models.Operator, err error) {
	s.read(func(st *state) {
		var ok bool
		if op, ok = st.operators[username]; !ok {
			err = store.ErrNotFound
		}
	})
	return op, err
}

func (s *Store) SaveOperator(_ context.Context, op models.Operator) error {
	s.write(func(st *state) {
		if old, ok := st.operators[op.Username]; ok {
			op.ID = old.ID
		} else {
			op.ID = len(st.operators) + 1
		}
		st.operators[op.Username] = op
	})
	return nil
}

var (
	_ store.Store     = (*Store)(nil)
	_ store.Operators = (*Store)(nil)
)
