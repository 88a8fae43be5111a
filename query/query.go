// Package query is the read side of the store. It never writes and only sees
// committed batches.
package query

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/padraicbc/racesync/models"
	"github.com/padraicbc/racesync/normalize"
	"github.com/padraicbc/racesync/store"
)

// ErrInvalid marks a malformed argument such as a bad date or unknown course.
var ErrInvalid = errors.New("invalid argument")

const (
	defaultPerformances = 20
	maxPerformances     = 200
	defaultDeadLetters  = 100
	maxDeadLetters      = 1000
)

// Cache is an optional read-through cache. Entries must not outlive a commit:
// Get reports the commit generation it looked in and Set stores under it.
type Cache interface {
	Get(ctx context.Context, key string, dst any) (gen int64, ok bool, err error)
	Set(ctx context.Context, gen int64, key string, v any) error
}

type Service struct {
	store  store.Reader
	cache  Cache
	logger *zap.Logger
}

// New returns a Service reading r. c may be nil.
func New(r store.Reader, c Cache, logger *zap.Logger) *Service {
	return &Service{store: r, cache: c, logger: logger}
}

// cached loads key through the cache. Cache failures fall back to the store.
func cached[T any](ctx context.Context, s *Service, key string, load func() (T, error)) (T, error) {
	if s.cache == nil {
		return load()
	}
	var v T
	gen, ok, cerr := s.cache.Get(ctx, key, &v)
	if cerr != nil {
		s.logger.Warn("cache get failed", zap.String("key", key), zap.Error(cerr))
	}
	if ok {
		return v, nil
	}
	v, err := load()
	if err != nil || cerr != nil {
		return v, err
	}
	if err := s.cache.Set(ctx, gen, key, v); err != nil {
		s.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
	return v, nil
}

// ParseDate validates a YYYYMMDD race date.
func ParseDate(date string) (string, error) {
	if _, err := time.Parse("20060102", date); err != nil || len(date) != 8 {
		return "", fmt.Errorf("%w: date %q is not YYYYMMDD", ErrInvalid, date)
	}
	return date, nil
}

func (s *Service) ListRaces(ctx context.Context, date string) ([]models.RaceSummary, error) {
	date, err := ParseDate(date)
	if err != nil {
		return nil, err
	}
	return cached(ctx, s, "races:"+date, func() ([]models.RaceSummary, error) {
		out, err := s.store.ListRaces(ctx, date)
		if out == nil {
			out = []models.RaceSummary{}
		}
		return out, err
	})
}

func (s *Service) GetRace(ctx context.Context, raceID string) (models.RaceDetail, error) {
	return cached(ctx, s, "race:"+raceID, func() (models.RaceDetail, error) {
		r, err := s.store.GetRace(ctx, raceID)
		if err != nil {
			return models.RaceDetail{}, err
		}
		d := models.RaceDetail{Race: r, Payouts: []models.Payout{}}
		summaries, err := s.store.ListRaces(ctx, r.Date)
		if err != nil {
			return d, err
		}
		for _, rs := range summaries {
			if rs.RaceID == raceID {
				d.RunnerCount = rs.RunnerCount
			}
		}
		payouts, err := s.store.Payouts(ctx, raceID)
		if err != nil {
			return d, err
		}
		if payouts != nil {
			d.Payouts = payouts
		}
		return d, nil
	})
}

// GetRunners lists the field of a race by post position with latest odds.
func (s *Service) GetRunners(ctx context.Context, raceID string) ([]models.RunnerView, error) {
	return cached(ctx, s, "runners:"+raceID, func() ([]models.RunnerView, error) {
		if _, err := s.store.GetRace(ctx, raceID); err != nil {
			return nil, err
		}
		out, err := s.store.ListRunners(ctx, raceID)
		if out == nil {
			out = []models.RunnerView{}
		}
		return out, err
	})
}

func (s *Service) RaceOdds(ctx context.Context, raceID string) ([]models.OddsSnapshot, error) {
	return cached(ctx, s, "odds:race:"+raceID, func() ([]models.OddsSnapshot, error) {
		if _, err := s.store.GetRace(ctx, raceID); err != nil {
			return nil, err
		}
		return nonNil(s.store.OddsByRace(ctx, raceID))
	})
}

func (s *Service) RunnerOdds(ctx context.Context, runnerID string) ([]models.OddsSnapshot, error) {
	return cached(ctx, s, "odds:runner:"+runnerID, func() ([]models.OddsSnapshot, error) {
		if _, err := s.store.GetRunner(ctx, runnerID); err != nil {
			return nil, err
		}
		return nonNil(s.store.OddsByRunner(ctx, runnerID))
	})
}

// RaceWeights returns announced weights, or the runners' last known body
// weights when nothing has been announced yet.
func (s *Service) RaceWeights(ctx context.Context, raceID string) ([]models.RaceWeight, error) {
	return cached(ctx, s, "weights:race:"+raceID, func() ([]models.RaceWeight, error) {
		if _, err := s.store.GetRace(ctx, raceID); err != nil {
			return nil, err
		}
		ws, err := s.store.RaceWeights(ctx, raceID)
		if err != nil || len(ws) > 0 {
			return ws, err
		}
		runners, err := s.store.ListRunners(ctx, raceID)
		if err != nil {
			return nil, err
		}
		ws = make([]models.RaceWeight, 0, len(runners))
		for _, ru := range runners {
			ws = append(ws, models.RaceWeight{
				RaceID:       raceID,
				PostPosition: ru.PostPosition,
				HorseID:      ru.HorseID,
				Weight:       ru.BodyWeight,
			})
		}
		return ws, nil
	})
}

func (s *Service) WeightHistory(ctx context.Context, horseID string) ([]models.HorseWeight, error) {
	return cached(ctx, s, "weights:horse:"+horseID, func() ([]models.HorseWeight, error) {
		ws, err := s.store.HorseWeights(ctx, horseID)
		if err != nil || len(ws) > 0 {
			return ws, err
		}
		if _, err := s.store.GetHorse(ctx, horseID); err != nil {
			return nil, err
		}
		return []models.HorseWeight{}, nil
	})
}

// Performances lists past runs newest first. limit <= 0 means the default.
func (s *Service) Performances(ctx context.Context, horseID string, limit int) ([]models.Performance, error) {
	switch {
	case limit <= 0:
		limit = defaultPerformances
	case limit > maxPerformances:
		limit = maxPerformances
	}
	key := "perf:" + horseID + ":" + strconv.Itoa(limit)
	return cached(ctx, s, key, func() ([]models.Performance, error) {
		ps, err := s.store.Performances(ctx, horseID, limit)
		if err != nil || len(ps) > 0 {
			return ps, err
		}
		if _, err := s.store.GetHorse(ctx, horseID); err != nil {
			return nil, err
		}
		return []models.Performance{}, nil
	})
}

// JockeyStats aggregates official results, optionally at one course given
// by venue code or name.
func (s *Service) JockeyStats(ctx context.Context, jockeyID, course string) (models.JockeyStats, error) {
	venue := ""
	if course != "" {
		code, ok := normalize.LookupCourse(course)
		if !ok {
			return models.JockeyStats{}, fmt.Errorf("%w: unknown course %q", ErrInvalid, course)
		}
		venue = code
	}
	return cached(ctx, s, "jockey:"+jockeyID+":"+venue, func() (models.JockeyStats, error) {
		return s.store.JockeyStats(ctx, jockeyID, venue)
	})
}

// SyncStatus reads the persisted engine snapshot. It is never cached.
func (s *Service) SyncStatus(ctx context.Context) (models.SyncStatus, error) {
	wms, err := s.store.Watermarks(ctx)
	if err != nil {
		return models.SyncStatus{}, err
	}
	if wms == nil {
		wms = []models.Watermark{}
	}
	st, err := s.store.SyncState(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		st = models.SyncState{State: "idle"}
	case err != nil:
		return models.SyncStatus{}, err
	}
	return models.SyncStatus{
		State:         st.State,
		LastSuccessAt: st.LastSuccessAt,
		LastError:     st.LastError,
		UpdatedAt:     st.UpdatedAt,
		Watermarks:    wms,
	}, nil
}

// DeadLetters lists set-aside records newest first for operators.
func (s *Service) DeadLetters(ctx context.Context, limit int, unarchived bool) ([]models.DeadLetter, error) {
	switch {
	case limit <= 0:
		limit = defaultDeadLetters
	case limit > maxDeadLetters:
		limit = maxDeadLetters
	}
	return nonNil(s.store.DeadLetters(ctx, store.DeadLetterFilter{Limit: limit, Unarchived: unarchived}))
}

func nonNil[T any](v []T, err error) ([]T, error) {
	if v == nil && err == nil {
		v = []T{}
	}
	return v, err
}
