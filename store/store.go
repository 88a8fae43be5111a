// Package store declares the persistence contract shared by the PostgreSQL
// and in-memory stores. The sync engine is the only caller of the write
// side; the query service only reads.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/padraicbc/racesync/models"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflicting data")
	ErrSchemaMismatch = errors.New("schema mismatch")
)

// DeadLetterFilter selects dead letters for inspection or archiving.
type DeadLetterFilter struct {
	Limit      int
	Before     time.Time
	Unarchived bool
}

// Reader serves committed state only.
type Reader interface {
	ListRaces(ctx context.Context, date string) ([]models.RaceSummary, error)
	HasScheduledRaces(ctx context.Context, date string) (bool, error)
	GetRace(ctx context.Context, raceID string) (models.Race, error)
	ListRunners(ctx context.Context, raceID string) ([]models.RunnerView, error)
	GetRunner(ctx context.Context, runnerID string) (models.Runner, error)
	Payouts(ctx context.Context, raceID string) ([]models.Payout, error)
	OddsByRace(ctx context.Context, raceID string) ([]models.OddsSnapshot, error)
	OddsByRunner(ctx context.Context, runnerID string) ([]models.OddsSnapshot, error)
	RaceWeights(ctx context.Context, raceID string) ([]models.RaceWeight, error)
	GetHorse(ctx context.Context, horseID string) (models.Horse, error)
	ParentLinks(ctx context.Context, childIDs []string) ([]models.PedigreeLink, error)
	HorseWeights(ctx context.Context, horseID string) ([]models.HorseWeight, error)
	Performances(ctx context.Context, horseID string, limit int) ([]models.Performance, error)
	JockeyStats(ctx context.Context, jockeyID, venue string) (models.JockeyStats, error)
	Watermarks(ctx context.Context) ([]models.Watermark, error)
	SyncState(ctx context.Context) (models.SyncState, error)
	DeadLetters(ctx context.Context, f DeadLetterFilter) ([]models.DeadLetter, error)
}

// Tx is the write side of one batch. Every Save is an upsert by natural key;
// merge rules are the caller's business.
type Tx interface {
	GetRace(ctx context.Context, raceID string) (models.Race, error)
	SaveRace(ctx context.Context, r models.Race) error
	GetRunner(ctx context.Context, runnerID string) (models.Runner, error)
	SaveRunner(ctx context.Context, r models.Runner) error
	// AppendOdds inserts s unless a tick for (runner, timestamp) exists.
	AppendOdds(ctx context.Context, s models.OddsSnapshot) (bool, error)
	GetHorse(ctx context.Context, horseID string) (models.Horse, error)
	SaveHorse(ctx context.Context, h models.Horse) error
	GetPedigreeLink(ctx context.Context, childID, role string) (models.PedigreeLink, error)
	SavePedigreeLink(ctx context.Context, l models.PedigreeLink) error
	SaveHorseWeight(ctx context.Context, w models.HorseWeight) error
	SaveRaceWeight(ctx context.Context, w models.RaceWeight) error
	GetJockey(ctx context.Context, jockeyID string) (models.Jockey, error)
	SaveJockey(ctx context.Context, j models.Jockey) error
	SavePayout(ctx context.Context, p models.Payout) error
	AddDeadLetters(ctx context.Context, dls []models.DeadLetter) error
	// AdvanceWatermark moves the successful cursor to max(current, cursor).
	// completed is sticky once set.
	AdvanceWatermark(ctx context.Context, kind models.SyncKind, cursor int64, completed bool) error
}

// Store is the full persistence surface.
type Store interface {
	Reader
	// InTx runs fn in one transaction. Nothing fn wrote is visible to
	// readers unless fn returns nil and the commit succeeds.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	MarkAttempt(ctx context.Context, kind models.SyncKind, cursor int64) error
	ResetWatermarks(ctx context.Context) error
	SaveSyncState(ctx context.Context, s models.SyncState) error
	SaveRun(ctx context.Context, r models.SyncRun) error
	MarkArchived(ctx context.Context, ids []int64, at time.Time) error
	Close() error
}

// Operators holds admin API accounts.
type Operators interface {
	GetOperator(ctx context.Context, username string) (models.Operator, error)
	// SaveOperator creates the account or replaces its password.
	SaveOperator(ctx context.Context, op models.Operator) error
}

// JockeyRates fills the derived rates of s.
func JockeyRates(s *models.JockeyStats) {
	if s.Rides == 0 {
		return
	}
	s.WinRate = float64(s.Wins) / float64(s.Rides)
	s.PlaceRate = float64(s.Wins+s.Seconds+s.Thirds) / float64(s.Rides)
}
