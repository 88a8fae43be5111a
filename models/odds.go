package models

import (
	"time"

	"github.com/uptrace/bun"
)

// OddsSnapshot is one published odds tick for a runner. Rows are append-only
// and unique per (runner_id, observed_at).
type OddsSnapshot struct {
	bun.BaseModel `bun:"table:odds_snapshots,alias:os"`

	ID           int64     `bun:"id,pk,autoincrement" json:"-"`
	RunnerID     string    `bun:"runner_id,notnull,unique:odds_runner_ts" json:"runnerId"`
	RaceID       string    `bun:"race_id,notnull" json:"raceId"`
	ObservedAt   time.Time `bun:"observed_at,notnull,unique:odds_runner_ts" json:"timestamp"`
	WinOdds      *float64  `bun:"win_odds" json:"winOdds"`
	PlaceOddsMin *float64  `bun:"place_odds_min" json:"placeOddsMin"`
	PlaceOddsMax *float64  `bun:"place_odds_max" json:"placeOddsMax"`
	WinRank      *int      `bun:"win_rank" json:"winRank,omitempty"`
}

// Payout is a settled dividend for one bet type and post position (yen per 100).
type Payout struct {
	bun.BaseModel `bun:"table:payouts,alias:po"`

	RaceID       string `bun:"race_id,pk" json:"raceId"`
	BetType      string `bun:"bet_type,pk" json:"betType"`
	PostPosition int    `bun:"post_position,pk" json:"postPosition"`
	Amount       int    `bun:"amount,notnull" json:"amount"`
	Popularity   int    `bun:"popularity,notnull" json:"popularity"`
}
