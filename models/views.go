package models

import "time"

// RaceSummary is a row of the race listing.
type RaceSummary struct {
	Race
	RunnerCount int `bun:"runner_count" json:"runnerCount"`
}

// RaceDetail is a race with its settled payouts.
type RaceDetail struct {
	Race
	RunnerCount int      `json:"runnerCount"`
	Payouts     []Payout `json:"payouts"`
}

// RunnerView is a runner with its latest odds tick joined.
type RunnerView struct {
	Runner
	HorseName  string        `json:"horseName"`
	JockeyName string        `json:"jockeyName"`
	LatestOdds *OddsSnapshot `json:"odds"`
}

// Performance is one past run of a horse.
type Performance struct {
	RaceID       string     `bun:"race_id" json:"raceId"`
	Date         string     `bun:"date" json:"date"`
	Venue        string     `bun:"venue" json:"venue"`
	VenueName    string     `bun:"venue_name" json:"venueName"`
	RaceName     string     `bun:"race_name" json:"raceName"`
	Distance     int        `bun:"distance" json:"distance"`
	Surface      string     `bun:"surface" json:"surface"`
	PostPosition int        `bun:"post_position" json:"postPosition"`
	JockeyID     string     `bun:"jockey_id" json:"jockeyId"`
	Weight       float64    `bun:"weight" json:"weight"`
	BodyWeight   *int       `bun:"body_weight" json:"bodyWeight,omitempty"`
	Finish       *int       `bun:"finish" json:"finish,omitempty"`
	Status       RaceStatus `bun:"status" json:"status"`
}

// JockeyStats aggregates official results for a jockey.
type JockeyStats struct {
	JockeyID  string  `bun:"jockey_id" json:"jockeyId"`
	Name      string  `bun:"name" json:"name"`
	Course    string  `bun:"-" json:"course,omitempty"`
	Rides     int     `bun:"rides" json:"rides"`
	Wins      int     `bun:"wins" json:"wins"`
	Seconds   int     `bun:"seconds" json:"seconds"`
	Thirds    int     `bun:"thirds" json:"thirds"`
	WinRate   float64 `bun:"-" json:"winRate"`
	PlaceRate float64 `bun:"-" json:"placeRate"`
}

// PedigreeNode is one horse in an ancestor tree. Missing parents are nil.
type PedigreeNode struct {
	HorseID string        `json:"horseId"`
	Name    string        `json:"name"`
	Sire    *PedigreeNode `json:"sire"`
	Dam     *PedigreeNode `json:"dam"`
}

// Pedigree is the ancestor tree of a horse, up to three generations.
type Pedigree struct {
	PedigreeNode
	Damsire *PedigreeNode `json:"damsire"`
}

// SyncStatus is the operator-visible engine snapshot.
type SyncStatus struct {
	State         string      `json:"state"`
	LastSuccessAt *time.Time  `json:"lastSuccessAt"`
	LastError     string      `json:"lastError"`
	UpdatedAt     time.Time   `json:"updatedAt"`
	Watermarks    []Watermark `json:"watermarks"`
}
