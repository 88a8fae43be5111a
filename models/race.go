package models

import (
	"time"

	"github.com/uptrace/bun"
)

// RaceStatus is the lifecycle state of a race.
type RaceStatus string

const (
	StatusScheduled RaceStatus = "scheduled"
	StatusOfficial  RaceStatus = "official"
	StatusCanceled  RaceStatus = "canceled"
)

// Race represents a scheduled horse race. RaceID is the vendor composite
// YYYYMMDD_VV_RR (date, venue code, race number).
type Race struct {
	bun.BaseModel `bun:"table:races,alias:rc"`

	RaceID     string     `bun:"race_id,pk" json:"raceId"`
	Date       string     `bun:"date,notnull" json:"date"`
	Venue      string     `bun:"venue,notnull" json:"venue"`
	VenueName  string     `bun:"venue_name,notnull" json:"venueName"`
	RaceNumber int        `bun:"race_number,notnull" json:"raceNumber"`
	Name       string     `bun:"name,notnull" json:"name"`
	Distance   int        `bun:"distance,notnull" json:"distance"`
	Surface    string     `bun:"surface,notnull" json:"surface"`
	Conditions string     `bun:"conditions,notnull" json:"conditions"`
	PostTime   *time.Time `bun:"post_time" json:"postTime,omitempty"`
	Status     RaceStatus `bun:"status,notnull,default:'scheduled'" json:"status"`
	UpdatedAt  time.Time  `bun:"updated_at,notnull,default:current_timestamp" json:"updatedAt"`
}

// Locked reports whether the runner set of the race is frozen.
func (r Race) Locked() bool {
	return r.Status != StatusScheduled
}
