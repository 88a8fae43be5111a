package models

import (
	"time"

	"github.com/uptrace/bun"
)

// RaceWeight is the announced body weight for a runner before the race.
type RaceWeight struct {
	bun.BaseModel `bun:"table:race_weights,alias:rw"`

	RaceID       string     `bun:"race_id,pk" json:"raceId"`
	PostPosition int        `bun:"post_position,pk" json:"postPosition"`
	HorseID      string     `bun:"horse_id,notnull" json:"horseId,omitempty"`
	Weight       *int       `bun:"weight" json:"weight"`
	Diff         *int       `bun:"diff" json:"diff,omitempty"`
	AnnouncedAt  *time.Time `bun:"announced_at" json:"announcedAt,omitempty"`
}
