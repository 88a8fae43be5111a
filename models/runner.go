package models

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// Runner is a single horse entered in a race.
type Runner struct {
	bun.BaseModel `bun:"table:runners,alias:ru"`

	RunnerID     string    `bun:"runner_id,pk" json:"runnerId"`
	RaceID       string    `bun:"race_id,notnull,unique:runners_race_post" json:"raceId"`
	PostPosition int       `bun:"post_position,notnull,unique:runners_race_post" json:"postPosition"`
	FrameNumber  int       `bun:"frame_number,notnull" json:"frameNumber"`
	HorseID      string    `bun:"horse_id,notnull" json:"horseId"`
	JockeyID     string    `bun:"jockey_id,notnull" json:"jockeyId"`
	Weight       float64   `bun:"weight,notnull" json:"weight"`
	BodyWeight   *int      `bun:"body_weight" json:"bodyWeight,omitempty"`
	Finish       *int      `bun:"finish" json:"finish,omitempty"`
	ResultLocked bool      `bun:"result_locked,notnull,default:false" json:"-"`
	UpdatedAt    time.Time `bun:"updated_at,notnull,default:current_timestamp" json:"updatedAt"`

	// Official is carried from the feed record (data kubun 7) and never stored.
	Official bool `bun:"-" json:"-"`
}

// RunnerKey builds the natural key of a runner from its race and post position.
func RunnerKey(raceID string, postPosition int) string {
	return fmt.Sprintf("%s_%02d", raceID, postPosition)
}
