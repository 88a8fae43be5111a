package models

import "github.com/uptrace/bun"

// Jockey holds the jockey master record.
type Jockey struct {
	bun.BaseModel `bun:"table:jockeys,alias:j"`

	JockeyID string `bun:"jockey_id,pk" json:"jockeyId"`
	Name     string `bun:"name,notnull" json:"name"`
}
