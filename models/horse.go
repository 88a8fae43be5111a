package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Horse is a racehorse master record.
type Horse struct {
	bun.BaseModel `bun:"table:horses,alias:h"`

	HorseID   string    `bun:"horse_id,pk" json:"horseId"`
	Name      string    `bun:"name,notnull" json:"name"`
	Sex       string    `bun:"sex,notnull" json:"sex,omitempty"`
	BirthDate string    `bun:"birth_date,notnull" json:"birthDate,omitempty"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp" json:"-"`
}

const (
	RoleSire = "sire"
	RoleDam  = "dam"
)

// PedigreeLink is a weak parent reference. The ancestor does not have to
// exist in horses; AncestorName is kept so partial trees still render.
// Authoritative links come from the child's own master record, the rest are
// unpacked from a descendant's pedigree block and only fill gaps.
type PedigreeLink struct {
	bun.BaseModel `bun:"table:pedigree_links,alias:pl"`

	ChildID       string `bun:"child_id,pk" json:"childId"`
	Role          string `bun:"role,pk" json:"role"`
	AncestorID    string `bun:"ancestor_id,notnull" json:"ancestorId"`
	AncestorName  string `bun:"ancestor_name,notnull" json:"ancestorName"`
	Authoritative bool   `bun:"authoritative,notnull,default:false" json:"-"`
}

// HorseWeight is one body weight sample (kg) for a horse on a race date.
type HorseWeight struct {
	bun.BaseModel `bun:"table:horse_weights,alias:hw"`

	HorseID string `bun:"horse_id,pk" json:"horseId"`
	Date    string `bun:"date,pk" json:"date"`
	Weight  int    `bun:"weight,notnull" json:"weight"`
	RaceID  string `bun:"race_id,notnull" json:"raceId,omitempty"`
}
