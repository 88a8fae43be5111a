package models

import "github.com/uptrace/bun"

// Course represents a racecourse keyed by the vendor venue code.
type Course struct {
	bun.BaseModel `bun:"table:courses,alias:c"`

	Code   string `bun:"code,pk" json:"code"`
	Name   string `bun:"name,notnull,unique" json:"name"`
	Region string `bun:"region,notnull" json:"region"`
}
