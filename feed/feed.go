// Package feed defines the vendor data source contract shared by the mirror
// and native clients. Both variants yield the same Record stream so the sync
// engine never depends on how records were obtained.
package feed

import (
	"context"
	"iter"

	"github.com/padraicbc/racesync/models"
)

// Cursor is the position of a record within a feed stream. Cursors strictly
// increase within a stream; a fetch "since" c yields records with Cursor > c.
type Cursor int64

// Record is one raw vendor row.
type Record struct {
	Kind    string
	Cursor  Cursor
	Payload []byte
}

// Client is the vendor data source.
type Client interface {
	// Connect prepares the client. It is safe to call more than once.
	Connect(ctx context.Context) error
	// FetchBulk streams every available record after since. The sequence is
	// finite and may be restarted from any earlier cursor.
	FetchBulk(ctx context.Context, since Cursor) iter.Seq2[Record, error]
	// FetchIncremental streams new or changed records of the given
	// incremental kind after since.
	FetchIncremental(ctx context.Context, kind models.SyncKind, since Cursor) iter.Seq2[Record, error]
	Close() error
}

// Record kinds produced by the vendor.
const (
	KindRace       = "RA"
	KindEntry      = "SE"
	KindOdds       = "O1"
	KindHorse      = "UM"
	KindBodyWeight = "WH"
	KindJockey     = "KS"
	KindPayout     = "HR"
)

// StructuralKinds are the record kinds carried by structural incremental syncs.
var StructuralKinds = []string{KindRace, KindEntry, KindHorse, KindJockey}

// RealtimeKinds are the record kinds carried by race-day realtime syncs.
var RealtimeKinds = []string{KindOdds, KindBodyWeight, KindPayout, KindEntry}

// KindsFor returns the record kinds a sync kind covers, nil meaning all.
func KindsFor(kind models.SyncKind) []string {
	switch kind {
	case models.KindStructural:
		return StructuralKinds
	case models.KindRealtime:
		return RealtimeKinds
	}
	return nil
}

// Single returns a sequence that yields only err.
func Single(err error) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		yield(Record{}, err)
	}
}
