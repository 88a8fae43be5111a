// Package feedtest provides an in-memory vendor feed with failure injection
// and builders for fixed-width vendor records.
package feedtest

import (
	"context"
	"iter"
	"slices"
	"sync"

	"github.com/padraicbc/racesync/feed"
	"github.com/padraicbc/racesync/models"
)

type failure struct {
	after int
	err   error
}

// Feed is an in-memory feed.Client. Cursors are assigned in push order and
// shared across record kinds, like the mirror table.
type Feed struct {
	mu       sync.Mutex
	records  []feed.Record
	next     feed.Cursor
	failures []failure
	fetches  int
	closed   bool
}

func New() *Feed { return &Feed{} }

// Push appends a record and returns its cursor.
func (f *Feed) Push(kind string, payload []byte) feed.Cursor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.records = append(f.records, feed.Record{Kind: kind, Cursor: f.next, Payload: payload})
	return f.next
}

// PushAll appends records keeping their kind and payload.
func (f *Feed) PushAll(recs ...feed.Record) {
	for _, r := range recs {
		f.Push(r.Kind, r.Payload)
	}
}

// FailOnce makes the next fetch yield err after it has yielded n records.
// Calls queue up, one per fetch.
func (f *Feed) FailOnce(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, failure{after: n, err: err})
}

// Fetches reports how many fetches were started.
func (f *Feed) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *Feed) Connect(ctx context.Context) error { return ctx.Err() }

func (f *Feed) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *Feed) FetchBulk(ctx context.Context, since feed.Cursor) iter.Seq2[feed.Record, error] {
	return f.fetch(ctx, since, nil)
}

func (f *Feed) FetchIncremental(ctx context.Context, kind models.SyncKind, since feed.Cursor) iter.Seq2[feed.Record, error] {
	return f.fetch(ctx, since, feed.KindsFor(kind))
}

func (f *Feed) fetch(ctx context.Context, since feed.Cursor, kinds []string) iter.Seq2[feed.Record, error] {
	f.mu.Lock()
	f.fetches++
	var fail *failure
	if len(f.failures) > 0 {
		fail = &f.failures[0]
		f.failures = f.failures[1:]
	}
	snapshot := slices.Clone(f.records)
	f.mu.Unlock()

	return func(yield func(feed.Record, error) bool) {
		n := 0
		for _, r := range snapshot {
			if r.Cursor <= since || (kinds != nil && !slices.Contains(kinds, r.Kind)) {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(feed.Record{}, err)
				return
			}
			if fail != nil && n == fail.after {
				yield(feed.Record{}, fail.err)
				return
			}
			if !yield(r, nil) {
				return
			}
			n++
		}
		if fail != nil && n <= fail.after {
			yield(feed.Record{}, fail.err)
		}
	}
}

var _ feed.Client = (*Feed)(nil)
