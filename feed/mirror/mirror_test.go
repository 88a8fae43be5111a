package mirror

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/padraicbc/racesync/feed"
	"github.com/padraicbc/racesync/models"
)

func TestPageQuery(t *testing.T) {
	q, args := pageQuery(42, []string{"O1", "WH"}, 500)
	want := "SELECT seq, record_kind, payload FROM feed_records WHERE seq > ? AND record_kind IN (?, ?) ORDER BY seq LIMIT ?"
	if q != want {
		t.Fatalf("query = %q", q)
	}
	if len(args) != 4 || args[0] != int64(42) || args[1] != "O1" || args[3] != 500 {
		t.Fatalf("args = %v", args)
	}

	q, args = pageQuery(0, nil, 10)
	if q != "SELECT seq, record_kind, payload FROM feed_records WHERE seq > ? ORDER BY seq LIMIT ?" || len(args) != 2 {
		t.Fatalf("bulk query = %q %v", q, args)
	}
}

// fakePages serves records 1..n from memory.
func fakePages(n int, calls *[]feed.Cursor) pageFunc {
	return func(_ context.Context, since feed.Cursor, _ []string, limit int) ([]feed.Record, error) {
		*calls = append(*calls, since)
		var out []feed.Record
		for c := since + 1; c <= feed.Cursor(n) && len(out) < limit; c++ {
			out = append(out, feed.Record{Kind: "RA", Cursor: c})
		}
		return out, nil
	}
}

func TestStreamPagesBySeq(t *testing.T) {
	c := New(Config{PageSize: 3}, zap.NewNop())
	var calls []feed.Cursor
	c.page = fakePages(7, &calls)

	var got []feed.Cursor
	for r, err := range c.FetchBulk(context.Background(), 0) {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, r.Cursor)
	}
	if len(got) != 7 || got[6] != 7 {
		t.Fatalf("cursors = %v", got)
	}
	if fmt.Sprint(calls) != "[0 3 6]" {
		t.Fatalf("page calls = %v", calls)
	}
}

func TestStreamStopsEarly(t *testing.T) {
	c := New(Config{PageSize: 3}, zap.NewNop())
	var calls []feed.Cursor
	c.page = fakePages(100, &calls)
	n := 0
	for range c.FetchBulk(context.Background(), 10) {
		n++
		if n == 4 {
			break
		}
	}
	if len(calls) != 2 {
		t.Fatalf("fetched %d pages for 4 records", len(calls))
	}
}

func TestIncrementalRejectsBulk(t *testing.T) {
	c := New(Config{}, zap.NewNop())
	for _, err := range c.FetchIncremental(context.Background(), models.KindBulk, 0) {
		if err == nil {
			t.Fatal("expected error")
		}
	}
}

func TestMapErr(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		in    error
		conn  bool
		fatal bool
	}{
		{&mysql.MySQLError{Number: erAccessDenied, Message: "denied"}, false, true},
		{&mysql.MySQLError{Number: erConCount, Message: "too many"}, false, false},
		{mysql.ErrInvalidConn, true, false},
		{fmt.Errorf("read: %w", context.DeadlineExceeded), true, false},
	}
	for _, tc := range cases {
		err := mapErr(ctx, tc.in)
		if errors.Is(err, feed.ErrConnection) != tc.conn || feed.Fatal(err) != tc.fatal {
			t.Fatalf("mapErr(%v) = %v", tc.in, err)
		}
	}
	if d, ok := feed.RetryAfter(mapErr(ctx, &mysql.MySQLError{Number: erConCount})); !ok || d != 5*time.Second {
		t.Fatalf("retry after = %v %v", d, ok)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := mapErr(cctx, errors.New("anything")); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled ctx mapped to %v", err)
	}
}
