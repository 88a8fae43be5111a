package native

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/padraicbc/racesync/feed"
	"github.com/padraicbc/racesync/models"
)

// fakeLib replays scripted Read results and records the Open arguments.
type fakeLib struct {
	initCode int
	openCode int
	reads    []ReadResult
	pos      int
	opens    []string
	closes   int
	block    chan struct{}
}

func (f *fakeLib) Init(string) (int, error) { return f.initCode, nil }

func (f *fakeLib) Open(spec, from string, _ int) (OpenResult, error) {
	f.opens = append(f.opens, spec+"@"+from)
	f.pos = 0
	return OpenResult{Code: f.openCode}, nil
}

func (f *fakeLib) Read() (ReadResult, error) {
	if f.block != nil {
		<-f.block
	}
	if f.pos >= len(f.reads) {
		return ReadResult{Code: codeEnd}, nil
	}
	r := f.reads[f.pos]
	f.pos++
	return r, nil
}

func (f *fakeLib) Close() (int, error) { f.closes++; return 0, nil }

func rec(kind, stamp string) ReadResult {
	data := []byte(kind + "7" + "20260125")
	return ReadResult{Code: len(data), Data: data, Stamp: stamp}
}

func newClient(t *testing.T, lib *fakeLib) *Client {
	t.Helper()
	c := New(Config{
		BulkSpec: "RACEBLODDIFF", StructuralSpec: "RACEDIFF", RealtimeSpec: "0B31",
		CallTimeout: time.Second, PollInterval: time.Millisecond,
	}, Binding{Open: func() (Library, error) { return lib, nil }}, zap.NewNop())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func collect(t *testing.T, seq func(func(feed.Record, error) bool)) []feed.Record {
	t.Helper()
	var out []feed.Record
	for r, err := range seq {
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, r)
	}
	return out
}

func TestCursorEncodesFileAndIndex(t *testing.T) {
	lib := &fakeLib{reads: []ReadResult{
		rec("RA", "20260125093000"),
		rec("SE", "20260125093000"),
		{Code: codeFileSwitch},
		{Code: codeDownloading},
		rec("SE", "20260125100000"),
	}}
	c := newClient(t, lib)
	got := collect(t, c.FetchBulk(context.Background(), 0))
	want := []feed.Cursor{2026012509300000001, 2026012509300000002, 2026012510000000001}
	if len(got) != len(want) {
		t.Fatalf("got %d records", len(got))
	}
	for i, r := range got {
		if r.Cursor != want[i] {
			t.Fatalf("record %d cursor = %d, want %d", i, r.Cursor, want[i])
		}
	}
	if got[0].Kind != "RA" || lib.opens[0] != "RACEBLODDIFF@"+bulkEpoch || lib.closes != 1 {
		t.Fatalf("kind %s opens %v closes %d", got[0].Kind, lib.opens, lib.closes)
	}
}

func TestResumeMidFile(t *testing.T) {
	lib := &fakeLib{reads: []ReadResult{
		rec("RA", "20260125093000"),
		rec("SE", "20260125093000"),
		rec("SE", "20260125093000"),
	}}
	c := newClient(t, lib)
	got := collect(t, c.FetchBulk(context.Background(), 2026012509300000002))
	if len(got) != 1 || got[0].Cursor != 2026012509300000003 {
		t.Fatalf("resumed records = %+v", got)
	}
	if lib.opens[0] != "RACEBLODDIFF@20260125092959" {
		t.Fatalf("open from = %s", lib.opens[0])
	}
}

func TestIncrementalFiltersKinds(t *testing.T) {
	lib := &fakeLib{reads: []ReadResult{
		rec("UM", "20260125093000"),
		rec("O1", "20260125093000"),
	}}
	c := newClient(t, lib)
	got := collect(t, c.FetchIncremental(context.Background(), models.KindRealtime, 0))
	if len(got) != 1 || got[0].Kind != "O1" || got[0].Cursor != 2026012509300000002 {
		t.Fatalf("realtime records = %+v", got)
	}
	if lib.opens[0] != "0B31@"+bulkEpoch {
		t.Fatalf("open = %s", lib.opens[0])
	}
}

func TestReturnCodes(t *testing.T) {
	lib := &fakeLib{reads: []ReadResult{{Code: -302}}}
	c := newClient(t, lib)
	var err error
	for _, e := range c.FetchBulk(context.Background(), 0) {
		err = e
	}
	if !feed.Fatal(err) {
		t.Fatalf("auth code mapped to %v", err)
	}

	lib.reads = []ReadResult{{Code: -502}}
	for _, e := range c.FetchBulk(context.Background(), 0) {
		err = e
	}
	if !errors.Is(err, feed.ErrConnection) {
		t.Fatalf("read failure mapped to %v", err)
	}

	lib.openCode = codeNoData
	if got := collect(t, c.FetchBulk(context.Background(), 0)); len(got) != 0 {
		t.Fatalf("no-data open yielded %d records", len(got))
	}
}

func TestInitFailure(t *testing.T) {
	c := New(Config{}, Binding{Open: func() (Library, error) { return &fakeLib{initCode: -301}, nil }}, zap.NewNop())
	if err := c.Connect(context.Background()); !errors.Is(err, feed.ErrAuthentication) {
		t.Fatalf("connect = %v", err)
	}
}

func TestUnsupportedBinding(t *testing.T) {
	c := New(Config{}, Binding{Open: func() (Library, error) { return nil, feed.ErrUnsupported }}, zap.NewNop())
	if err := c.Connect(context.Background()); !feed.Fatal(err) {
		t.Fatalf("connect = %v", err)
	}
}

func TestCallTimeoutIsConnectionError(t *testing.T) {
	lib := &fakeLib{block: make(chan struct{})}
	c := New(Config{CallTimeout: 20 * time.Millisecond}, Binding{Open: func() (Library, error) { return lib, nil }}, zap.NewNop())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	var err error
	for _, e := range c.FetchBulk(context.Background(), 0) {
		err = e
	}
	close(lib.block)
	c.Close()
	if !errors.Is(err, feed.ErrConnection) {
		t.Fatalf("timed out read = %v", err)
	}
}

func TestSlotRunsOnOneThreadInOrder(t *testing.T) {
	s, err := NewSlot(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	var n atomic.Int32
	var order []int32
	for range 50 {
		if err := s.Do(context.Background(), func() { order = append(order, n.Add(1)) }); err != nil {
			t.Fatal(err)
		}
	}
	for i, v := range order {
		if v != int32(i+1) {
			t.Fatalf("call %d ran as %d", i, v)
		}
	}
}

func TestStampFromFile(t *testing.T) {
	if got := stampFromFile("RAVM20260125093000.jvd", "x"); got != "20260125093000" {
		t.Fatalf("stamp = %s", got)
	}
	if got := stampFromFile("noStamp.jvd", "20260101000000"); got != "20260101000000" {
		t.Fatalf("fallback = %s", got)
	}
}
