package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/padraicbc/racesync/models"
	"github.com/padraicbc/racesync/store"
	"github.com/padraicbc/racesync/store/memstore"
)

const raceID = "20260125_06_11"

func intp(v int) *int         { return &v }
func f64(v float64) *float64 { return &v }

func seed(t *testing.T, fn func(ctx context.Context, tx store.Tx) error) *memstore.Store {
	t.Helper()
	s := memstore.New()
	ctx := context.Background()
	if err := s.InTx(ctx, func(tx store.Tx) error { return fn(ctx, tx) }); err != nil {
		t.Fatal(err)
	}
	return s
}

func card(ctx context.Context, tx store.Tx) error {
	if err := tx.SaveRace(ctx, models.Race{
		RaceID: raceID, Date: "20260125", Venue: "06", VenueName: "Nakayama", RaceNumber: 11,
		Name: "American Jockey Club Cup", Distance: 2200, Surface: "turf", Status: models.StatusOfficial,
	}); err != nil {
		return err
	}
	if err := tx.SaveJockey(ctx, models.Jockey{JockeyID: "J0001", Name: "Lemaire"}); err != nil {
		return err
	}
	for post := 1; post <= 3; post++ {
		if err := tx.SaveRunner(ctx, models.Runner{
			RunnerID: models.RunnerKey(raceID, post), RaceID: raceID, PostPosition: post,
			FrameNumber: post, HorseID: "H" + string(rune('0'+post)), JockeyID: "J0001",
			Weight: 57, BodyWeight: intp(470 + post), Finish: intp(post), ResultLocked: true,
		}); err != nil {
			return err
		}
	}
	return tx.SavePayout(ctx, models.Payout{RaceID: raceID, BetType: "win", PostPosition: 1, Amount: 350, Popularity: 2})
}

func TestListRacesValidatesDate(t *testing.T) {
	q := New(seed(t, card), nil, zap.NewNop())
	for _, bad := range []string{"", "2026-01-25", "20261325", "2026012"} {
		if _, err := q.ListRaces(context.Background(), bad); !errors.Is(err, ErrInvalid) {
			t.Fatalf("ListRaces(%q) = %v", bad, err)
		}
	}
	races, err := q.ListRaces(context.Background(), "20260125")
	if err != nil {
		t.Fatal(err)
	}
	if len(races) != 1 || races[0].RunnerCount != 3 {
		t.Fatalf("races = %+v", races)
	}
	empty, err := q.ListRaces(context.Background(), "20260126")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("empty day = %v, %v", empty, err)
	}
}

func TestRaceDetailAndNotFound(t *testing.T) {
	q := New(seed(t, card), nil, zap.NewNop())
	ctx := context.Background()
	d, err := q.GetRace(ctx, raceID)
	if err != nil {
		t.Fatal(err)
	}
	if d.RunnerCount != 3 || len(d.Payouts) != 1 || d.Payouts[0].Amount != 350 {
		t.Fatalf("detail = %+v", d)
	}
	if _, err := q.GetRace(ctx, "20260125_06_12"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown race = %v", err)
	}
	if _, err := q.GetRunners(ctx, "20260125_06_12"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("runners of unknown race = %v", err)
	}
	if _, err := q.RunnerOdds(ctx, raceID+"_09"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("odds of unknown runner = %v", err)
	}
}

func TestRaceWeightsFallBackToBodyWeights(t *testing.T) {
	q := New(seed(t, card), nil, zap.NewNop())
	ws, err := q.RaceWeights(context.Background(), raceID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ws) != 3 || ws[0].Weight == nil || *ws[0].Weight != 471 {
		t.Fatalf("weights = %+v", ws)
	}
}

func TestPedigreePartialAndCycle(t *testing.T) {
	s := seed(t, func(ctx context.Context, tx store.Tx) error {
		links := []models.PedigreeLink{
			{ChildID: "H1", Role: models.RoleSire, AncestorID: "S", AncestorName: "Sire", Authoritative: true},
			{ChildID: "S", Role: models.RoleSire, AncestorID: "SS", AncestorName: "Grandsire"},
			{ChildID: "S", Role: models.RoleDam, AncestorID: "SD", AncestorName: "Granddam"},
			{ChildID: "SS", Role: models.RoleSire, AncestorID: "H1", AncestorName: "Loop"},
			{ChildID: "SS", Role: models.RoleDam, AncestorID: "SSD", AncestorName: "Great granddam"},
			{ChildID: "SSD", Role: models.RoleSire, AncestorID: "TOO_DEEP", AncestorName: "Fourth generation"},
		}
		for _, l := range links {
			if err := tx.SavePedigreeLink(ctx, l); err != nil {
				return err
			}
		}
		return tx.SaveHorse(ctx, models.Horse{HorseID: "H1", Name: "Subject"})
	})
	q := New(s, nil, zap.NewNop())
	p, err := q.Pedigree(context.Background(), "H1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "Subject" || p.Dam != nil || p.Damsire != nil {
		t.Fatalf("root = %+v", p)
	}
	ss := p.Sire.Sire
	if ss == nil || ss.HorseID != "SS" || p.Sire.Dam.HorseID != "SD" {
		t.Fatalf("grandparents = %+v", p.Sire)
	}
	if ss.Sire != nil {
		t.Fatalf("cycle back to subject kept: %+v", ss.Sire)
	}
	if ss.Dam == nil || ss.Dam.Sire != nil {
		t.Fatalf("depth not bounded at three generations: %+v", ss.Dam)
	}

	b, _ := json.Marshal(p)
	var raw map[string]any
	_ = json.Unmarshal(b, &raw)
	if v, ok := raw["dam"]; !ok || v != nil {
		t.Fatalf("dam should encode as null: %s", b)
	}

	if _, err := q.Pedigree(context.Background(), "UNKNOWN"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown horse = %v", err)
	}
}

func TestPedigreeDamsire(t *testing.T) {
	s := seed(t, func(ctx context.Context, tx store.Tx) error {
		for _, l := range []models.PedigreeLink{
			{ChildID: "H1", Role: models.RoleDam, AncestorID: "D", AncestorName: "Dam"},
			{ChildID: "D", Role: models.RoleSire, AncestorID: "DS", AncestorName: "Damsire"},
		} {
			if err := tx.SavePedigreeLink(ctx, l); err != nil {
				return err
			}
		}
		return nil
	})
	p, err := New(s, nil, zap.NewNop()).Pedigree(context.Background(), "H1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Sire != nil || p.Damsire == nil || p.Damsire.Name != "Damsire" {
		t.Fatalf("pedigree = %+v", p)
	}
}

func TestJockeyStatsByCourse(t *testing.T) {
	q := New(seed(t, card), nil, zap.NewNop())
	ctx := context.Background()
	for _, course := range []string{"06", "nakayama"} {
		js, err := q.JockeyStats(ctx, "J0001", course)
		if err != nil {
			t.Fatal(err)
		}
		if js.Rides != 3 || js.Wins != 1 || js.PlaceRate != 1 {
			t.Fatalf("stats at %s = %+v", course, js)
		}
	}
	js, err := q.JockeyStats(ctx, "J0001", "Tokyo")
	if err != nil || js.Rides != 0 {
		t.Fatalf("stats at Tokyo = %+v, %v", js, err)
	}
	if _, err := q.JockeyStats(ctx, "J0001", "Ascot"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("unknown course = %v", err)
	}
	if _, err := q.JockeyStats(ctx, "J9999", ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown jockey = %v", err)
	}
}

func TestOddsHistoryOrdered(t *testing.T) {
	base := time.Date(2026, 1, 25, 14, 0, 0, 0, time.UTC)
	s := seed(t, func(ctx context.Context, tx store.Tx) error {
		if err := card(ctx, tx); err != nil {
			return err
		}
		for _, m := range []int{10, 0, 5} {
			if _, err := tx.AppendOdds(ctx, models.OddsSnapshot{
				RunnerID: models.RunnerKey(raceID, 1), RaceID: raceID,
				ObservedAt: base.Add(time.Duration(m) * time.Minute), WinOdds: f64(float64(m) + 1.5),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	hist, err := New(s, nil, zap.NewNop()).RunnerOdds(context.Background(), models.RunnerKey(raceID, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 3 || !hist[0].ObservedAt.Equal(base) || *hist[2].WinOdds != 11.5 {
		t.Fatalf("history = %+v", hist)
	}
}

func TestSyncStatusDefaultsToIdle(t *testing.T) {
	st, err := New(memstore.New(), nil, zap.NewNop()).SyncStatus(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.State != "idle" || st.Watermarks == nil {
		t.Fatalf("status = %+v", st)
	}
}

type mapCache struct {
	m          map[string][]byte
	gen        int64
	hits, sets int
	// onMiss runs after a miss, before the caller loads and stores.
	onMiss func()
}

func (c *mapCache) entry(gen int64, key string) string {
	return fmt.Sprintf("%d:%s", gen, key)
}

func (c *mapCache) Get(_ context.Context, key string, dst any) (int64, bool, error) {
	b, ok := c.m[c.entry(c.gen, key)]
	if !ok {
		gen := c.gen
		if c.onMiss != nil {
			c.onMiss()
		}
		return gen, false, nil
	}
	c.hits++
	return c.gen, true, json.Unmarshal(b, dst)
}

func (c *mapCache) Set(_ context.Context, gen int64, key string, v any) error {
	b, err := json.Marshal(v)
	c.m[c.entry(gen, key)] = b
	c.sets++
	return err
}

func TestCacheReadThrough(t *testing.T) {
	c := &mapCache{m: map[string][]byte{}}
	q := New(seed(t, card), c, zap.NewNop())
	ctx := context.Background()
	for range 2 {
		rs, err := q.GetRunners(ctx, raceID)
		if err != nil || len(rs) != 3 {
			t.Fatalf("runners = %v, %v", rs, err)
		}
	}
	if c.sets != 1 || c.hits != 1 {
		t.Fatalf("sets=%d hits=%d", c.sets, c.hits)
	}
	if _, err := q.GetRunners(ctx, "20260125_06_12"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("not found result must not be cached as empty")
	}
	if c.sets != 1 {
		t.Fatalf("error result cached")
	}
}

func TestCacheStoresUnderLookupGeneration(t *testing.T) {
	c := &mapCache{m: map[string][]byte{}}
	// a commit lands while the first miss is loading
	c.onMiss = func() { c.gen++; c.onMiss = nil }
	q := New(seed(t, card), c, zap.NewNop())
	ctx := context.Background()

	if _, err := q.GetRunners(ctx, raceID); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.m[c.entry(0, "runners:"+raceID)]; !ok {
		t.Fatalf("first load not stored under its lookup generation: %v", c.m)
	}
	if _, err := q.GetRunners(ctx, raceID); err != nil {
		t.Fatal(err)
	}
	if c.hits != 0 || c.sets != 2 {
		t.Fatalf("value loaded before a commit was served after it: hits=%d sets=%d", c.hits, c.sets)
	}
}
