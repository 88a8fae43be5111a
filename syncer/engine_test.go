package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/padraicbc/racesync/feed"
	"github.com/padraicbc/racesync/feed/feedtest"
	"github.com/padraicbc/racesync/models"
	"github.com/padraicbc/racesync/normalize"
	"github.com/padraicbc/racesync/store"
	"github.com/padraicbc/racesync/store/memstore"
)

const raceID = "20260125_06_11"

type fakeAlerter struct {
	mu   sync.Mutex
	msgs []string
}

func (a *fakeAlerter) Alert(_ context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, text)
	return nil
}

type harness struct {
	engine *Engine
	store  *memstore.Store
	feed   *feedtest.Feed
	alerts *fakeAlerter
	delays []time.Duration
}

func newHarness(t *testing.T, batchSize int, hooks ...CommitHook) *harness {
	t.Helper()
	h := &harness{store: memstore.New(), feed: feedtest.New(), alerts: &fakeAlerter{}}
	h.engine = New(Config{
		BatchSize: batchSize,
		Retry:     RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2},
	}, Deps{
		Store:   h.store,
		Feed:    h.feed,
		Alerter: h.alerts,
		Hooks:   hooks,
		Now:     func() time.Time { return time.Date(2026, 1, 25, 10, 0, 0, 0, normalize.JST) },
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.delays = append(h.delays, d)
			return ctx.Err()
		},
	})
	if err := h.engine.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return h
}

func (h *harness) push(recs ...feed.Record) { h.feed.PushAll(recs...) }

func (h *harness) watermark(t *testing.T, kind models.SyncKind) models.Watermark {
	t.Helper()
	wms, err := h.store.Watermarks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, w := range wms {
		if w.Kind == kind {
			return w
		}
	}
	t.Fatalf("no watermark for %s", kind)
	return models.Watermark{}
}

func (h *harness) deadLetters(t *testing.T) []models.DeadLetter {
	t.Helper()
	dls, err := h.store.DeadLetters(context.Background(), store.DeadLetterFilter{})
	if err != nil {
		t.Fatal(err)
	}
	return dls
}

func TestBulkLoadCompletesAndSeedsIncrementals(t *testing.T) {
	h := newHarness(t, 4)
	last := h.feed.Card(raceID, "AJCC", 10)
	ctx := context.Background()

	if err := h.engine.RunOnce(ctx, models.KindBulk); err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if h.engine.State() != StateReady {
		t.Fatalf("state = %s", h.engine.State())
	}
	bulk := h.watermark(t, models.KindBulk)
	if !bulk.Completed || bulk.LastSuccessfulCursor != int64(last) {
		t.Fatalf("bulk watermark %+v", bulk)
	}
	for _, k := range []models.SyncKind{models.KindStructural, models.KindRealtime} {
		if w := h.watermark(t, k); w.LastSuccessfulCursor < int64(last) {
			t.Fatalf("%s watermark %d behind bulk %d", k, w.LastSuccessfulCursor, last)
		}
	}
	runners, err := h.store.ListRunners(ctx, raceID)
	if err != nil || len(runners) != 10 {
		t.Fatalf("runners %d %v", len(runners), err)
	}
	runs := h.store.Runs()
	if len(runs) != 1 || runs[0].Status != models.RunSucceeded || runs[0].Batches != 3 || runs[0].Records != 11 {
		t.Fatalf("unexpected run %+v", runs)
	}
}

func TestDoubleBulkIsIdempotent(t *testing.T) {
	h := newHarness(t, 500)
	h.feed.Card(raceID, "AJCC", 10)
	h.push(feedtest.Odds(raceID, "01251400", feedtest.Tick{Post: 1, Win: 3.4, Rank: 1}))
	ctx := context.Background()

	if err := h.engine.RunOnce(ctx, models.KindBulk); err != nil {
		t.Fatal(err)
	}
	before, _ := h.store.ListRunners(ctx, raceID)
	if err := h.engine.Reset(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.RunOnce(ctx, models.KindBulk); err != nil {
		t.Fatal(err)
	}
	after, _ := h.store.ListRunners(ctx, raceID)
	if len(before) != len(after) {
		t.Fatalf("runner count changed %d -> %d", len(before), len(after))
	}
	races, _ := h.store.ListRaces(ctx, "20260125")
	if len(races) != 1 {
		t.Fatalf("expected one race, got %d", len(races))
	}
	odds, _ := h.store.OddsByRace(ctx, raceID)
	if len(odds) != 1 {
		t.Fatalf("odds duplicated: %d", len(odds))
	}
	if dls := h.deadLetters(t); len(dls) != 0 {
		t.Fatalf("replay produced dead letters: %+v", dls)
	}
}

func TestOddsRedeliveryIsAppendOnly(t *testing.T) {
	h := newHarness(t, 500)
	h.feed.Card(raceID, "AJCC", 2)
	ctx := context.Background()
	if err := h.engine.RunOnce(ctx, models.KindBulk); err != nil {
		t.Fatal(err)
	}

	tick := feedtest.Odds(raceID, "01251400", feedtest.Tick{Post: 1, Win: 3.4, Rank: 1})
	h.push(tick, tick)
	if err := h.engine.RunOnce(ctx, models.KindRealtime); err != nil {
		t.Fatal(err)
	}
	h.push(tick)
	if err := h.engine.RunOnce(ctx, models.KindRealtime); err != nil {
		t.Fatal(err)
	}
	history, _ := h.store.OddsByRunner(ctx, models.RunnerKey(raceID, 1))
	if len(history) != 1 {
		t.Fatalf("expected one tick, got %d", len(history))
	}
}

func TestRunnerBeforeRaceInSameBatch(t *testing.T) {
	h := newHarness(t, 500)
	h.push(
		feedtest.Runner(raceID, feedtest.Card, feedtest.Entry{Post: 1, HorseID: "2021000001", JockeyID: "J0001", Weight: 57}),
		feedtest.Race(raceID, feedtest.Card, "AJCC", 2200, "1545"),
	)
	if err := h.engine.RunOnce(context.Background(), models.KindBulk); err != nil {
		t.Fatal(err)
	}
	runners, _ := h.store.ListRunners(context.Background(), raceID)
	if len(runners) != 1 {
		t.Fatalf("runner lost to feed ordering")
	}
}

func TestRunnerWithoutRaceIsDeadLettered(t *testing.T) {
	h := newHarness(t, 1)
	h.push(
		feedtest.Runner(raceID, feedtest.Card, feedtest.Entry{Post: 1, HorseID: "2021000001", JockeyID: "J0001", Weight: 57}),
		feedtest.Race(raceID, feedtest.Card, "AJCC", 2200, "1545"),
	)
	if err := h.engine.RunOnce(context.Background(), models.KindBulk); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.GetRunner(context.Background(), models.RunnerKey(raceID, 1)); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("orphan runner stored: %v", err)
	}
	dls := h.deadLetters(t)
	if len(dls) != 1 || dls[0].RecordKind != feed.KindEntry || dls[0].SyncKind != models.KindBulk {
		t.Fatalf("unexpected dead letters %+v", dls)
	}
}

func TestWatermarkMonotonicThroughFailedBatch(t *testing.T) {
	var mu sync.Mutex
	var committed []feed.Cursor
	hook := func(_ context.Context, _ models.SyncKind, b *normalize.Batch) {
		mu.Lock()
		committed = append(committed, b.LastCursor)
		mu.Unlock()
	}
	h := newHarness(t, 2, hook)
	h.feed.Card(raceID, "AJCC", 5)
	h.feed.FailOnce(3, feed.ErrConnection)

	if err := h.engine.RunOnce(context.Background(), models.KindBulk); err != nil {
		t.Fatalf("bulk should recover: %v", err)
	}
	if h.feed.Fetches() != 2 {
		t.Fatalf("expected one refetch, got %d fetches", h.feed.Fetches())
	}
	for i := 1; i < len(committed); i++ {
		if committed[i] <= committed[i-1] {
			t.Fatalf("watermark went backwards: %v", committed)
		}
	}
	if got := h.watermark(t, models.KindBulk).LastSuccessfulCursor; got != 6 {
		t.Fatalf("watermark = %d", got)
	}
	runners, _ := h.store.ListRunners(context.Background(), raceID)
	if len(runners) != 5 {
		t.Fatalf("expected 5 runners, got %d", len(runners))
	}
	if len(h.delays) != 1 {
		t.Fatalf("expected one backoff, got %v", h.delays)
	}
}

func TestRateLimitHonoursRetryAfter(t *testing.T) {
	h := newHarness(t, 500)
	h.feed.Card(raceID, "AJCC", 1)
	h.feed.FailOnce(0, &feed.RateLimitedError{RetryAfter: 7 * time.Second})
	if err := h.engine.RunOnce(context.Background(), models.KindBulk); err != nil {
		t.Fatal(err)
	}
	if len(h.delays) != 1 || h.delays[0] != 7*time.Second {
		t.Fatalf("delays = %v", h.delays)
	}
}

func TestFatalFeedErrorStopsIngestion(t *testing.T) {
	h := newHarness(t, 500)
	h.feed.Card(raceID, "AJCC", 1)
	h.feed.FailOnce(0, feed.ErrAuthentication)
	ctx := context.Background()

	err := h.engine.RunOnce(ctx, models.KindBulk)
	if !errors.Is(err, feed.ErrAuthentication) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if h.engine.State() != StateError {
		t.Fatalf("state = %s", h.engine.State())
	}
	if len(h.delays) != 0 {
		t.Fatalf("fatal errors must not be retried")
	}
	if len(h.alerts.msgs) != 1 {
		t.Fatalf("expected one alert, got %v", h.alerts.msgs)
	}
	if w := h.watermark(t, models.KindBulk); w.LastSuccessfulCursor != 0 {
		t.Fatalf("watermark moved: %+v", w)
	}
	if err := h.engine.Trigger(models.KindStructural); !errors.Is(err, ErrNotReady) {
		t.Fatalf("trigger in error state: %v", err)
	}
	status, _ := h.engine.Status(ctx)
	if status.State != string(StateError) || status.LastError == "" {
		t.Fatalf("status %+v", status)
	}
	ss, _ := h.store.SyncState(ctx)
	if ss.State != string(StateError) {
		t.Fatalf("error state not persisted: %+v", ss)
	}

	if err := h.engine.Reset(ctx, false); err != nil {
		t.Fatal(err)
	}
	if h.engine.State() != StateIdle {
		t.Fatalf("reset left state %s", h.engine.State())
	}
	if err := h.engine.RunOnce(ctx, models.KindBulk); err != nil {
		t.Fatalf("bulk after reset: %v", err)
	}
}

func TestRetriesExhausted(t *testing.T) {
	h := newHarness(t, 500)
	h.feed.Card(raceID, "AJCC", 1)
	for i := 0; i < 3; i++ {
		h.feed.FailOnce(0, feed.ErrConnection)
	}
	err := h.engine.RunOnce(context.Background(), models.KindBulk)
	if !errors.Is(err, feed.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if h.engine.State() != StateError || len(h.delays) != 2 {
		t.Fatalf("state %s delays %v", h.engine.State(), h.delays)
	}
	runs := h.store.Runs()
	if runs[0].Status != models.RunFailed {
		t.Fatalf("run status %s", runs[0].Status)
	}
}

func TestCancellationBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, 3, func(context.Context, models.SyncKind, *normalize.Batch) { cancel() })
	h.feed.Card(raceID, "AJCC", 8)

	err := h.engine.RunOnce(ctx, models.KindBulk)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if got := h.watermark(t, models.KindBulk).LastSuccessfulCursor; got != 3 {
		t.Fatalf("watermark = %d, want first batch only", got)
	}
	if err := h.engine.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	runs := h.store.Runs()
	if len(runs) != 1 || runs[0].Status != models.RunCanceled {
		t.Fatalf("run not marked canceled: %+v", runs)
	}

	// A fresh engine resumes the interrupted bulk load from the watermark.
	next := New(Config{BatchSize: 3}, Deps{Store: h.store, Feed: h.feed})
	if err := next.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if next.State() != StateIdle {
		t.Fatalf("resumed state = %s", next.State())
	}
	if err := next.RunOnce(context.Background(), models.KindBulk); err != nil {
		t.Fatal(err)
	}
	runners, _ := h.store.ListRunners(context.Background(), raceID)
	if len(runners) != 8 {
		t.Fatalf("expected 8 runners after resume, got %d", len(runners))
	}
}

func TestIncrementalNeedsBulk(t *testing.T) {
	h := newHarness(t, 500)
	if err := h.engine.RunOnce(context.Background(), models.KindStructural); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected not ready, got %v", err)
	}
	if err := h.engine.Trigger("weekly"); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("expected invalid kind, got %v", err)
	}
}

func TestOfficialTransitionLocksResults(t *testing.T) {
	h := newHarness(t, 500)
	h.feed.Card(raceID, "AJCC", 3)
	ctx := context.Background()
	if err := h.engine.RunOnce(ctx, models.KindBulk); err != nil {
		t.Fatal(err)
	}

	h.push(
		feedtest.Race(raceID, feedtest.Official, "AJCC", 2000, "1540"),
		feedtest.Runner(raceID, feedtest.Official, feedtest.Entry{Post: 1, HorseID: "2021000001", JockeyID: "J0001", Weight: 57, Finish: 1}),
	)
	if err := h.engine.RunOnce(ctx, models.KindStructural); err != nil {
		t.Fatal(err)
	}
	race, _ := h.store.GetRace(ctx, raceID)
	if race.Status != models.StatusOfficial {
		t.Fatalf("race status %s", race.Status)
	}

	h.push(
		feedtest.Runner(raceID, feedtest.Official, feedtest.Entry{Post: 1, HorseID: "2021000001", JockeyID: "J0001", Weight: 57, Finish: 2}),
		feedtest.Runner(raceID, feedtest.Card, feedtest.Entry{Post: 9, HorseID: "2021000009", JockeyID: "J0009", Weight: 55}),
		feedtest.Race(raceID, feedtest.Card, "AJCC", 2000, "1540"),
	)
	if err := h.engine.RunOnce(ctx, models.KindStructural); err != nil {
		t.Fatal(err)
	}
	ru, _ := h.store.GetRunner(ctx, models.RunnerKey(raceID, 1))
	if ru.Finish == nil || *ru.Finish != 1 {
		t.Fatalf("settled result changed: %v", ru.Finish)
	}
	if _, err := h.store.GetRunner(ctx, models.RunnerKey(raceID, 9)); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("runner added to frozen race")
	}
	race, _ = h.store.GetRace(ctx, raceID)
	if race.Status != models.StatusOfficial {
		t.Fatalf("official race reverted to %s", race.Status)
	}
	if dls := h.deadLetters(t); len(dls) != 2 {
		t.Fatalf("expected 2 dead letters, got %+v", dls)
	}
}

func TestCardEntriesBeforeLockSurviveAnyBatchSize(t *testing.T) {
	for _, size := range []int{1, 2, 500} {
		h := newHarness(t, size)
		h.push(
			feedtest.Race(raceID, feedtest.Card, "AJCC", 2000, "1540"),
			feedtest.Runner(raceID, feedtest.Card, feedtest.Entry{Post: 1, HorseID: "2021000001", JockeyID: "J0001", Weight: 57}),
			feedtest.Runner(raceID, feedtest.Card, feedtest.Entry{Post: 2, HorseID: "2021000002", JockeyID: "J0002", Weight: 56}),
			feedtest.Race(raceID, feedtest.Official, "AJCC", 2000, "1540"),
		)
		ctx := context.Background()
		if err := h.engine.RunOnce(ctx, models.KindBulk); err != nil {
			t.Fatalf("batch %d: %v", size, err)
		}
		runners, err := h.store.ListRunners(ctx, raceID)
		if err != nil || len(runners) != 2 {
			t.Fatalf("batch %d: runners %d %v", size, len(runners), err)
		}
		if dls := h.deadLetters(t); len(dls) != 0 {
			t.Fatalf("batch %d: unexpected dead letters %+v", size, dls)
		}
		race, _ := h.store.GetRace(ctx, raceID)
		if race.Status != models.StatusOfficial {
			t.Fatalf("batch %d: race status %s", size, race.Status)
		}
	}
}

func TestOfficialRaceCanBeCanceled(t *testing.T) {
	h := newHarness(t, 500)
	h.feed.Card(raceID, "AJCC", 2)
	ctx := context.Background()
	if err := h.engine.RunOnce(ctx, models.KindBulk); err != nil {
		t.Fatal(err)
	}
	h.push(
		feedtest.Race(raceID, feedtest.Official, "AJCC", 2000, "1540"),
		feedtest.Runner(raceID, feedtest.Official, feedtest.Entry{Post: 1, HorseID: "2021000001", JockeyID: "J0001", Weight: 57, Finish: 1}),
	)
	if err := h.engine.RunOnce(ctx, models.KindStructural); err != nil {
		t.Fatal(err)
	}

	h.push(feedtest.Race(raceID, feedtest.Canceled, "AJCC", 2000, "1540"))
	if err := h.engine.RunOnce(ctx, models.KindStructural); err != nil {
		t.Fatal(err)
	}
	race, _ := h.store.GetRace(ctx, raceID)
	if race.Status != models.StatusCanceled {
		t.Fatalf("race status %s, want canceled", race.Status)
	}
	ru, _ := h.store.GetRunner(ctx, models.RunnerKey(raceID, 1))
	if ru.Finish == nil || *ru.Finish != 1 || !ru.ResultLocked {
		t.Fatalf("result not kept after cancel: %+v", ru)
	}

	h.push(feedtest.Race(raceID, feedtest.Official, "AJCC", 2000, "1540"))
	if err := h.engine.RunOnce(ctx, models.KindStructural); err != nil {
		t.Fatal(err)
	}
	if race, _ = h.store.GetRace(ctx, raceID); race.Status != models.StatusCanceled {
		t.Fatalf("canceled race moved to %s", race.Status)
	}
}

func TestNextStatus(t *testing.T) {
	tests := []struct {
		cur, in, want models.RaceStatus
		ok            bool
	}{
		{models.StatusScheduled, models.StatusOfficial, models.StatusOfficial, true},
		{models.StatusScheduled, models.StatusCanceled, models.StatusCanceled, true},
		{models.StatusOfficial, models.StatusCanceled, models.StatusCanceled, true},
		{models.StatusOfficial, models.StatusScheduled, models.StatusOfficial, false},
		{models.StatusCanceled, models.StatusOfficial, models.StatusCanceled, false},
		{models.StatusOfficial, models.StatusOfficial, models.StatusOfficial, false},
	}
	for _, tt := range tests {
		got, ok := nextStatus(tt.cur, tt.in)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("nextStatus(%s, %s) = %s %v, want %s %v", tt.cur, tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestConflictingRaceIsDeadLettered(t *testing.T) {
	h := newHarness(t, 500)
	h.feed.Card(raceID, "AJCC", 1)
	ctx := context.Background()
	if err := h.engine.RunOnce(ctx, models.KindBulk); err != nil {
		t.Fatal(err)
	}
	h.push(feedtest.Race(raceID, feedtest.Card, "AJCC", 2400, "1550"))
	if err := h.engine.RunOnce(ctx, models.KindStructural); err != nil {
		t.Fatal(err)
	}
	race, _ := h.store.GetRace(ctx, raceID)
	if race.Distance != 2000 {
		t.Fatalf("immutable distance overwritten: %d", race.Distance)
	}
	if dls := h.deadLetters(t); len(dls) != 1 || dls[0].RecordKind != feed.KindRace {
		t.Fatalf("expected race conflict dead letter, got %+v", dls)
	}
}

func TestPedigreeLinksPreferOwnRecord(t *testing.T) {
	h := newHarness(t, 500)
	h.push(
		feedtest.Horse("2021105432", "Child", "1", "20210301",
			feedtest.Ancestor{ID: "S1", Name: "Sire"}, feedtest.Ancestor{ID: "D1", Name: "Dam"},
			feedtest.Ancestor{ID: "SS", Name: "Old Sire"}),
		feedtest.Horse("S1", "Sire", "1", "20150301",
			feedtest.Ancestor{ID: "SS2", Name: "Corrected Sire"}),
	)
	if err := h.engine.RunOnce(context.Background(), models.KindBulk); err != nil {
		t.Fatal(err)
	}
	links, _ := h.store.ParentLinks(context.Background(), []string{"S1"})
	if len(links) != 1 || links[0].AncestorID != "SS2" {
		t.Fatalf("own master record should win: %+v", links)
	}
}

func TestRaceDayGate(t *testing.T) {
	h := newHarness(t, 500)
	h.feed.Card(raceID, "AJCC", 1)
	ctx := context.Background()
	if err := h.engine.RunOnce(ctx, models.KindBulk); err != nil {
		t.Fatal(err)
	}
	if !h.engine.raceDay(ctx) {
		t.Fatalf("scheduled race today should open the realtime window")
	}
	h.push(feedtest.Race(raceID, feedtest.Official, "AJCC", 2000, "1540"))
	if err := h.engine.RunOnce(ctx, models.KindStructural); err != nil {
		t.Fatal(err)
	}
	if h.engine.raceDay(ctx) {
		t.Fatalf("no scheduled races left, realtime should idle")
	}
}

func TestRunLoopBulkLoadsThenServesTriggers(t *testing.T) {
	h := newHarness(t, 500)
	h.feed.Card(raceID, "AJCC", 2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for h.engine.State() != StateReady {
		select {
		case <-deadline:
			t.Fatalf("engine never became ready, state %s", h.engine.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
	h.push(feedtest.Odds(raceID, "01251400", feedtest.Tick{Post: 2, Win: 8.1, Rank: 2}))
	if err := h.engine.Trigger(models.KindRealtime); err != nil {
		t.Fatal(err)
	}
	for {
		odds, _ := h.store.OddsByRace(ctx, raceID)
		if len(odds) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("triggered run did not apply odds")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
}
