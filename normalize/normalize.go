// Package normalize turns raw vendor rows into typed entities bucketed in
// dependency order. It has no side effects.
package normalize

import (
	"fmt"
	"strconv"
	"time"

	"github.com/padraicbc/racesync/feed"
	"github.com/padraicbc/racesync/models"
)

// JST is the vendor's time zone for every date and time it publishes.
var JST = time.FixedZone("JST", 9*60*60)

// Batch is the normalized form of a slice of feed records. Entity slices keep
// feed order within a bucket; callers apply buckets in field order so parents
// land before children regardless of how the feed ordered them.
type Batch struct {
	Jockeys      []models.Jockey
	Horses       []models.Horse
	Links        []models.PedigreeLink
	Races        []models.Race
	Runners      []models.Runner
	Odds         []models.OddsSnapshot
	RaceWeights  []models.RaceWeight
	HorseWeights []models.HorseWeight
	Payouts      []models.Payout
	DeadLetters  []models.DeadLetter

	Records    int
	LastCursor feed.Cursor
}

// Normalize decodes records. Malformed and unknown records become dead
// letters and never fail the batch.
func Normalize(records []feed.Record) *Batch {
	b := &Batch{Records: len(records)}
	odds := map[string]int{}
	for _, rec := range records {
		if rec.Cursor > b.LastCursor {
			b.LastCursor = rec.Cursor
		}
		if err := b.add(rec, odds); err != nil {
			b.DeadLetters = append(b.DeadLetters, models.DeadLetter{
				Cursor:     int64(rec.Cursor),
				RecordKind: rec.Kind,
				Reason:     err.Error(),
				Payload:    string(rec.Payload),
			})
		}
	}
	return b
}

func (b *Batch) add(rec feed.Record, odds map[string]int) error {
	layout, ok := Layouts[rec.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, rec.Kind)
	}
	row, err := layout.Decode(rec.Payload)
	if err != nil {
		return err
	}
	switch rec.Kind {
	case feed.KindRace:
		return b.race(row)
	case feed.KindEntry:
		return b.entry(row)
	case feed.KindOdds:
		return b.odds(row, odds)
	case feed.KindHorse:
		return b.horse(row)
	case feed.KindBodyWeight:
		return b.bodyWeights(row)
	case feed.KindJockey:
		return b.jockey(row)
	case feed.KindPayout:
		return b.payouts(row)
	}
	return fmt.Errorf("%w: %q", ErrUnknownKind, rec.Kind)
}

type key struct {
	raceID string
	date   string
	venue  string
	number int
	year   int
}

func raceKeyOf(row Row) (key, error) {
	year, okY := row.Int("year")
	md := row.Str("month_day")
	venue := row.Str("venue")
	num, okN := row.Int("race_num")
	if !okY || len(md) != 4 || venue == "" || !okN || num <= 0 {
		return key{}, fmt.Errorf("%w: missing race key", ErrMalformed)
	}
	if _, err := strconv.Atoi(md); err != nil {
		return key{}, fmt.Errorf("%w: bad race date %q", ErrMalformed, md)
	}
	date := fmt.Sprintf("%04d%s", year, md)
	return key{
		raceID: fmt.Sprintf("%s_%s_%02d", date, venue, num),
		date:   date,
		venue:  venue,
		number: num,
		year:   year,
	}, nil
}

func status(kubun string) models.RaceStatus {
	switch kubun {
	case "7":
		return models.StatusOfficial
	case "9", "0":
		return models.StatusCanceled
	}
	return models.StatusScheduled
}

func (b *Batch) race(row Row) error {
	k, err := raceKeyOf(row)
	if err != nil {
		return err
	}
	track, _ := row.Int("track_code")
	distance, _ := row.Int("distance")
	r := models.Race{
		RaceID:     k.raceID,
		Date:       k.date,
		Venue:      k.venue,
		VenueName:  VenueName(k.venue),
		RaceNumber: k.number,
		Name:       row.Str("race_name"),
		Distance:   distance,
		Surface:    Surface(track),
		Conditions: row.Str("conditions"),
		Status:     status(row.Str("data_kubun")),
	}
	if hhmm := row.Str("post_time"); len(hhmm) == 4 {
		if t, err := time.ParseInLocation("200601021504", k.date+hhmm, JST); err == nil {
			r.PostTime = &t
		}
	}
	b.Races = append(b.Races, r)
	return nil
}

func (b *Batch) entry(row Row) error {
	k, err := raceKeyOf(row)
	if err != nil {
		return err
	}
	post, ok := row.Int("post")
	horseID := row.Str("horse_id")
	if !ok || post <= 0 || horseID == "" {
		return fmt.Errorf("%w: missing runner key", ErrMalformed)
	}
	frame, _ := row.Int("frame")
	weight, _ := row.Int("weight")
	ru := models.Runner{
		RunnerID:     models.RunnerKey(k.raceID, post),
		RaceID:       k.raceID,
		PostPosition: post,
		FrameNumber:  frame,
		HorseID:      horseID,
		JockeyID:     row.Str("jockey_id"),
		Weight:       float64(weight) / 10,
		Official:     row.Str("data_kubun") == "7",
	}
	if bw, ok := bodyWeight(row.Str("body_weight")); ok {
		ru.BodyWeight = &bw
		b.HorseWeights = append(b.HorseWeights, models.HorseWeight{
			HorseID: horseID, Date: k.date, Weight: bw, RaceID: k.raceID,
		})
	}
	if ru.Official {
		if fin, ok := row.Int("finish"); ok && fin > 0 {
			ru.Finish = &fin
		}
	}
	b.Runners = append(b.Runners, ru)
	if name := row.Str("horse_name"); name != "" {
		b.Horses = append(b.Horses, models.Horse{HorseID: horseID, Name: name})
	}
	return nil
}

// bodyWeight treats 000 and 999 as "not measured".
func bodyWeight(v string) (int, bool) {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n >= 999 {
		return 0, false
	}
	return n, true
}

// decimalOdds parses a 4 digit odds value in tenths. Dashes, stars and zero
// mean no odds (scratched or not on sale).
func decimalOdds(v string) *float64 {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return nil
	}
	o := float64(n) / 10
	return &o
}

// announced parses MMDDHHMM in the race year.
func announced(year int, v string) (time.Time, bool) {
	if len(v) != 8 {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("200601021504", fmt.Sprintf("%04d%s", year, v), JST)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (b *Batch) odds(row Row, seen map[string]int) error {
	k, err := raceKeyOf(row)
	if err != nil {
		return err
	}
	ts, ok := announced(k.year, row.Str("announced"))
	if !ok {
		return fmt.Errorf("%w: missing odds timestamp", ErrMalformed)
	}
	for i := 0; i < maxRunners; i++ {
		p := fmt.Sprintf("odds[%d].", i)
		post, ok := row.Int(p + "post")
		if !ok || post <= 0 {
			continue
		}
		o := models.OddsSnapshot{
			RunnerID:     models.RunnerKey(k.raceID, post),
			RaceID:       k.raceID,
			ObservedAt:   ts,
			WinOdds:      decimalOdds(row.Str(p + "win")),
			PlaceOddsMin: decimalOdds(row.Str(p + "place_min")),
			PlaceOddsMax: decimalOdds(row.Str(p + "place_max")),
		}
		if rank, ok := row.Int(p + "win_rank"); ok && rank > 0 {
			o.WinRank = &rank
		}
		id := o.RunnerID + "@" + strconv.FormatInt(ts.Unix(), 10)
		if idx, dup := seen[id]; dup {
			b.Odds[idx] = o
			continue
		}
		seen[id] = len(b.Odds)
		b.Odds = append(b.Odds, o)
	}
	return nil
}

// The packed pedigree block lists 14 ancestors breadth first: sire, dam,
// sire's sire, sire's dam, dam's sire, dam's dam, then the third generation
// in the same order. Slot s has its parents at 2s+2 and 2s+3.
func (b *Batch) horse(row Row) error {
	id := row.Str("horse_id")
	if id == "" {
		return fmt.Errorf("%w: missing horse id", ErrMalformed)
	}
	b.Horses = append(b.Horses, models.Horse{
		HorseID:   id,
		Name:      row.Str("name"),
		Sex:       Sex(row.Str("sex")),
		BirthDate: row.Str("birth_date"),
	})
	slot := func(s int) (string, string) {
		p := fmt.Sprintf("ancestor[%d].", s)
		return row.Str(p + "id"), row.Str(p + "name")
	}
	link := func(child string, s int, role string, authoritative bool) {
		aid, name := slot(s)
		if aid == "" {
			return
		}
		b.Links = append(b.Links, models.PedigreeLink{
			ChildID: child, Role: role, AncestorID: aid, AncestorName: name, Authoritative: authoritative,
		})
	}
	link(id, 0, models.RoleSire, true)
	link(id, 1, models.RoleDam, true)
	for s := 0; 2*s+3 < pedigreeSlots; s++ {
		child, _ := slot(s)
		if child == "" {
			continue
		}
		link(child, 2*s+2, models.RoleSire, false)
		link(child, 2*s+3, models.RoleDam, false)
	}
	return nil
}

func (b *Batch) bodyWeights(row Row) error {
	k, err := raceKeyOf(row)
	if err != nil {
		return err
	}
	ts, ok := announced(k.year, row.Str("announced"))
	for i := 0; i < maxRunners; i++ {
		p := fmt.Sprintf("weight[%d].", i)
		post, ok2 := row.Int(p + "post")
		if !ok2 || post <= 0 {
			continue
		}
		rw := models.RaceWeight{RaceID: k.raceID, PostPosition: post}
		if ok {
			at := ts
			rw.AnnouncedAt = &at
		}
		if w, ok := bodyWeight(row.Str(p + "weight")); ok {
			rw.Weight = &w
		}
		if d, err := strconv.Atoi(row.Str(p + "diff")); err == nil && d < 999 {
			if row.Str(p+"sign") == "-" {
				d = -d
			}
			rw.Diff = &d
		}
		b.RaceWeights = append(b.RaceWeights, rw)
	}
	return nil
}

func (b *Batch) jockey(row Row) error {
	id := row.Str("jockey_id")
	if id == "" {
		return fmt.Errorf("%w: missing jockey id", ErrMalformed)
	}
	b.Jockeys = append(b.Jockeys, models.Jockey{JockeyID: id, Name: row.Str("name")})
	return nil
}

func (b *Batch) payouts(row Row) error {
	k, err := raceKeyOf(row)
	if err != nil {
		return err
	}
	add := func(bet string, n int) {
		for i := 0; i < n; i++ {
			p := fmt.Sprintf("%s[%d].", bet, i)
			post, ok := row.Int(p + "post")
			amount, okA := row.Int(p + "amount")
			if !ok || post <= 0 || !okA {
				continue
			}
			pop, _ := row.Int(p + "popularity")
			b.Payouts = append(b.Payouts, models.Payout{
				RaceID: k.raceID, BetType: bet, PostPosition: post, Amount: amount, Popularity: pop,
			})
		}
	}
	add("win", winPayouts)
	add("place", placePayouts)
	return nil
}

