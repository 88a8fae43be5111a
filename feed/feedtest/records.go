package feedtest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/padraicbc/racesync/feed"
	"github.com/padraicbc/racesync/normalize"
)

// Data kubun values used by the builders.
const (
	Card     = "1"
	Official = "7"
	Canceled = "9"
)

func mustEncode(kind string, row normalize.Row) feed.Record {
	b, err := normalize.Encode(kind, row)
	if err != nil {
		panic(fmt.Sprintf("feedtest: encode %s: %v", kind, err))
	}
	return feed.Record{Kind: kind, Payload: b}
}

func keyRow(kind, kubun, raceID string) normalize.Row {
	parts := strings.Split(raceID, "_")
	if len(parts) != 3 || len(parts[0]) != 8 {
		panic("feedtest: race id must be YYYYMMDD_VV_RR: " + raceID)
	}
	return normalize.Row{
		"kind":       kind,
		"data_kubun": kubun,
		"make_date":  parts[0],
		"year":       parts[0][:4],
		"month_day":  parts[0][4:],
		"venue":      parts[1],
		"kaiji":      "01",
		"nichiji":    "01",
		"race_num":   parts[2],
	}
}

// Race builds an RA record. postTime is HHMM.
func Race(raceID, kubun, name string, distance int, postTime string) feed.Record {
	row := keyRow(feed.KindRace, kubun, raceID)
	row["race_name"] = name
	row["distance"] = fmt.Sprintf("%04d", distance)
	row["track_code"] = "11"
	row["post_time"] = postTime
	return mustEncode(feed.KindRace, row)
}

// Entry describes one SE record.
type Entry struct {
	Post       int
	HorseID    string
	HorseName  string
	JockeyID   string
	Weight     float64
	BodyWeight int
	Finish     int
}

// Runner builds an SE record.
func Runner(raceID, kubun string, e Entry) feed.Record {
	row := keyRow(feed.KindEntry, kubun, raceID)
	row["frame"] = strconv.Itoa((e.Post + 1) / 2)
	row["post"] = fmt.Sprintf("%02d", e.Post)
	row["horse_id"] = e.HorseID
	row["horse_name"] = e.HorseName
	row["jockey_id"] = e.JockeyID
	row["weight"] = fmt.Sprintf("%03d", int(e.Weight*10+0.5))
	if e.BodyWeight > 0 {
		row["body_weight"] = fmt.Sprintf("%03d", e.BodyWeight)
	}
	if e.Finish > 0 {
		row["finish"] = fmt.Sprintf("%02d", e.Finish)
	}
	return mustEncode(feed.KindEntry, row)
}

// Tick is one runner line of an O1 record. Zero odds encode as not on sale.
type Tick struct {
	Post     int
	Win      float64
	Rank     int
	PlaceMin float64
	PlaceMax float64
}

func tenths(v float64) string {
	if v <= 0 {
		return "----"
	}
	return fmt.Sprintf("%04d", int(v*10+0.5))
}

// Odds builds an O1 record announced at MMDDHHMM.
func Odds(raceID, announced string, ticks ...Tick) feed.Record {
	row := keyRow(feed.KindOdds, Card, raceID)
	row["announced"] = announced
	row["entries"] = fmt.Sprintf("%02d", len(ticks))
	for i, t := range ticks {
		p := fmt.Sprintf("odds[%d].", i)
		row[p+"post"] = fmt.Sprintf("%02d", t.Post)
		row[p+"win"] = tenths(t.Win)
		row[p+"win_rank"] = fmt.Sprintf("%02d", t.Rank)
		row[p+"place_min"] = tenths(t.PlaceMin)
		row[p+"place_max"] = tenths(t.PlaceMax)
	}
	return mustEncode(feed.KindOdds, row)
}

// Ancestor is one slot of the packed pedigree block. Blank slots are allowed.
type Ancestor struct {
	ID   string
	Name string
}

// Horse builds a UM record; ancestors fill slots in breadth-first order.
func Horse(horseID, name, sex, birthDate string, ancestors ...Ancestor) feed.Record {
	row := normalize.Row{
		"kind":       feed.KindHorse,
		"data_kubun": Card,
		"horse_id":   horseID,
		"name":       name,
		"sex":        sex,
		"birth_date": birthDate,
	}
	for i, a := range ancestors {
		p := fmt.Sprintf("ancestor[%d].", i)
		row[p+"id"] = a.ID
		row[p+"name"] = a.Name
	}
	return mustEncode(feed.KindHorse, row)
}

// Weight is one runner line of a WH record.
type Weight struct {
	Post   int
	Weight int
	Diff   int
}

// BodyWeights builds a WH record announced at MMDDHHMM.
func BodyWeights(raceID, announced string, ws ...Weight) feed.Record {
	row := keyRow(feed.KindBodyWeight, Card, raceID)
	row["announced"] = announced
	for i, w := range ws {
		p := fmt.Sprintf("weight[%d].", i)
		row[p+"post"] = fmt.Sprintf("%02d", w.Post)
		row[p+"weight"] = fmt.Sprintf("%03d", w.Weight)
		sign, d := "+", w.Diff
		if d < 0 {
			sign, d = "-", -d
		}
		row[p+"sign"] = sign
		row[p+"diff"] = fmt.Sprintf("%03d", d)
	}
	return mustEncode(feed.KindBodyWeight, row)
}

// Jockey builds a KS record.
func Jockey(id, name string) feed.Record {
	return mustEncode(feed.KindJockey, normalize.Row{
		"kind": feed.KindJockey, "data_kubun": Card, "jockey_id": id, "name": name,
	})
}

// Dividend is one payout line.
type Dividend struct {
	Post       int
	Amount     int
	Popularity int
}

// Payouts builds an HR record.
func Payouts(raceID string, win []Dividend, place []Dividend) feed.Record {
	row := keyRow(feed.KindPayout, Official, raceID)
	set := func(bet string, ds []Dividend) {
		for i, d := range ds {
			p := fmt.Sprintf("%s[%d].", bet, i)
			row[p+"post"] = fmt.Sprintf("%02d", d.Post)
			row[p+"amount"] = fmt.Sprintf("%09d", d.Amount)
			row[p+"popularity"] = fmt.Sprintf("%02d", d.Popularity)
		}
	}
	set("win", win)
	set("place", place)
	return mustEncode(feed.KindPayout, row)
}

// Card pushes an RA record and n runners for raceID. Runner i is horse
// 20210%05d ridden by J%04d. It returns the cursor of the last record pushed.
func (f *Feed) Card(raceID, name string, n int) feed.Cursor {
	var last feed.Cursor
	r := Race(raceID, Card, name, 2000, "1540")
	last = f.Push(r.Kind, r.Payload)
	for i := 1; i <= n; i++ {
		e := Runner(raceID, Card, Entry{
			Post:      i,
			HorseID:   fmt.Sprintf("20210%05d", i),
			HorseName: fmt.Sprintf("Horse %d", i),
			JockeyID:  fmt.Sprintf("J%04d", i),
			Weight:    57,
		})
		last = f.Push(e.Kind, e.Payload)
	}
	return last
}
