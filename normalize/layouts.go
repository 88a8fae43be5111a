package normalize

import "github.com/padraicbc/racesync/feed"

const (
	maxRunners    = 18
	pedigreeSlots = 14
	winPayouts    = 3
	placePayouts  = 5
)

var raceKey = []Field{f("year", 4), f("month_day", 4), f("venue", 2), f("kaiji", 2), f("nichiji", 2), f("race_num", 2)}

// Layouts holds the fixed-width layout of every supported record kind.
var Layouts = map[string]*Layout{
	feed.KindRace: newLayout(feed.KindRace, raceKey, []Field{
		f("race_name", 60), f("distance", 4), f("track_code", 2), f("grade", 1),
		f("conditions", 20), f("post_time", 4), f("entries", 2), f("starters", 2),
	}),
	feed.KindEntry: newLayout(feed.KindEntry, raceKey, []Field{
		f("frame", 1), f("post", 2), f("horse_id", 10), f("horse_name", 36),
		f("jockey_id", 5), f("weight", 3), f("body_weight", 3), f("weight_sign", 1),
		f("weight_diff", 3), f("finish", 2), f("time", 4), f("odds", 4), f("popularity", 2),
	}),
	feed.KindOdds: newLayout(feed.KindOdds, raceKey, []Field{f("announced", 8), f("entries", 2)},
		repeat("odds", maxRunners, f("post", 2), f("win", 4), f("win_rank", 2),
			f("place_min", 4), f("place_max", 4), f("place_rank", 2))),
	feed.KindHorse: newLayout(feed.KindHorse, []Field{
		f("horse_id", 10), f("name", 36), f("sex", 1), f("birth_date", 8),
	}, repeat("ancestor", pedigreeSlots, f("id", 10), f("name", 36))),
	feed.KindBodyWeight: newLayout(feed.KindBodyWeight, raceKey, []Field{f("announced", 8)},
		repeat("weight", maxRunners, f("post", 2), f("weight", 3), f("sign", 1), f("diff", 3))),
	feed.KindJockey: newLayout(feed.KindJockey, []Field{f("jockey_id", 5), f("name", 34)}),
	feed.KindPayout: newLayout(feed.KindPayout, raceKey,
		repeat("win", winPayouts, f("post", 2), f("amount", 9), f("popularity", 2)),
		repeat("place", placePayouts, f("post", 2), f("amount", 9), f("popularity", 2))),
}

// Encode renders row with the layout registered for kind.
func Encode(kind string, row Row) ([]byte, error) {
	l, ok := Layouts[kind]
	if !ok {
		return nil, ErrUnknownKind
	}
	return l.Encode(row)
}
