// Package archive moves old dead letters to object storage as JSON lines.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"slices"
	"time"

	"github.com/padraicbc/racesync/models"
	"github.com/padraicbc/racesync/store"
	"go.uber.org/zap"
)

const defaultPage = 1000

// Source is the slice of the store the archiver touches.
type Source interface {
	DeadLetters(ctx context.Context, f store.DeadLetterFilter) ([]models.DeadLetter, error)
	MarkArchived(ctx context.Context, ids []int64, at time.Time) error
}

type Writer interface {
	Put(ctx context.Context, key string, body io.Reader) error
}

type Archiver struct {
	Source Source
	Writer Writer
	Prefix string
	Page   int
	Logger *zap.Logger
	Now    func() time.Time
}

// Run archives every unarchived dead letter created before cutoff and returns
// how many were moved. Letters are marked archived only after their object
// is written, so a failed run can simply be repeated.
func (a *Archiver) Run(ctx context.Context, cutoff time.Time) (int, error) {
	page := a.Page
	if page <= 0 {
		page = defaultPage
	}
	now := a.Now
	if now == nil {
		now = time.Now
	}
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		dls, err := a.Source.DeadLetters(ctx, store.DeadLetterFilter{Limit: page, Before: cutoff, Unarchived: true})
		if err != nil {
			return total, fmt.Errorf("list dead letters: %w", err)
		}
		if len(dls) == 0 {
			return total, nil
		}
		for month, group := range byMonth(dls) {
			key := objectKey(a.Prefix, month, group)
			body, err := encode(group)
			if err != nil {
				return total, err
			}
			if err := a.Writer.Put(ctx, key, body); err != nil {
				return total, err
			}
			ids := make([]int64, len(group))
			for i, dl := range group {
				ids[i] = dl.ID
			}
			if err := a.Source.MarkArchived(ctx, ids, now()); err != nil {
				return total, fmt.Errorf("mark archived: %w", err)
			}
			total += len(group)
			a.Logger.Info("dead letters archived", zap.String("key", key), zap.Int("count", len(group)))
		}
		if len(dls) < page {
			return total, nil
		}
	}
}

func byMonth(dls []models.DeadLetter) map[string][]models.DeadLetter {
	out := make(map[string][]models.DeadLetter)
	for _, dl := range dls {
		m := dl.CreatedAt.UTC().Format("2006-01")
		out[m] = append(out[m], dl)
	}
	for _, g := range out {
		slices.SortFunc(g, func(a, b models.DeadLetter) int { return int(a.ID - b.ID) })
	}
	return out
}

// objectKey is <prefix>/<YYYY-MM>/<firstID>-<lastID>.jsonl so repeated runs never overwrite.
func objectKey(prefix, month string, group []models.DeadLetter) string {
	name := fmt.Sprintf("%d-%d.jsonl", group[0].ID, group[len(group)-1].ID)
	return path.Join(prefix, month, name)
}

func encode(group []models.DeadLetter) (io.Reader, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, dl := range group {
		if err := enc.Encode(dl); err != nil {
			return nil, fmt.Errorf("encode dead letter %d: %w", dl.ID, err)
		}
	}
	return &buf, nil
}
