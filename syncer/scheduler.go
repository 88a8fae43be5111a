package syncer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/padraicbc/racesync/models"
	"github.com/padraicbc/racesync/normalize"
)

// Run drives the state machine until ctx is done: a bulk load whenever the
// engine is Idle, structural syncs on their interval, realtime syncs on
// their interval while races are scheduled today, and manual triggers.
// Run failures are recorded in the engine state, not returned.
func (e *Engine) Run(ctx context.Context) error {
	structural := time.NewTicker(e.cfg.StructuralInterval)
	defer structural.Stop()
	realtime := time.NewTicker(e.cfg.RealtimeInterval)
	defer realtime.Stop()

	// Catch up on structural changes missed while the process was down.
	if e.State() == StateReady {
		e.runScheduled(ctx, models.KindStructural)
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		if e.State() == StateIdle {
			e.runScheduled(ctx, models.KindBulk)
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-e.wake:
		case kind := <-e.trigger:
			e.runScheduled(ctx, kind)
		case <-structural.C:
			e.runScheduled(ctx, models.KindStructural)
		case <-realtime.C:
			if e.raceDay(ctx) {
				e.runScheduled(ctx, models.KindRealtime)
			}
		}
	}
}

func (e *Engine) runScheduled(ctx context.Context, kind models.SyncKind) {
	// Failures are logged and alerted by RunOnce.
	if err := e.RunOnce(ctx, kind); errors.Is(err, ErrNotReady) {
		e.log.Debug("skipping sync", zap.String("kind", string(kind)), zap.String("state", string(e.State())))
	}
}

// raceDay reports whether any race is still scheduled today in vendor time.
func (e *Engine) raceDay(ctx context.Context) bool {
	if e.State() != StateReady {
		return false
	}
	today := e.now().In(normalize.JST).Format("20060102")
	ok, err := e.store.HasScheduledRaces(ctx, today)
	if err != nil {
		e.log.Warn("race day check failed", zap.Error(err))
		return false
	}
	return ok
}
