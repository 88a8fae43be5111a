package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	mw "github.com/padraicbc/racesync/middleware"
	"github.com/padraicbc/racesync/models"
	"github.com/padraicbc/racesync/query"
	"github.com/padraicbc/racesync/store"
	"github.com/padraicbc/racesync/syncer"
)

// Engine is the control surface of a sync engine running in this process.
type Engine interface {
	Trigger(kind models.SyncKind) error
	Reset(ctx context.Context, rewind bool) error
}

// Handler holds shared dependencies used by all route handlers.
type Handler struct {
	query     *query.Service
	operators store.Operators
	engine    Engine
	hub       *Hub
	JWTKey    []byte
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a Handler. engine, operators and hub may be nil when this
// process does not run them; the matching routes then answer 503.
func New(q *query.Service, operators store.Operators, engine Engine, hub *Hub, jwtKey []byte, logger *zap.Logger) *Handler {
	return &Handler{
		query:     q,
		operators: operators,
		engine:    engine,
		hub:       hub,
		JWTKey:    jwtKey,
		logger:    logger,
		now:       time.Now,
	}
}

// Register mounts every route both bare and under /v1.
func (h *Handler) Register(e *echo.Echo) {
	for _, prefix := range []string{"", "/v1"} {
		g := e.Group(prefix)
		g.GET("/health", h.Health)
		g.GET("/sync-status", h.SyncStatus)
		g.GET("/courses", h.Courses)
		g.GET("/races", h.ListRaces)
		g.GET("/races/:raceId", h.GetRace)
		g.GET("/races/:raceId/runners", h.Runners)
		g.GET("/races/:raceId/odds", h.RaceOdds)
		g.GET("/races/:raceId/weights", h.RaceWeights)
		g.GET("/runners/:runnerId/odds", h.RunnerOdds)
		g.GET("/horses/:horseId/pedigree", h.Pedigree)
		g.GET("/horses/:horseId/weights", h.HorseWeights)
		g.GET("/horses/:horseId/performances", h.Performances)
		g.GET("/jockeys/:jockeyId/stats", h.JockeyStats)
		g.POST("/auth/signin", h.Signin)

		admin := g.Group("/admin", mw.JWT(h.JWTKey, func() time.Time { return h.now() }))
		admin.POST("/sync/trigger", h.TriggerSync)
		admin.POST("/sync/reset", h.ResetSync)
		admin.GET("/dead-letters", h.DeadLetters)
	}
	if h.hub != nil {
		e.GET("/ws/sync-status", h.hub.Serve)
		e.GET("/v1/ws/sync-status", h.hub.Serve)
	}
}

// httpError maps domain errors onto HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, query.ErrInvalid), errors.Is(err, syncer.ErrInvalidKind):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, syncer.ErrBusy), errors.Is(err, syncer.ErrNotReady):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request cancelled")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
