package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/padraicbc/racesync/normalize"
)

// Health is the liveness probe.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// SyncStatus returns the committed engine snapshot.
func (h *Handler) SyncStatus(c echo.Context) error {
	st, err := h.query.SyncStatus(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

// ListRaces returns the card for ?date=YYYYMMDD, today in Japan when omitted.
func (h *Handler) ListRaces(c echo.Context) error {
	date := c.QueryParam("date")
	if date == "" {
		date = h.now().In(normalize.JST).Format("20060102")
	}
	races, err := h.query.ListRaces(c.Request().Context(), date)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, races)
}

func (h *Handler) GetRace(c echo.Context) error {
	race, err := h.query.GetRace(c.Request().Context(), c.Param("raceId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, race)
}

// Runners lists the field by post position with the latest odds.
func (h *Handler) Runners(c echo.Context) error {
	runners, err := h.query.GetRunners(c.Request().Context(), c.Param("raceId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, runners)
}

func (h *Handler) RaceOdds(c echo.Context) error {
	odds, err := h.query.RaceOdds(c.Request().Context(), c.Param("raceId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, odds)
}

func (h *Handler) RunnerOdds(c echo.Context) error {
	odds, err := h.query.RunnerOdds(c.Request().Context(), c.Param("runnerId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, odds)
}

func (h *Handler) RaceWeights(c echo.Context) error {
	ws, err := h.query.RaceWeights(c.Request().Context(), c.Param("raceId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ws)
}
