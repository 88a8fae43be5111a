package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Pedigree returns up to three generations of ancestors. Unknown parents are null.
func (h *Handler) Pedigree(c echo.Context) error {
	p, err := h.query.Pedigree(c.Request().Context(), c.Param("horseId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) HorseWeights(c echo.Context) error {
	ws, err := h.query.WeightHistory(c.Request().Context(), c.Param("horseId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ws)
}

// Performances lists past runs newest first, ?limit= capped by the service.
func (h *Handler) Performances(c echo.Context) error {
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	ps, err := h.query.Performances(c.Request().Context(), c.Param("horseId"), limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ps)
}

// JockeyStats aggregates official results, optionally at ?course= (code or name).
func (h *Handler) JockeyStats(c echo.Context) error {
	st, err := h.query.JockeyStats(c.Request().Context(), c.Param("jockeyId"), c.QueryParam("course"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}
