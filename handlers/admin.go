package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/padraicbc/racesync/models"
)

// TriggerSync queues a manual run of ?kind= (default realtime-incremental).
func (h *Handler) TriggerSync(c echo.Context) error {
	if h.engine == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "sync engine not running in this process")
	}
	kind := models.SyncKind(c.QueryParam("kind"))
	if kind == "" {
		kind = models.KindRealtime
	}
	if err := h.engine.Trigger(kind); err != nil {
		return httpError(err)
	}
	h.logger.Info("sync triggered", zap.String("kind", string(kind)), zap.Any("operator", c.Get("operator")))
	return c.JSON(http.StatusAccepted, map[string]string{"queued": string(kind)})
}

// ResetSync returns the engine to idle. ?clear=true also rewinds every
// watermark so the next run is a full bulk load.
func (h *Handler) ResetSync(c echo.Context) error {
	if h.engine == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "sync engine not running in this process")
	}
	rewind := false
	if v := c.QueryParam("clear"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "clear must be true or false")
		}
		rewind = b
	}
	ctx := c.Request().Context()
	if err := h.engine.Reset(ctx, rewind); err != nil {
		return httpError(err)
	}
	h.logger.Warn("sync reset", zap.Bool("clear", rewind), zap.Any("operator", c.Get("operator")))
	st, err := h.query.SyncStatus(ctx)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

// DeadLetters lists set-aside records, ?unarchived=true to hide archived ones.
func (h *Handler) DeadLetters(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	unarchived, _ := strconv.ParseBool(c.QueryParam("unarchived"))
	dls, err := h.query.DeadLetters(c.Request().Context(), limit, unarchived)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, dls)
}
