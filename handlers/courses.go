package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/padraicbc/racesync/normalize"
)

type courseData struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Region string `json:"region"`
}

// Courses returns the venue code table accepted by ?course= filters.
func (h *Handler) Courses(c echo.Context) error {
	courses := normalize.Courses()
	result := make([]courseData, len(courses))
	for i, cr := range courses {
		result[i] = courseData{Code: cr.Code, Name: cr.Name, Region: cr.Region}
	}
	return c.JSON(http.StatusOK, result)
}
