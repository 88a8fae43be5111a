package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	mw "github.com/padraicbc/racesync/middleware"
	"github.com/padraicbc/racesync/store"
)

const tokenTTL = 12 * time.Hour

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HashPassword validates operator input and returns a bcrypt hash for storage.
func HashPassword(username, password string) (string, error) {
	if strings.TrimSpace(username) == "" {
		return "", errors.New("username is required")
	}
	if strings.TrimSpace(password) == "" {
		return "", errors.New("password is required")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Signin validates operator credentials and returns a JWT for the admin routes.
func (h *Handler) Signin(c echo.Context) error {
	if h.operators == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "operator accounts unavailable")
	}
	var creds credentials
	if err := c.Bind(&creds); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	creds.Username = strings.TrimSpace(creds.Username)

	op, err := h.operators.GetOperator(c.Request().Context(), creds.Username)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusUnauthorized, "incorrect username or password")
	}
	if err != nil {
		return httpError(err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.Password), []byte(creds.Password)); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "incorrect username or password")
	}

	token, err := mw.NewToken(op.Username, h.JWTKey, h.now(), tokenTTL)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token})
}
