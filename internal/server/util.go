package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/botkeeper/internal/exchange"
	"github.com/loykin/botkeeper/internal/registry"
	"github.com/loykin/botkeeper/internal/store"
	"github.com/loykin/botkeeper/internal/supervisor"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 5000
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var spawn *registry.SpawnError
	switch {
	case errors.Is(err, supervisor.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrAlreadyRunning), errors.Is(err, supervisor.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrInvalid), errors.Is(err, store.ErrInvalid),
		errors.Is(err, exchange.ErrUnknownExchange):
		return http.StatusBadRequest
	case errors.Is(err, exchange.ErrInsufficient), errors.Is(err, exchange.ErrNoPrice):
		return http.StatusUnprocessableEntity
	case errors.Is(err, supervisor.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &spawn):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// parseLimit reads ?limit=, falling back to def and capping at maxLogLimit.
func parseLimit(c *gin.Context, def int) (int, error) {
	s := c.Query("limit")
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative number")
	}
	if n == 0 || n > maxLogLimit {
		n = maxLogLimit
	}
	return n, nil
}
