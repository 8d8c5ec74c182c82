package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/marginalia/internal/catalog"
	"github.com/MarcoPoloResearchLab/marginalia/internal/highlights"
	"github.com/MarcoPoloResearchLab/marginalia/internal/underlines"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	errorValidationFailed = "validation_failed"
	errorNotFound         = "not_found"
	errorForbidden        = "forbidden"
	errorConflict         = "run_in_progress"
	errorUnavailable      = "catalog_unavailable"
	errorInternal         = "internal_error"
	codeInvalidRequest    = "request.invalid"
)

type errorPayload struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type coded interface {
	Code() string
}

func errorCode(err error) string {
	var withCode coded
	if errors.As(err, &withCode) {
		return withCode.Code()
	}
	return ""
}

// respondError maps service sentinels onto HTTP statuses.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	code := errorCode(err)
	switch {
	case errors.Is(err, underlines.ErrValidation), errors.Is(err, highlights.ErrValidation),
		errors.Is(err, catalog.ErrInvalidBookType), errors.Is(err, catalog.ErrInvalidBookID):
		c.JSON(http.StatusBadRequest, errorPayload{Error: errorValidationFailed, Code: code, Message: err.Error()})
	case errors.Is(err, underlines.ErrNotFound), errors.Is(err, catalog.ErrBookNotFound),
		errors.Is(err, catalog.ErrParagraphOutOfRange):
		c.JSON(http.StatusNotFound, errorPayload{Error: errorNotFound, Code: code, Message: err.Error()})
	case errors.Is(err, underlines.ErrForbidden):
		c.JSON(http.StatusForbidden, errorPayload{Error: errorForbidden, Code: code})
	case errors.Is(err, highlights.ErrRunInProgress):
		c.JSON(http.StatusConflict, errorPayload{Error: errorConflict, Code: code})
	case errors.Is(err, catalog.ErrUnavailable):
		h.logger.Warn("catalog unavailable", zap.String("route", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, errorPayload{Error: errorUnavailable, Code: code})
	default:
		h.logger.Error("request failed", zap.String("route", c.FullPath()), zap.String("code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload{Error: errorInternal, Code: code})
	}
}

func respondBindingError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorPayload{Error: errorValidationFailed, Code: codeInvalidRequest, Message: err.Error()})
}
