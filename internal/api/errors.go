package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tradesim-core/internal/domain"
	"tradesim-core/pkg/i18n"
)

// errorCode maps a service error to its HTTP status and API code.
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusBadRequest, "INSUFFICIENT_BALANCE"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, domain.ErrTransientStore), errors.Is(err, domain.ErrVersionConflict):
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict, "ALREADY_EXISTS"
	case errors.Is(err, domain.ErrInvalidStake):
		return http.StatusBadRequest, "INVALID_STAKE"
	case errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest, "INVALID_AMOUNT"
	case errors.Is(err, domain.ErrInvalidAddress):
		return http.StatusBadRequest, "INVALID_ADDRESS"
	case errors.Is(err, domain.ErrInvalidRole):
		return http.StatusBadRequest, "INVALID_ROLE"
	case errors.Is(err, domain.ErrInvalidDirection):
		return http.StatusBadRequest, "INVALID_DIRECTION"
	case errors.Is(err, domain.ErrInvalidStatus):
		return http.StatusBadRequest, "INVALID_STATUS"
	case errors.Is(err, domain.ErrUnknownTier):
		return http.StatusBadRequest, "UNKNOWN_TIER"
	case errors.Is(err, domain.ErrUnknownInstrument):
		return http.StatusBadRequest, "UNKNOWN_INSTRUMENT"
	case errors.Is(err, domain.ErrRiskLimit):
		return http.StatusUnprocessableEntity, "RISK_LIMIT"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// requestLanguage prefers the Accept-Language header over the process default.
func requestLanguage(c *gin.Context) i18n.Language {
	if lang := i18n.FromAcceptLanguage(c.GetHeader("Accept-Language")); lang != "" {
		return lang
	}
	return i18n.GetLanguage()
}

// respondError writes {"code", "error"} with a localised message; detail,
// when set, is passed through for client debugging.
func respondError(c *gin.Context, status int, code, detail string) {
	body := gin.H{
		"code":  code,
		"error": i18n.Error(requestLanguage(c), code),
	}
	if detail != "" {
		body["detail"] = detail
	}
	c.JSON(status, body)
}

// fail maps err and answers; server-side failures are logged, not echoed.
func (s *Server) fail(c *gin.Context, err error) {
	status, code := errorCode(err)
	if status >= http.StatusInternalServerError {
		s.Logger.Error("request failed",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("route", c.FullPath()),
			zap.Error(err))
		respondError(c, status, code, "")
		return
	}
	respondError(c, status, code, err.Error())
}

func (s *Server) badRequest(c *gin.Context, detail string) {
	respondError(c, http.StatusBadRequest, "INVALID_REQUEST", detail)
}
