package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/canvas-engine/internal/canvas"
	"github.com/example/canvas-engine/internal/collab"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, canvas.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, canvas.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, collab.ErrLockHeld):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps service errors onto HTTP responses. Internal failures are
// logged; their details are not echoed back.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: http.StatusText(status)}
	var svcErr *canvas.ServiceError
	if errors.As(err, &svcErr) {
		resp.Code = svcErr.Code()
	}
	if status >= http.StatusInternalServerError {
		h.requestLogger(c).Error().Err(err).Str("code", resp.Code).Msg("request failed")
	} else {
		resp.Error = err.Error()
	}
	c.AbortWithStatusJSON(status, resp)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: msg, Code: "invalid_request"})
}
