package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zulandar/senderyard/internal/api"
	"github.com/zulandar/senderyard/internal/logging"
	"github.com/zulandar/senderyard/internal/queue"
	"github.com/zulandar/senderyard/internal/session"
)

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, api.ErrorResponse{Error: msg, Code: code})
}

// writeError maps package sentinels to status codes. Anything unrecognised
// is a 500 whose detail stays in the log.
func writeError(c *gin.Context, err error) {
	c.Error(err)
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, session.ErrNotFound):
		abort(c, http.StatusNotFound, api.CodeNotFound, err.Error())
	case errors.Is(err, queue.ErrNotRunning):
		abort(c, http.StatusConflict, api.CodeNotRunning, err.Error())
	case errors.Is(err, queue.ErrInvalid), errors.Is(err, session.ErrInvalid):
		abort(c, http.StatusBadRequest, api.CodeBadRequest, err.Error())
	case errors.Is(err, session.ErrDecrypt):
		logging.From(c.Request.Context()).Error("decrypt failure", zap.Error(err))
		abort(c, http.StatusInternalServerError, api.CodeDecryptFailure, "stored credentials could not be decrypted")
	default:
		logging.From(c.Request.Context()).Error("internal error", zap.Error(err))
		abort(c, http.StatusInternalServerError, api.CodeInternal, "internal error")
	}
}

func badRequest(c *gin.Context, msg string) {
	abort(c, http.StatusBadRequest, api.CodeBadRequest, msg)
}
