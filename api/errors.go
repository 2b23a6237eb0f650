package api

import (
	"errors"
	"fmt"
	"net/http"

	"docqueue/auth"
	"docqueue/blob"
	"docqueue/store"

	"github.com/go-chi/render"
)

const (
	CodeInvalidRequest     = "invalid_request"
	CodeUnauthorized       = "unauthorized"
	CodeNotFound           = "not_found"
	CodeNotReady           = "not_ready"
	CodeStorageUnavailable = "storage_unavailable"
	CodeInternal           = "internal"
)

var errNotReady = errors.New("result not ready")

type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func invalid(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorReply struct {
	Error ErrorDetail `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := http.StatusInternalServerError, CodeInternal, "internal error"

	var verr *validationError
	switch {
	case errors.As(err, &verr):
		status, code, msg = http.StatusBadRequest, CodeInvalidRequest, verr.msg
	case errors.Is(err, auth.ErrInvalidCredentials):
		status, code, msg = http.StatusUnauthorized, CodeUnauthorized, err.Error()
	case errors.Is(err, store.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		status, code, msg = http.StatusNotFound, CodeNotFound, err.Error()
	case errors.Is(err, errNotReady):
		status, code, msg = http.StatusConflict, CodeNotReady, err.Error()
	case errors.Is(err, store.ErrStorage):
		status, code, msg = http.StatusServiceUnavailable, CodeStorageUnavailable, "storage unavailable, retry later"
	}

	if status >= 500 {
		s.log.Errorw("request failed", "path", r.URL.Path, "error", err)
	}

	render.Status(r, status)
	render.JSON(w, r, ErrorReply{Error: ErrorDetail{Code: code, Message: msg}})
}
