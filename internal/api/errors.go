package api

import (
	"errors"
	"net/http"

	"github.com/sqlchat/sqlchat/internal/failure"
	"github.com/sqlchat/sqlchat/internal/pipeline"
	"github.com/sqlchat/sqlchat/internal/session"
	"github.com/sqlchat/sqlchat/internal/storage"
)

// writeFailure maps pipeline and session errors onto the HTTP error body.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var reqErr *requestError
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &reqErr):
		writeError(ctx, w, reqErr.status, reqErr.code, reqErr.message, false, nil)
		return
	case errors.As(err, &maxBytesErr):
		writeError(ctx, w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "upload exceeds the size limit", false, map[string]any{"limit_bytes": maxBytesErr.Limit})
		return
	case errors.Is(err, session.ErrNotFound):
		writeError(ctx, w, http.StatusNotFound, "SESSION_NOT_FOUND", "session was not found", false, map[string]any{"session_id": r.PathValue("id")})
		return
	case errors.Is(err, session.ErrClosed), errors.Is(err, pipeline.ErrSourceChanged):
		writeError(ctx, w, http.StatusConflict, "SOURCE_CHANGED", "the data source changed while the request was running", true, nil)
		return
	case errors.Is(err, storage.ErrDatasetNotFound):
		writeError(ctx, w, http.StatusNotFound, "DATASET_NOT_FOUND", "dataset was not found in object storage", false, nil)
		return
	case errors.Is(err, storage.ErrDatasetTooLarge):
		writeError(ctx, w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", err.Error(), false, nil)
		return
	}

	typed, ok := failure.As(err)
	if !ok {
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL_ERROR", "request failed", true, map[string]any{"details": err.Error()})
		return
	}

	status := http.StatusUnprocessableEntity
	message := typed.Message
	extra := map[string]any{}
	switch typed.Kind {
	case failure.KindAuth:
		status = http.StatusServiceUnavailable
		if typed.StatusCode != 0 {
			status = http.StatusBadGateway
			extra["upstream_status"] = typed.StatusCode
		}
	case failure.KindRemoteService:
		status = http.StatusBadGateway
		message = typed.Message + "; please try again"
		if typed.StatusCode != 0 {
			extra["upstream_status"] = typed.StatusCode
		}
	case failure.KindTimeout:
		status = http.StatusGatewayTimeout
		message = typed.Message + "; please try again"
	case failure.KindUnsafeQuery, failure.KindQuery:
		extra["sql"] = typed.SQL
	}
	if len(extra) == 0 {
		extra = nil
	}
	writeError(ctx, w, status, string(typed.Kind), message, failure.Retryable(err), extra)
}

// requestError is a client mistake detected before any pipeline work.
type requestError struct {
	status  int
	code    string
	message string
}

func (e *requestError) Error() string {
	return e.message
}

func badRequest(code, message string) error {
	return &requestError{status: http.StatusBadRequest, code: code, message: message}
}
