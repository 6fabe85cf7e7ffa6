package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"facemoji/internal/gateway"
	"facemoji/internal/logger"
	"facemoji/internal/models"
)

const (
	notReadyRetryAfter    = 2 * time.Second
	unavailableRetryAfter = 5 * time.Second
)

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
	JobID  string `json:"job_id,omitempty"`
}

// statusFor maps a gateway error onto an HTTP status and an optional
// Retry-After hint.
func statusFor(err error) (int, time.Duration) {
	var failed *models.FailedError
	switch {
	case errors.Is(err, gateway.ErrImageTooLarge):
		return http.StatusRequestEntityTooLarge, 0
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest, 0
	case errors.Is(err, models.ErrNotFound), errors.Is(err, gateway.ErrNoFaces):
		return http.StatusNotFound, 0
	case errors.Is(err, models.ErrNotReady):
		return http.StatusConflict, notReadyRetryAfter
	case errors.As(err, &failed):
		return http.StatusUnprocessableEntity, 0
	case errors.Is(err, models.ErrStoreUnavailable),
		errors.Is(err, models.ErrBrokerUnavailable),
		errors.Is(err, models.ErrArtifactUnavailable),
		errors.Is(err, models.ErrDetectorUnavailable):
		return http.StatusServiceUnavailable, unavailableRetryAfter
	default:
		return http.StatusInternalServerError, 0
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, retry := statusFor(err)
	if retry > 0 {
		setRetryAfter(w, retry)
	}
	body := errorResponse{Error: http.StatusText(status)}
	var failed *models.FailedError
	switch {
	case errors.As(err, &failed):
		body.Error = "job failed"
		body.Detail = failed.Detail
		body.JobID = failed.JobID
	case status < 500:
		body.Detail = err.Error()
	default:
		s.logger.Error("request failed", slog.String("path", r.URL.Path), logger.Err(err))
	}
	writeJSON(w, status, body)
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}
