package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"entitlement-delivery/internal/common/errors"
	"entitlement-delivery/internal/common/logger"
)

// upstreamRetryAfter is advertised on 503s that carry no better hint.
const upstreamRetryAfter = 5

type errorResponse struct {
	Status    string `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError renders err as the error envelope. Anything that is not a
// StandardError is logged and answered as INTERNAL_ERROR without details.
func writeError(w http.ResponseWriter, log logger.Logger, err error) {
	stdErr := prepareError(w, log, err)
	writeJSON(w, errors.HTTPStatus(stdErr.Code), errorResponse{
		Status:    "error",
		Code:      string(stdErr.Code),
		Message:   stdErr.Message,
		Retryable: stdErr.Retryable,
	})
}

// writeErrorHeaders is writeError for HEAD responses, which carry no body.
func writeErrorHeaders(w http.ResponseWriter, log logger.Logger, err error) {
	stdErr := prepareError(w, log, err)
	w.Header().Set("X-Error-Code", string(stdErr.Code))
	w.WriteHeader(errors.HTTPStatus(stdErr.Code))
}

func prepareError(w http.ResponseWriter, log logger.Logger, err error) *errors.StandardError {
	stdErr, ok := errors.AsStandard(err)
	if !ok {
		log.Error("unhandled error", map[string]interface{}{"error": err.Error()})
		return errors.New(errors.ErrCodeInternal, "")
	}

	switch stdErr.Code {
	case errors.ErrCodeRateLimited:
		secs, _ := stdErr.Metadata["retryAfterSeconds"].(int)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	case errors.ErrCodeUpstreamUnavailable:
		w.Header().Set("Retry-After", strconv.Itoa(upstreamRetryAfter))
		log.Warn("upstream unavailable", map[string]interface{}{"details": stdErr.Details})
	case errors.ErrCodeInternal:
		log.Error("internal error", map[string]interface{}{"details": stdErr.Details})
	}
	return stdErr
}
