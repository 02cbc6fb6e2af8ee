package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	apperrors "github.com/odvcencio/threadline/pkg/errors"
)

type errorBody struct {
	Error     string         `json:"error"`
	Status    int            `json:"status"`
	Code      string         `json:"code,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError maps err to a status and sends a structured body. Coded
// errors keep their code so clients can branch on it.
func respondError(w http.ResponseWriter, err error) {
	body := errorBody{
		Status:    http.StatusInternalServerError,
		Error:     "internal error",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if coded, ok := apperrors.As(err); ok {
		body.Status = statusFor(coded.Code)
		body.Code = string(coded.Code)
		body.Error = apperrors.UserMessage(coded)
		body.Retryable = coded.Retryable
		body.Context = coded.Context
	} else if err != nil {
		body.Error = err.Error()
	}
	respondJSON(w, body.Status, body)
}

func badRequest(w http.ResponseWriter, message string) {
	respondError(w, apperrors.New(apperrors.ErrCodeInvalidInput, message))
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeThreadNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeInvalidInput, apperrors.ErrCodeConfigInvalid, apperrors.ErrCodeConfigParse:
		return http.StatusBadRequest
	case apperrors.ErrCodeBusy, apperrors.ErrCodeSendBlocked, apperrors.ErrCodeNoPause, apperrors.ErrCodeActiveEvict:
		return http.StatusConflict
	case apperrors.ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case apperrors.ErrCodeTransport, apperrors.ErrCodeBackend, apperrors.ErrCodeStreamDecode:
		return http.StatusBadGateway
	case apperrors.ErrCodeStorageRead, apperrors.ErrCodeStorageWrite:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a bounded JSON body into dst. An empty body leaves dst
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid request body")
	}
	return nil
}
