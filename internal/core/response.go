package core

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"planforge/internal/types"
)

// defaultMaxBodyBytes caps JSON request bodies.
const defaultMaxBodyBytes = 1 << 20

// errCodeValidationInvalidJSON is returned for bodies that do not decode.
const errCodeValidationInvalidJSON types.ErrorCode = "validation_invalid_json"

// APIErrorResponse is the error envelope.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the structured error returned to clients.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// JSON writes data with the given status. A marshal failure becomes a 500.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		body, _ = json.Marshal(APIErrorResponse{Error: ErrorDetail{
			Code:      string(types.ErrCodeInternalUnexpected),
			Message:   "failed to marshal response",
			RequestID: types.GetRequestID(r.Context()),
		}})
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Error writes err as a structured error. AppErrors keep their code, message
// and details; anything else is a generic 500. Wrapped causes are only shown
// on admin requests, under details.internal_detail.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	detail := ErrorDetail{
		Code:      string(types.ErrCodeInternalUnexpected),
		Message:   "an unexpected error occurred",
		Retryable: true,
		RequestID: types.GetRequestID(r.Context()),
	}
	status := http.StatusInternalServerError

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		detail.Code = string(appErr.Code)
		detail.Message = appErr.Message
		detail.Retryable = appErr.Code.Retryable()
		detail.Details = appErr.Details
		status = appErr.HTTPStatus()
	}

	if types.IsAdmin(r.Context()) && err != nil {
		merged := make(map[string]any, len(detail.Details)+1)
		for k, v := range detail.Details {
			merged[k] = v
		}
		merged["internal_detail"] = internalDetail(err, appErr)
		detail.Details = merged
	}

	JSON(w, r, status, APIErrorResponse{Error: detail})
}

func internalDetail(err error, appErr *types.AppError) string {
	if appErr != nil && appErr.Err != nil {
		return appErr.Err.Error()
	}
	return err.Error()
}

// DecodeJSON decodes a single JSON object from the body into dst. Unknown
// fields, empty bodies and bodies over the limit are validation errors.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxBodyBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return mapDecodeError(err)
	}
	if dec.More() {
		return types.NewAppError(errCodeValidationInvalidJSON, "request body must contain a single JSON object", nil)
	}
	return nil
}

func mapDecodeError(err error) *types.AppError {
	var maxBytesErr *http.MaxBytesError
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError

	switch {
	case errors.As(err, &maxBytesErr):
		return types.NewAppError(errCodeValidationInvalidJSON, "request body too large", err)
	case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
		return types.NewAppError(errCodeValidationInvalidJSON, "malformed JSON in request body", err)
	case errors.As(err, &typeErr):
		return types.NewAppErrorWithDetails(errCodeValidationInvalidJSON, "invalid value for field", err,
			map[string]any{"field": typeErr.Field})
	case strings.HasPrefix(err.Error(), "json: unknown field"):
		return types.NewAppError(errCodeValidationInvalidJSON,
			"unknown field in request body: "+strings.TrimPrefix(err.Error(), "json: unknown field "), err)
	case errors.Is(err, io.EOF):
		return types.NewAppError(errCodeValidationInvalidJSON, "request body must not be empty", err)
	default:
		return types.NewAppError(errCodeValidationInvalidJSON, "invalid JSON in request body", err)
	}
}
