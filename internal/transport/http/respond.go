package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"bongard-study-service/internal/domain"
)

type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

// writeError maps the domain error taxonomy onto HTTP statuses. Anything that
// is not a known client-side kind is logged and reported as a 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		msg = "internal server error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// maxBodyBytes caps request bodies; mouse telemetry is the largest payload.
const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.Validationf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return domain.Validationf("invalid JSON body: %v", err)
	}
	return nil
}

// embeddedJSON accepts either a JSON value or a string holding JSON text, the
// two shapes browser clients send for *_json columns.
func embeddedJSON(field string, raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] != '"' {
		return raw, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, domain.Validationf("%s: %v", field, err)
	}
	if text == "" {
		return nil, nil
	}
	if !json.Valid([]byte(text)) {
		return nil, domain.Validationf("%s is not valid JSON", field)
	}
	return json.RawMessage(text), nil
}

func decodeIDList(field string, raw json.RawMessage) ([]string, error) {
	body, err := embeddedJSON(field, raw)
	if err != nil || body == nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(body, &ids); err != nil {
		return nil, domain.Validationf("%s must be a list of question ids", field)
	}
	return ids, nil
}
