package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
)

// errorBody 统一错误响应信封
// - code: 机器可读错误码（如 "invalid_sample", "episode_not_found"）
// - message: 人类可读描述
// - details: 可选的附加字段
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

const (
	ErrCodeInvalidBody      = "invalid_body"
	ErrCodeInvalidSample    = "invalid_sample"
	ErrCodeEpisodeNotFound  = "episode_not_found"
	ErrCodeAlertNotFound    = "alert_not_found"
	ErrCodeZoneNotFound     = "zone_not_found"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

func writeErrorDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message, Details: details}})
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func readBodyJSON(r *http.Request, maxBytes int64, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
