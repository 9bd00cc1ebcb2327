package httputil

import (
	"encoding/json"
	"net/http"
)

// RespondJSON writes a JSON response with the given status code.
// It marshals before writing headers so an encoding failure cannot produce a
// partial response.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(payload)
}

// ErrorResponse is the JSON error body: a short machine-checkable error name
// plus a human-readable detail. Extra fields (e.g. conflict payloads) are
// flattened to the top level.
type ErrorResponse struct {
	Error  string                 `json:"error"`
	Detail string                 `json:"detail,omitempty"`
	Extra  map[string]interface{} `json:"-"`
}

// MarshalJSON flattens Extra fields to the top level
func (e ErrorResponse) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{
		"error": e.Error,
	}
	if e.Detail != "" {
		m["detail"] = e.Detail
	}
	for k, v := range e.Extra {
		m[k] = v
	}
	return json.Marshal(m)
}

// RespondError writes a JSON error response
func RespondError(w http.ResponseWriter, status int, detail string) {
	RespondErrorWithExtras(w, status, detail, nil)
}

// RespondErrorWithExtras writes a JSON error response with additional
// top-level fields
func RespondErrorWithExtras(w http.ResponseWriter, status int, detail string, extras map[string]interface{}) {
	body := ErrorResponse{
		Error:  http.StatusText(status),
		Detail: detail,
		Extra:  extras,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		// Fallback to plain text if JSON encoding fails
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(payload)
}
