package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/meshrelay/dvmcore/internal/app/core/apperr"
)

func decodeJSON(body io.ReadCloser, dst any) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeAppError renders err as a JSON error body, deriving the HTTP status
// from its apperr.Code when it carries one and using 500 otherwise.
func writeAppError(w http.ResponseWriter, err error) {
	writeError(w, apperr.HTTPStatusOf(err), err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
