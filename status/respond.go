package status

import (
	"compress/gzip"
	"encoding/json"
	"net/http"
	"strings"
)

// respondWithJSON writes payload as JSON, gzipped when the client accepts it
// and the body reaches the threshold.
func respondWithJSON(w http.ResponseWriter, r *http.Request, code int, payload any, opts Options) {
	body, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "failed to marshal response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Add("Vary", "Accept-Encoding")

	if opts.CompressionEnabled && len(body) >= opts.CompressionThreshold &&
		strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(code)
		gz := gzip.NewWriter(w)
		defer gz.Close()
		_, _ = gz.Write(body)
		return
	}

	w.WriteHeader(code)
	_, _ = w.Write(body)
}

type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Result any    `json:"result,omitempty"`
}

func respondWithError(w http.ResponseWriter, r *http.Request, code int, message string, opts Options) {
	respondWithJSON(w, r, code, errorBody{Error: message}, opts)
}
