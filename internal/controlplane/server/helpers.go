package server

import (
	"encoding/json"
	"net/http"
	"strconv"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func urlParam(r *http.Request, key string) string {
	m, _ := r.Context().Value(paramsKey).(map[string]string)
	return m[key]
}

// botIDParam parses the :botID path segment; 0 means invalid.
func botIDParam(r *http.Request) int64 {
	id, err := strconv.ParseInt(urlParam(r, "botID"), 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}
