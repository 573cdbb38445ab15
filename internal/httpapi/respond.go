package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

var errEmptyBody = errors.New("empty body")

// decode reads a JSON body into v. An empty body is an error unless
// allowEmpty is set.
func decode(r *http.Request, v any, allowEmpty bool) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		if allowEmpty {
			return nil
		}
		return errEmptyBody
	}
	return err
}

// windowParam parses a positive number of hours from the query, returning
// def when absent.
func windowParam(r *http.Request, name string, def time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	hours, err := strconv.ParseFloat(raw, 64)
	if err != nil || hours <= 0 || hours > 24*366 {
		return 0, errors.New("invalid " + name)
	}
	return time.Duration(hours * float64(time.Hour)), nil
}

func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, errors.New("invalid " + name)
	}
	return n, nil
}
