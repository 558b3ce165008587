package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/foodhub/gateway/internal/ratelimit"
)

type errorBody struct {
	Message string `json:"message"`
	Service string `json:"service,omitempty"`
}

// writeError writes the single JSON body of a terminal error.
func writeError(w http.ResponseWriter, status int, message, service string) {
	body, _ := json.Marshal(errorBody{Message: message, Service: service})
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// setRateLimitHeaders advertises the budget of the most recent check.
func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	reset := res.ResetAfter.Round(time.Second)
	if reset < res.ResetAfter {
		reset += time.Second
	}
	h.Set("X-RateLimit-Reset", strconv.FormatInt(int64(reset.Seconds()), 10))
}

// statusWriter records the status code written downstream.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
