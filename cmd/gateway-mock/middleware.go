package main

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	body   *bytes.Buffer
}

func (lrw *loggingResponseWriter) WriteHeader(status int) {
	lrw.status = status
	lrw.ResponseWriter.WriteHeader(status)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	lrw.body.Write(b)
	return lrw.ResponseWriter.Write(b)
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var requestBody bytes.Buffer
		body, err := io.ReadAll(io.TeeReader(r.Body, &requestBody))
		if err != nil {
			logger.Error("Error reading request body", "error", err)
		}
		r.Body = io.NopCloser(&requestBody)

		lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK, body: &bytes.Buffer{}}
		next.ServeHTTP(lrw, r)

		logger.Info("Request served",
			"method", r.Method,
			"path", r.URL.Path,
			"idempotencyKey", r.Header.Get(idempotencyKeyHeader),
			"requestBody", string(body),
			"status", lrw.status,
			"responseBody", lrw.body.String())
	})
}

type callCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func countMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	c := &callCounter{counts: make(map[string]int)}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path

		c.mu.Lock()
		c.counts[key]++
		count := c.counts[key]
		c.mu.Unlock()

		logger.Info("Endpoint called", "endpoint", key, "count", count)
		next.ServeHTTP(w, r)
	})
}
