// Package common provides small shared infrastructure helpers.
package common

import (
	"net/http"
	"sync/atomic"
	"time"
)

// HealthServer serves liveness and readiness probes on a dedicated listener
// so orchestration environments can gate traffic on service readiness.
type HealthServer struct {
	server *http.Server
	ready  *atomic.Bool
}

// NewHealthServer constructs a HealthServer whose readiness probe reflects
// the provided flag. The server starts listening immediately.
func NewHealthServer(ready *atomic.Bool) *HealthServer {
	hs := &HealthServer{ready: ready}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/readiness", func(w http.ResponseWriter, r *http.Request) {
		if !hs.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	hs.server = &http.Server{
		Addr:         ":8081",
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() { _ = hs.server.ListenAndServe() }()

	return hs
}

// Server exposes the underlying http.Server for shutdown coordination.
func (hs *HealthServer) Server() *http.Server { return hs.server }
