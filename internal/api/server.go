// Package api exposes the relay's statistics and a manual idle-expiry
// trigger over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"tungate/internal/core/model"
)

// Engine is the slice of the relay the API needs.
type Engine interface {
	Statistics() model.Statistics
	ExpireIdle(now time.Time) int
}

// Server serves the statistics endpoints.
type Server struct {
	engine Engine
	srv    *http.Server
}

// NewServer builds the router and binds it to listenAddr.
func NewServer(listenAddr string, engine Engine) *Server {
	s := &Server{engine: engine}

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/stats", s.statsHandler).Methods("GET")
	r.HandleFunc("/api/v1/flows/expire", s.expireHandler).Methods("POST")
	r.HandleFunc("/healthz", s.healthHandler).Methods("GET")

	s.srv = &http.Server{Addr: listenAddr, Handler: r}
	return s
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		log.Printf("API server starting on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v", s.srv.Addr, err)
		}
	}()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) statsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Statistics())
}

func (s *Server) expireHandler(w http.ResponseWriter, _ *http.Request) {
	expired := s.engine.ExpireIdle(time.Now())
	writeJSON(w, http.StatusOK, map[string]int{"expired": expired})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}
