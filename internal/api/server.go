package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/serroba/collabtext/internal/collab"
	"github.com/serroba/collabtext/internal/ws"
)

// Server handles HTTP requests for the collaboration API.
type Server struct {
	manager  *collab.Manager
	hub      *ws.Hub
	upgrader websocket.Upgrader
}

// ServerConfig holds configuration for creating a server.
type ServerConfig struct {
	Manager *collab.Manager
	Hub     *ws.Hub
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		manager: cfg.Manager,
		hub:     cfg.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool {
				return true // Allow all origins for demo
			},
		},
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(userMiddleware)

	r.HandleFunc("/documents", s.handleCreateDocument).Methods(http.MethodPost)
	r.HandleFunc("/documents/{id}", s.handleGetDocument).Methods(http.MethodGet)
	r.HandleFunc("/documents/{id}", s.handleDeleteDocument).Methods(http.MethodDelete)
	r.HandleFunc("/documents/{id}/undo", s.handleUndo).Methods(http.MethodPost)
	r.HandleFunc("/documents/{id}/fields/{field}", s.handleReplaceField).Methods(http.MethodPut)
	r.HandleFunc("/documents/{id}/fields/{field}/snapshot", s.handleFieldSnapshot).Methods(http.MethodGet)

	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}
