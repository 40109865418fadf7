package registry

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Server exposes the registry over HTTP.
type Server struct {
	store *Store
}

// NewServer creates a registry HTTP handler set.
func NewServer(store *Store) *Server {
	return &Server{store: store}
}

// HandleHandshake registers a producer agent or refreshes its heartbeat.
// POST /api/registry/handshake
func (s *Server) HandleHandshake(w http.ResponseWriter, r *http.Request) {
	var agent Agent
	if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if agent.AgentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}

	if agent.IP == "" {
		agent.IP = r.RemoteAddr
		if idx := strings.LastIndex(agent.IP, ":"); idx != -1 {
			agent.IP = agent.IP[:idx]
		}
	}

	s.store.RegisterOrUpdate(agent)

	// Static for now; a per-strategy config source can slot in here.
	resp := ProducerConfig{
		MinLevel:   "INFO",
		SampleRate: 100,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// HandleListAgents returns the registered agents.
// GET /api/registry/agents
func (s *Server) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.store.ListAgents()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(agents)
}
