// Package registry tracks the producer agents currently reporting into the
// pipeline. Agents announce themselves on a handshake and are pruned after
// going quiet.
package registry

import (
	"context"
	"sync"
	"time"
)

// Agent is one registered producer.
type Agent struct {
	AgentID      string `json:"agent_id"`
	Strategy     string `json:"strategy,omitempty"`
	Chain        string `json:"chain,omitempty"`
	Hostname     string `json:"hostname,omitempty"`
	IP           string `json:"ip,omitempty"`
	Version      string `json:"version,omitempty"`
	RegisteredAt int64  `json:"registered_at"`
	LastSeenAt   int64  `json:"last_seen_at"`
}

// ProducerConfig is the dynamic configuration handed back on handshake.
type ProducerConfig struct {
	MinLevel   string `json:"min_level"`   // "INFO", "DEBUG"
	SampleRate int    `json:"sample_rate"` // 0-100
}

// Store is the in-memory agent registry.
type Store struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewStore creates an empty registry.
func NewStore() *Store {
	return &Store{agents: make(map[string]*Agent)}
}

// RegisterOrUpdate adds a new agent or refreshes an existing one. The
// original registration time survives re-handshakes.
func (s *Store) RegisterOrUpdate(agent Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.agents[agent.AgentID]; ok {
		agent.RegisteredAt = existing.RegisteredAt
	} else if agent.RegisteredAt == 0 {
		agent.RegisteredAt = time.Now().Unix()
	}
	agent.LastSeenAt = time.Now().Unix()
	s.agents[agent.AgentID] = &agent
}

// GetAgent retrieves an agent by id. The returned value is a copy.
func (s *Store) GetAgent(agentID string) (*Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return nil, false
	}
	val := *agent
	return &val, true
}

// ListAgents returns all registered agents.
func (s *Store) ListAgents() []Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		list = append(list, *agent)
	}
	return list
}

// KeepAlive refreshes an agent's last-seen timestamp.
func (s *Store) KeepAlive(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if agent, ok := s.agents[agentID]; ok {
		agent.LastSeenAt = time.Now().Unix()
	}
}

// PruneStale removes agents not seen within the timeout, returning how many
// were dropped.
func (s *Store) PruneStale(timeout time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().Unix()
	timeoutSec := int64(timeout.Seconds())
	count := 0
	for id, agent := range s.agents {
		if now-agent.LastSeenAt > timeoutSec {
			delete(s.agents, id)
			count++
		}
	}
	return count
}

// StartCleanupLoop prunes stale agents on a ticker until ctx is cancelled.
func (s *Store) StartCleanupLoop(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.PruneStale(timeout)
			case <-ctx.Done():
				return
			}
		}
	}()
}
