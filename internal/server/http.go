// Package server is the HTTP and WebSocket surface of the pipeline.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fastjson"
	"golang.org/x/crypto/bcrypt"

	"github.com/opsrelay/opsrelay/internal/escalate"
	"github.com/opsrelay/opsrelay/internal/hub"
	"github.com/opsrelay/opsrelay/internal/meta"
	"github.com/opsrelay/opsrelay/internal/model"
	"github.com/opsrelay/opsrelay/internal/registry"
	"github.com/opsrelay/opsrelay/internal/sink"
)

// UserSession is a logged-in web session.
type UserSession struct {
	Token      string
	Username   string
	ExpireTime time.Time
}

// Server wires the pipeline components behind the HTTP API.
type Server struct {
	sink      *sink.Sink
	hub       *hub.Hub
	engine    *escalate.Engine
	metaStore *meta.Store
	agents    *registry.Server

	sessions   map[string]UserSession
	sessionsMu sync.RWMutex
	parser     fastjson.ParserPool
	srv        *http.Server
}

// New builds the server over its collaborators. engine may be nil, which
// disables the escalation endpoints with 503s.
func New(sk *sink.Sink, h *hub.Hub, eng *escalate.Engine, ms *meta.Store, agents *registry.Server) *Server {
	return &Server{
		sink:      sk,
		hub:       h,
		engine:    eng,
		metaStore: ms,
		agents:    agents,
		sessions:  make(map[string]UserSession),
	}
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.router(),
	}
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()

	// Open routes
	r.HandleFunc("/api/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/system/status", s.handleSystemStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/system/init", s.handleSystemInit).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Protected routes
	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/system/config", s.handleSettings).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/users", s.handleUsers).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/users/{username}", s.handleUserDelete).Methods(http.MethodDelete)
	api.HandleFunc("/tokens", s.handleTokens).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/tokens/{id}", s.handleTokenDelete).Methods(http.MethodDelete)

	api.HandleFunc("/ingest", s.handleIngest).Methods(http.MethodPost)
	api.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	api.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)

	api.HandleFunc("/escalations", s.handleEscalationCreate).Methods(http.MethodPost)
	api.HandleFunc("/escalations", s.handleEscalationList).Methods(http.MethodGet)
	api.HandleFunc("/escalations/{id}/resolve", s.handleEscalationResolve).Methods(http.MethodPost)

	api.HandleFunc("/registry/handshake", s.agents.HandleHandshake).Methods(http.MethodPost)
	api.HandleFunc("/registry/agents", s.agents.HandleListAgents).Methods(http.MethodGet)

	return r
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

// authMiddleware accepts either an API token (producers, dashboards) or a
// web session token. User-management routes additionally require the
// super_admin role.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		var token string
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		} else {
			token = r.URL.Query().Get("token")
		}

		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="OpsRelay"`)
			http.Error(w, "Unauthorized: Missing token", http.StatusUnauthorized)
			return
		}

		if _, exists := s.metaStore.GetTokenByValue(token); exists {
			next.ServeHTTP(w, r)
			return
		}

		s.sessionsMu.RLock()
		session, exists := s.sessions[token]
		s.sessionsMu.RUnlock()

		if exists {
			if time.Now().Before(session.ExpireTime) {
				user, ok := s.metaStore.GetUser(session.Username)
				if !ok {
					http.Error(w, "User no longer exists", http.StatusUnauthorized)
					return
				}
				if strings.HasPrefix(r.URL.Path, "/api/users") && user.Role != "super_admin" {
					http.Error(w, "Forbidden: SuperAdmin required", http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			s.sessionsMu.Lock()
			delete(s.sessions, token)
			s.sessionsMu.Unlock()
		}

		w.Header().Set("WWW-Authenticate", `Bearer realm="OpsRelay"`)
		http.Error(w, "Unauthorized: Invalid or expired token", http.StatusUnauthorized)
	})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]bool{
		"initialized": s.metaStore.IsInitialized(),
	})
}

func (s *Server) handleSystemInit(w http.ResponseWriter, r *http.Request) {
	if s.metaStore.IsInitialized() {
		http.Error(w, "System already initialized", http.StatusBadRequest)
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Password == "" {
		http.Error(w, "Username and password required", http.StatusBadRequest)
		return
	}
	if err := s.metaStore.InitializeSystem(req.Username, req.Password); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.createSession(w, req.Username, "super_admin")
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	user, exists := s.metaStore.GetUser(req.Username)
	if !exists {
		http.Error(w, "Invalid username or password", http.StatusUnauthorized)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		http.Error(w, "Invalid username or password", http.StatusUnauthorized)
		return
	}
	s.createSession(w, req.Username, user.Role)
}

func (s *Server) createSession(w http.ResponseWriter, username, role string) {
	b := make([]byte, 16)
	rand.Read(b)
	sessionToken := hex.EncodeToString(b)

	s.sessionsMu.Lock()
	s.sessions[sessionToken] = UserSession{
		Token:      sessionToken,
		Username:   username,
		ExpireTime: time.Now().Add(24 * time.Hour),
	}
	s.sessionsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"token":    sessionToken,
		"username": username,
		"role":     role,
	})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		data := s.metaStore.GetData()
		json.NewEncoder(w).Encode(data.Settings)
		return
	}

	var cfg meta.Settings
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if _, err := time.ParseDuration(cfg.Retention); err != nil {
		http.Error(w, "Invalid retention duration format", http.StatusBadRequest)
		return
	}
	if err := s.metaStore.UpdateSettings(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		data := s.metaStore.GetData()
		users := make([]meta.User, len(data.Users))
		for i, u := range data.Users {
			users[i] = u
			users[i].PasswordHash = ""
		}
		json.NewEncoder(w).Encode(users)
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	hash, _ := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	err := s.metaStore.AddUser(meta.User{
		Username:     req.Username,
		PasswordHash: string(hash),
		Role:         req.Role,
		CreatedAt:    time.Now().Unix(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleUserDelete(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	if err := s.metaStore.DeleteUser(username); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		data := s.metaStore.GetData()
		json.NewEncoder(w).Encode(data.Tokens)
		return
	}

	var req struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	b := make([]byte, 16)
	rand.Read(b)
	tokenVal := "opk-" + hex.EncodeToString(b)

	idBytes := make([]byte, 8)
	rand.Read(idBytes)
	id := hex.EncodeToString(idBytes)

	authHeader := r.Header.Get("Authorization")
	sessionToken := strings.TrimPrefix(authHeader, "Bearer ")
	s.sessionsMu.RLock()
	session := s.sessions[sessionToken]
	s.sessionsMu.RUnlock()

	err := s.metaStore.AddToken(meta.APIToken{
		ID:        id,
		Name:      req.Name,
		Token:     tokenVal,
		Type:      req.Type,
		CreatedBy: session.Username,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"token": tokenVal, "id": id})
}

func (s *Server) handleTokenDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.metaStore.DeleteToken(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleIngest accepts a single record object or an array of them.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer r.Body.Close()

	p := s.parser.Get()
	defer s.parser.Put(p)

	v, err := p.ParseBytes(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	accepted, rejected := 0, 0
	var firstErr error
	processRecord := func(val *fastjson.Value) {
		level := string(val.GetStringBytes("level"))
		category := string(val.GetStringBytes("category"))
		message := string(val.GetStringBytes("message"))
		if message == "" {
			message = string(val.GetStringBytes("msg"))
		}
		details := detailsFromJSON(val.GetObject("details"))

		if _, err := s.sink.Ingest(level, category, message, details); err != nil {
			rejected++
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		accepted++
	}

	if v.Type() == fastjson.TypeArray {
		arr, _ := v.Array()
		for _, val := range arr {
			processRecord(val)
		}
	} else {
		processRecord(v)
	}

	if accepted == 0 && firstErr != nil {
		http.Error(w, firstErr.Error(), http.StatusBadRequest)
		return
	}
	// Partial batch failures are reported, never swallowed.
	resp := map[string]interface{}{"accepted": accepted}
	if rejected > 0 {
		resp["rejected"] = rejected
		resp["error"] = firstErr.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// detailsFromJSON converts a fastjson object into a generic details map.
func detailsFromJSON(obj *fastjson.Object) map[string]interface{} {
	if obj == nil {
		return nil
	}
	details := make(map[string]interface{}, obj.Len())
	obj.Visit(func(key []byte, v *fastjson.Value) {
		switch v.Type() {
		case fastjson.TypeString:
			details[string(key)] = string(v.GetStringBytes())
		case fastjson.TypeNumber:
			details[string(key)] = v.GetFloat64()
		case fastjson.TypeTrue:
			details[string(key)] = true
		case fastjson.TypeFalse:
			details[string(key)] = false
		default:
			details[string(key)] = v.String()
		}
	})
	return details
}

// handleLogs serves the in-memory buffer through the same filter the live
// stream uses.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := filterFromQuery(q)

	limit := 100
	if parsed, err := strconv.Atoi(q.Get("limit")); err == nil && parsed > 0 {
		limit = parsed
	}

	now := time.Now()
	records := s.hub.Snapshot(func(rec *model.LogRecord) bool {
		return f.Matches(rec, now)
	}, limit)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

func filterFromQuery(q map[string][]string) *hub.Filter {
	get := func(key string) string {
		if vals := q[key]; len(vals) > 0 {
			return vals[0]
		}
		return ""
	}
	f := &hub.Filter{Text: get("q")}
	if v := get("level"); v != "" {
		for _, lvl := range strings.Split(v, ",") {
			f.Levels = append(f.Levels, model.Level(lvl))
		}
	}
	if v := get("category"); v != "" {
		f.Categories = strings.Split(v, ",")
	}
	if v := get("component"); v != "" {
		f.Components = strings.Split(v, ",")
	}
	if v := get("agent"); v != "" {
		f.Agents = strings.Split(v, ",")
	}
	if v := get("chain"); v != "" {
		f.Chains = strings.Split(v, ",")
	}
	if v := get("window"); v != "" {
		if mins, err := strconv.Atoi(v); err == nil {
			f.WindowMinutes = mins
		}
	}
	return f
}

// handleSearch queries the durable store.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	limit := 100
	if parsed, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && parsed > 0 {
		limit = parsed
	}

	records, err := s.hub.Search(query, limit)
	if err != nil {
		log.Printf("search error: %v", err)
		http.Error(w, "Search unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.sink.GetStats()); err != nil {
		log.Printf("JSON encode error: %v", err)
	}
}

func (s *Server) handleEscalationCreate(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, "Escalation engine disabled", http.StatusServiceUnavailable)
		return
	}
	var inc model.IncidentContext
	if err := json.NewDecoder(r.Body).Decode(&inc); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if inc.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}

	esc := s.engine.RequestEscalation(inc)
	w.Header().Set("Content-Type", "application/json")
	if esc == nil {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]bool{"escalated": false})
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(esc)
}

func (s *Server) handleEscalationList(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, "Escalation engine disabled", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.engine.Active())
}

func (s *Server) handleEscalationResolve(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, "Escalation engine disabled", http.StatusServiceUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	var req struct {
		Notes string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if !s.engine.Resolve(id, req.Notes) {
		http.Error(w, "Escalation not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "resolved"})
}
