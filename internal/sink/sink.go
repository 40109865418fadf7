// Package sink is the ingestion front door. One Sink instance serves the
// whole process; producers call Ingest (or the level wrappers) from any
// goroutine. The hot path touches only memory: persistence runs behind a
// bounded queue and can degrade away entirely without affecting the live
// stream.
package sink

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/opsrelay/opsrelay/internal/hub"
	"github.com/opsrelay/opsrelay/internal/metrics"
	"github.com/opsrelay/opsrelay/internal/model"
	"github.com/opsrelay/opsrelay/internal/persist"
)

// ErrEmptyCategory and ErrEmptyMessage are the validation rejections beyond
// level parsing. They come back synchronously; bad records are never
// silently dropped.
var (
	ErrEmptyCategory = fmt.Errorf("category must not be empty")
	ErrEmptyMessage  = fmt.Errorf("message must not be empty")
)

// Sink accepts structured records, assigns identity, and fans out to the
// ring buffer, live subscribers, and the durable store.
type Sink struct {
	hub   *hub.Hub
	store persist.Adapter // may be nil

	queue    chan model.LogRecord
	done     chan struct{}
	wg       sync.WaitGroup
	dropWarn *rate.Limiter

	degraded bool // persistLoop goroutine only

	writeCounter int64
	currentRate  atomic.Value // float64

	mu             sync.Mutex
	totalIngested  int64
	levelCounts    map[model.Level]int64
	categoryCounts map[string]int64
}

// New builds a sink over the hub and the optional durable store. queueSize
// bounds the persistence backlog; a full queue drops records from
// persistence only, never from the live stream.
func New(h *hub.Hub, store persist.Adapter, queueSize int) *Sink {
	if queueSize <= 0 {
		queueSize = 1024
	}
	s := &Sink{
		hub:            h,
		store:          store,
		queue:          make(chan model.LogRecord, queueSize),
		done:           make(chan struct{}),
		dropWarn:       rate.NewLimiter(rate.Every(10*time.Second), 1),
		levelCounts:    make(map[model.Level]int64),
		categoryCounts: make(map[string]int64),
	}
	s.currentRate.Store(float64(0))
	if store != nil {
		s.wg.Add(1)
		go s.persistLoop()
	}
	go s.rateLoop()
	return s
}

// Ingest validates and accepts one record. Well-known detail keys are
// promoted onto the record's correlation fields. The returned record is the
// stored copy, id and timestamp assigned.
func (s *Sink) Ingest(level, category, message string, details map[string]interface{}) (*model.LogRecord, error) {
	lvl, err := model.ParseLevel(level)
	if err != nil {
		metrics.IngestRejected.Inc()
		return nil, err
	}
	if strings.TrimSpace(category) == "" {
		metrics.IngestRejected.Inc()
		return nil, ErrEmptyCategory
	}
	if strings.TrimSpace(message) == "" {
		metrics.IngestRejected.Inc()
		return nil, ErrEmptyMessage
	}

	rec := model.LogRecord{
		ID:        newID(),
		Timestamp: time.Now(),
		Level:     lvl,
		Category:  strings.ToUpper(category),
		Message:   message,
		Details:   details,
	}
	if details != nil {
		if v, ok := details[model.DetailComponent].(string); ok {
			rec.Component = v
		}
		if v, ok := details[model.DetailAgentID].(string); ok {
			rec.AgentID = v
		}
		if v, ok := details[model.DetailChain].(string); ok {
			rec.Chain = v
		}
		if v, ok := details[model.DetailOperation].(string); ok {
			rec.Operation = v
		}
	}

	s.hub.Broadcast(rec)
	s.recordStats(&rec)
	metrics.RecordsIngested.WithLabelValues(string(lvl)).Inc()

	if s.store != nil {
		select {
		case s.queue <- rec:
		default:
			metrics.PersistDropped.Inc()
			if s.dropWarn.Allow() {
				log.Printf("sink: persistence queue full, dropping records (live stream unaffected)")
			}
		}
	}
	return &rec, nil
}

// Error ingests an ERROR record.
func (s *Sink) Error(category, message string, details map[string]interface{}) (*model.LogRecord, error) {
	return s.Ingest("ERROR", category, message, details)
}

// Warn ingests a WARN record.
func (s *Sink) Warn(category, message string, details map[string]interface{}) (*model.LogRecord, error) {
	return s.Ingest("WARN", category, message, details)
}

// Info ingests an INFO record.
func (s *Sink) Info(category, message string, details map[string]interface{}) (*model.LogRecord, error) {
	return s.Ingest("INFO", category, message, details)
}

// Debug ingests a DEBUG record.
func (s *Sink) Debug(category, message string, details map[string]interface{}) (*model.LogRecord, error) {
	return s.Ingest("DEBUG", category, message, details)
}

// Success ingests a SUCCESS record.
func (s *Sink) Success(category, message string, details map[string]interface{}) (*model.LogRecord, error) {
	return s.Ingest("SUCCESS", category, message, details)
}

// AgentOperation records a routine agent action under the AGENT category.
func (s *Sink) AgentOperation(agentID, operation, message string, details map[string]interface{}) (*model.LogRecord, error) {
	if details == nil {
		details = make(map[string]interface{})
	}
	details[model.DetailAgentID] = agentID
	details[model.DetailOperation] = operation
	return s.Ingest("INFO", "AGENT", message, details)
}

// AgentEscalation records an agent-raised alert under the ESCALATION
// category at ERROR level.
func (s *Sink) AgentEscalation(agentID, message string, details map[string]interface{}) (*model.LogRecord, error) {
	if details == nil {
		details = make(map[string]interface{})
	}
	details[model.DetailAgentID] = agentID
	return s.Ingest("ERROR", "ESCALATION", message, details)
}

// Close drains the persistence queue and stops the workers. Records
// ingested after Close may be dropped from persistence.
func (s *Sink) Close() {
	close(s.done)
	s.wg.Wait()
}

func (s *Sink) persistLoop() {
	defer s.wg.Done()
	for {
		select {
		case rec := <-s.queue:
			s.writeOne(&rec)
		case <-s.done:
			// Drain what is already queued, then stop.
			for {
				select {
				case rec := <-s.queue:
					s.writeOne(&rec)
				default:
					return
				}
			}
		}
	}
}

// writeOne logs once per degradation episode: the first failed write after
// a healthy stretch warns, the first success afterwards notes recovery.
func (s *Sink) writeOne(rec *model.LogRecord) {
	if err := s.store.Write(rec); err != nil {
		metrics.PersistErrors.Inc()
		if !s.degraded {
			s.degraded = true
			log.Printf("sink: durable store unavailable, continuing memory-only: %v", err)
		}
		return
	}
	if s.degraded {
		s.degraded = false
		log.Printf("sink: durable store recovered")
	}
}

// rateLoop recomputes the ingestion rate once per second.
func (s *Sink) rateLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n := atomic.SwapInt64(&s.writeCounter, 0)
			s.currentRate.Store(float64(n))
		case <-s.done:
			return
		}
	}
}

func (s *Sink) recordStats(rec *model.LogRecord) {
	atomic.AddInt64(&s.writeCounter, 1)
	s.mu.Lock()
	s.totalIngested++
	s.levelCounts[rec.Level]++
	s.categoryCounts[rec.Category]++
	s.mu.Unlock()
}

// Stats is the ingestion summary exposed by the stats endpoint.
type Stats struct {
	IngestionRate  float64          `json:"ingestion_rate"` // records/sec
	TotalIngested  int64            `json:"total_ingested"`
	LevelDist      map[string]int64 `json:"level_dist"`
	TopCategories  map[string]int64 `json:"top_categories"`
	Subscribers    int              `json:"subscribers"`
	PersistBacklog int              `json:"persist_backlog"`
	PersistEnabled bool             `json:"persist_enabled"`
}

// GetStats snapshots the ingestion counters.
func (s *Sink) GetStats() Stats {
	s.mu.Lock()
	st := Stats{
		IngestionRate:  s.currentRate.Load().(float64),
		TotalIngested:  s.totalIngested,
		LevelDist:      make(map[string]int64, len(s.levelCounts)),
		TopCategories:  make(map[string]int64, len(s.categoryCounts)),
		PersistBacklog: len(s.queue),
		PersistEnabled: s.store != nil,
	}
	for lvl, n := range s.levelCounts {
		st.LevelDist[string(lvl)] = n
	}
	for cat, n := range s.categoryCounts {
		st.TopCategories[cat] = n
	}
	s.mu.Unlock()
	st.Subscribers = s.hub.Count()
	return st
}

// newID builds a sortable unique id: nanosecond timestamp plus random tail.
func newID() string {
	buf := make([]byte, 4)
	rand.Read(buf)
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), hex.EncodeToString(buf))
}
