// Package buffer keeps a fixed-capacity sliding window of metric samples per agent.
package buffer

import (
	"sort"
	"sync"
	"time"

	"github.com/pulseai/pulsehub/internal/models"
)

// DefaultWindowSize is the number of samples retained per agent when no size is configured.
const DefaultWindowSize = 60

// Store owns one window per agent. The agent map and each window are locked independently so
// that appends for one agent never wait on detector snapshots of another.
type Store struct {
	capacity int
	now      func() time.Time

	mu      sync.RWMutex
	windows map[string]*window
}

// window is a ring of samples; head is the slot the next append writes to.
type window struct {
	mu       sync.Mutex
	samples  []models.MetricSample
	head     int
	size     int
	lastSeen time.Time
}

// AgentInfo summarises one agent's window for debug output.
type AgentInfo struct {
	AgentID  string    `json:"agent_id"`
	Samples  int       `json:"samples"`
	LastSeen time.Time `json:"last_seen"`
}

// New creates a Store whose windows hold at most capacity samples.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &Store{
		capacity: capacity,
		now:      time.Now,
		windows:  make(map[string]*window),
	}
}

// Capacity reports the per-agent window size.
func (s *Store) Capacity() int { return s.capacity }

// Append records a sample for the agent, evicting the oldest one when the window is full.
// It reports whether this was the first sample ever seen for the agent.
func (s *Store) Append(agentID string, sample models.MetricSample) bool {
	w, created := s.getOrCreate(agentID)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.head] = sample
	w.head = (w.head + 1) % len(w.samples)
	if w.size < len(w.samples) {
		w.size++
	}
	w.lastSeen = s.now()
	return created
}

// Snapshot returns a copy of the agent's window in arrival order, newest last.
func (s *Store) Snapshot(agentID string) []models.MetricSample {
	w := s.get(agentID)
	if w == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ordered()
}

// Series returns one metric's values from the agent's window, newest last.
func (s *Store) Series(agentID string, metric models.Metric) []float64 {
	samples := s.Snapshot(agentID)
	if len(samples) == 0 {
		return nil
	}
	values := make([]float64, 0, len(samples))
	for _, sample := range samples {
		v, ok := sample.Value(metric)
		if !ok {
			return nil
		}
		values = append(values, v)
	}
	return values
}

// Count returns how many samples the agent's window currently holds.
func (s *Store) Count(agentID string) int {
	w := s.get(agentID)
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Agents lists every agent with a window, sorted by id.
func (s *Store) Agents() []AgentInfo {
	s.mu.RLock()
	ids := make([]string, 0, len(s.windows))
	windows := make([]*window, 0, len(s.windows))
	for id, w := range s.windows {
		ids = append(ids, id)
		windows = append(windows, w)
	}
	s.mu.RUnlock()

	infos := make([]AgentInfo, 0, len(ids))
	for i, w := range windows {
		w.mu.Lock()
		infos = append(infos, AgentInfo{AgentID: ids[i], Samples: w.size, LastSeen: w.lastSeen})
		w.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].AgentID < infos[j].AgentID })
	return infos
}

// EvictIdle drops windows that have not received a sample within maxIdle and returns the
// evicted agent ids. A non-positive maxIdle evicts nothing.
func (s *Store) EvictIdle(maxIdle time.Duration) []string {
	if maxIdle <= 0 {
		return nil
	}
	cutoff := s.now().Add(-maxIdle)

	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for id, w := range s.windows {
		w.mu.Lock()
		idle := w.lastSeen.Before(cutoff)
		w.mu.Unlock()
		if idle {
			delete(s.windows, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// Remove forgets an agent's window entirely.
func (s *Store) Remove(agentID string) {
	s.mu.Lock()
	delete(s.windows, agentID)
	s.mu.Unlock()
}

func (s *Store) get(agentID string) *window {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.windows[agentID]
}

func (s *Store) getOrCreate(agentID string) (*window, bool) {
	if w := s.get(agentID); w != nil {
		return w, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[agentID]; ok {
		return w, false
	}
	w := &window{samples: make([]models.MetricSample, s.capacity)}
	s.windows[agentID] = w
	return w, true
}

// ordered must be called with w.mu held.
func (w *window) ordered() []models.MetricSample {
	out := make([]models.MetricSample, w.size)
	start := (w.head - w.size + len(w.samples)) % len(w.samples)
	for i := 0; i < w.size; i++ {
		out[i] = w.samples[(start+i)%len(w.samples)]
	}
	return out
}
