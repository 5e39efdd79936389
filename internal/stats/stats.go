// Package stats tracks per-domain resolution outcomes for the stats
// endpoint and the terminal dashboard.
package stats

import (
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// maxDomains is the maximum number of domains to track before LRU eviction.
const maxDomains = 10000

// evictionBatchSize is the number of domains to evict at once to reduce
// eviction overhead.
const evictionBatchSize = 100

// Outcome labels for RecordNavigation.
const (
	OutcomeBrowser = "browser"
	OutcomeSolver  = "solver"
	OutcomeFailed  = "failed"
)

// DomainStats holds counters for a single target domain.
type DomainStats struct {
	mu sync.RWMutex

	requestCount int64
	browserCount int64
	solverCount  int64
	failureCount int64
	challenges   map[string]int64

	totalLatencyMs int64

	lastRequestTime time.Time
	lastSuccessTime time.Time
	lastAccess      time.Time // for LRU eviction, not serialized
}

// DomainSnapshot is the wire form of one domain's counters.
type DomainSnapshot struct {
	Requests        int64            `json:"requests"`
	BrowserSolved   int64            `json:"browserSolved"`
	SolverSolved    int64            `json:"solverSolved"`
	Failures        int64            `json:"failures"`
	AvgLatencyMs    int64            `json:"avgLatencyMs"`
	Challenges      map[string]int64 `json:"challenges,omitempty"`
	LastRequestTime time.Time        `json:"lastRequestTime"`
	LastSuccessTime time.Time        `json:"lastSuccessTime"`
}

// Snapshot is the aggregate served by the stats endpoint.
type Snapshot struct {
	UptimeSeconds int64                     `json:"uptimeSeconds"`
	Requests      int64                     `json:"requests"`
	BrowserSolved int64                     `json:"browserSolved"`
	SolverSolved  int64                     `json:"solverSolved"`
	Failures      int64                     `json:"failures"`
	Domains       map[string]DomainSnapshot `json:"domains"`
}

func (s *DomainStats) snapshot() DomainSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var avgLatency int64
	if s.requestCount > 0 {
		avgLatency = s.totalLatencyMs / s.requestCount
	}

	snap := DomainSnapshot{
		Requests:        s.requestCount,
		BrowserSolved:   s.browserCount,
		SolverSolved:    s.solverCount,
		Failures:        s.failureCount,
		AvgLatencyMs:    avgLatency,
		LastRequestTime: s.lastRequestTime,
		LastSuccessTime: s.lastSuccessTime,
	}
	if len(s.challenges) > 0 {
		snap.Challenges = make(map[string]int64, len(s.challenges))
		for kind, n := range s.challenges {
			snap.Challenges[kind] = n
		}
	}
	return snap
}

// Manager manages statistics for all domains.
type Manager struct {
	mu      sync.RWMutex
	domains map[string]*DomainStats

	startTime time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a domain stats manager and starts its background
// cleanup routine. Call Close to stop it.
func NewManager() *Manager {
	m := &Manager{
		domains:   make(map[string]*DomainStats),
		startTime: time.Now(),
		stopCh:    make(chan struct{}),
	}

	m.wg.Add(1)
	go m.cleanupRoutine()

	return m
}

// cleanupRoutine periodically removes domains that have gone quiet so the
// tracking map cannot grow without bound.
func (m *Manager) cleanupRoutine() {
	defer m.wg.Done()

	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanupStale(24 * time.Hour)
		case <-m.stopCh:
			return
		}
	}
}

// cleanupStale removes domain stats that haven't been accessed recently.
func (m *Manager) cleanupStale(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var removed int

	for domain, stats := range m.domains {
		stats.mu.RLock()
		lastAccess := stats.lastAccess
		stats.mu.RUnlock()

		if now.Sub(lastAccess) > maxAge {
			delete(m.domains, domain)
			removed++
		}
	}

	if removed > 0 {
		log.Debug().
			Int("removed", removed).
			Int("remaining", len(m.domains)).
			Msg("Cleaned up stale domain stats")
	}
}

// Close stops the background cleanup routine.
func (m *Manager) Close() {
	close(m.stopCh)
	m.wg.Wait()
}

// ExtractDomain extracts the domain from a URL.
func ExtractDomain(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

// getOrCreate returns the stats for a domain, creating if needed.
// Implements LRU eviction when the domain count exceeds maxDomains.
// The manager lock is released before the stats lock is taken so the two
// are never nested.
func (m *Manager) getOrCreate(domain string) *DomainStats {
	m.mu.Lock()

	stats, exists := m.domains[domain]
	if !exists {
		if len(m.domains) >= maxDomains {
			m.evictOldestLocked(evictionBatchSize)
		}
		stats = &DomainStats{
			lastAccess: time.Now(),
		}
		m.domains[domain] = stats
		m.mu.Unlock()
		return stats
	}

	m.mu.Unlock()

	stats.mu.Lock()
	stats.lastAccess = time.Now()
	stats.mu.Unlock()

	return stats
}

// evictOldestLocked removes the count least recently accessed domains.
// Must be called with m.mu held. A slightly stale lastAccess read is fine
// here; approximate LRU is all eviction needs.
func (m *Manager) evictOldestLocked(count int) {
	if count <= 0 || len(m.domains) == 0 {
		return
	}

	if len(m.domains) <= count {
		for domain := range m.domains {
			delete(m.domains, domain)
		}
		return
	}

	type domainTime struct {
		domain     string
		lastAccess time.Time
	}
	candidates := make([]domainTime, 0, len(m.domains))
	for domain, stats := range m.domains {
		stats.mu.RLock()
		lastAccess := stats.lastAccess
		stats.mu.RUnlock()
		candidates = append(candidates, domainTime{domain, lastAccess})
	}

	// Selection pass: for the typical batch of 100 out of 10000 this is
	// efficient enough.
	for i := 0; i < count && i < len(candidates); i++ {
		minIdx := i
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].lastAccess.Before(candidates[minIdx].lastAccess) {
				minIdx = j
			}
		}
		if minIdx != i {
			candidates[i], candidates[minIdx] = candidates[minIdx], candidates[i]
		}
		delete(m.domains, candidates[i].domain)
	}
}

// Get returns the stats for a domain (nil if not tracked).
func (m *Manager) Get(domain string) *DomainStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.domains[domain]
}

// RecordNavigation updates counters after a navigation reaches a terminal
// state. Outcome is one of the Outcome constants.
func (m *Manager) RecordNavigation(rawURL, outcome string, latency time.Duration) {
	domain := ExtractDomain(rawURL)
	if domain == "" {
		return
	}

	stats := m.getOrCreate(domain)

	stats.mu.Lock()
	defer stats.mu.Unlock()

	stats.requestCount++
	stats.totalLatencyMs += latency.Milliseconds()
	stats.lastRequestTime = time.Now()

	switch outcome {
	case OutcomeBrowser:
		stats.browserCount++
		stats.lastSuccessTime = time.Now()
	case OutcomeSolver:
		stats.solverCount++
		stats.lastSuccessTime = time.Now()
	default:
		stats.failureCount++
	}
}

// RecordChallenge counts a detected challenge interstitial by kind.
func (m *Manager) RecordChallenge(rawURL, kind string) {
	domain := ExtractDomain(rawURL)
	if domain == "" || kind == "" {
		return
	}

	stats := m.getOrCreate(domain)

	stats.mu.Lock()
	defer stats.mu.Unlock()

	if stats.challenges == nil {
		stats.challenges = make(map[string]int64)
	}
	stats.challenges[kind]++
}

// RequestCount returns the request count for a domain.
func (m *Manager) RequestCount(domain string) int64 {
	stats := m.Get(domain)
	if stats == nil {
		return 0
	}
	stats.mu.RLock()
	defer stats.mu.RUnlock()
	return stats.requestCount
}

// DomainCount returns the number of tracked domains.
func (m *Manager) DomainCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.domains)
}

// Snapshot returns a copy of all statistics with per-domain and aggregate
// totals.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		UptimeSeconds: int64(time.Since(m.startTime).Seconds()),
		Domains:       make(map[string]DomainSnapshot, len(m.domains)),
	}
	for domain, stats := range m.domains {
		ds := stats.snapshot()
		snap.Domains[domain] = ds
		snap.Requests += ds.Requests
		snap.BrowserSolved += ds.BrowserSolved
		snap.SolverSolved += ds.SolverSolved
		snap.Failures += ds.Failures
	}
	return snap
}

// Reset clears all statistics for a domain.
func (m *Manager) Reset(domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.domains, domain)
}

// ResetAll clears all domain statistics.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains = make(map[string]*DomainStats)
}
