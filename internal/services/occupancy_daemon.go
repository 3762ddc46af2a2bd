package services

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/elastic-maximizer/maximizer/internal/domain"
	"github.com/elastic-maximizer/maximizer/internal/scheduler"
)

// Evaluator computes the occupancy of one policy on a fresh kernel pool
type Evaluator interface {
	GetGPUOccupancyForPolicy(policy scheduler.Policy) (domain.Utilization, error)
}

// EvaluatorFactory builds a fresh evaluator per policy since evaluation is
// one-shot per scheduler
type EvaluatorFactory func() (Evaluator, error)

// Snapshot is the latest occupancy of every policy
type Snapshot struct {
	TakenAt  time.Time                               `json:"takenAt"`
	Device   string                                  `json:"device"`
	Policies map[scheduler.Policy]domain.Utilization `json:"policies"`
	Errors   map[scheduler.Policy]string             `json:"errors,omitempty"`
}

// OccupancyDaemon periodically re-evaluates every policy so the scheduler's
// recorder always exports fresh gauges
type OccupancyDaemon struct {
	factory  EvaluatorFactory
	device   string
	policies []scheduler.Policy
	interval time.Duration

	mu     sync.RWMutex
	latest *Snapshot

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewOccupancyDaemon creates a new occupancy daemon
func NewOccupancyDaemon(factory EvaluatorFactory, device string, interval time.Duration) *OccupancyDaemon {
	return &OccupancyDaemon{
		factory:  factory,
		device:   device,
		policies: scheduler.Policies(),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start samples once, then on every tick until Stop
func (d *OccupancyDaemon) Start() {
	d.Sample()
	if d.interval <= 0 {
		return
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.Sample()
		}
	}
}

// Sample evaluates every policy and stores the snapshot
func (d *OccupancyDaemon) Sample() *Snapshot {
	snap := &Snapshot{
		TakenAt:  time.Now().UTC(),
		Device:   d.device,
		Policies: make(map[scheduler.Policy]domain.Utilization, len(d.policies)),
	}
	for _, p := range d.policies {
		u, err := d.evaluate(p)
		if err != nil {
			log.Printf("Failed to sample %s: %v", p, err)
			if snap.Errors == nil {
				snap.Errors = make(map[scheduler.Policy]string)
			}
			snap.Errors[p] = err.Error()
			continue
		}
		snap.Policies[p] = u
	}

	d.mu.Lock()
	d.latest = snap
	d.mu.Unlock()
	return snap
}

func (d *OccupancyDaemon) evaluate(p scheduler.Policy) (domain.Utilization, error) {
	ev, err := d.factory()
	if err != nil {
		return domain.Utilization{}, err
	}
	return ev.GetGPUOccupancyForPolicy(p)
}

// Latest returns the last snapshot, nil before the first sample
func (d *OccupancyDaemon) Latest() *Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.latest
}

// ServeHTTP handles GET /snapshot
func (d *OccupancyDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := d.Latest()
	if snap == nil {
		http.Error(w, "no snapshot yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		log.Printf("Failed to encode snapshot: %v", err)
	}
}

// Stop gracefully stops the daemon
func (d *OccupancyDaemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}
