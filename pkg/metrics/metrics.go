// Package metrics keeps in-process counters for the gateway pipeline
// and serves them as a JSON snapshot.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"docgate/pkg/httpx"
)

type Registry struct {
	mu       sync.RWMutex
	stages   map[string]int64
	outcomes map[string]*OutcomeStat
}

type OutcomeStat struct {
	Count         int64   `json:"count"`
	TotalMillis   int64   `json:"total_millis"`
	MaxMillis     int64   `json:"max_millis"`
	AverageMillis float64 `json:"average_millis"`
}

type Snapshot struct {
	GeneratedAt string                 `json:"generated_at"`
	Stages      map[string]int64       `json:"stages"`
	Outcomes    map[string]OutcomeStat `json:"outcomes"`
}

func NewRegistry() *Registry {
	return &Registry{
		stages:   map[string]int64{},
		outcomes: map[string]*OutcomeStat{},
	}
}

// IncStage counts a pipeline state transition.
func (r *Registry) IncStage(stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[stage]++
}

// ObserveRequest records one finished request under its outcome, which
// is "success" or an external error kind.
func (r *Registry) ObserveRequest(outcome string, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.outcomes[outcome]
	if !ok {
		stat = &OutcomeStat{}
		r.outcomes[outcome] = stat
	}
	stat.Count++
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Stages:      make(map[string]int64, len(r.stages)),
		Outcomes:    make(map[string]OutcomeStat, len(r.outcomes)),
	}
	for stage, count := range r.stages {
		snap.Stages[stage] = count
	}
	for outcome, stat := range r.outcomes {
		snap.Outcomes[outcome] = *stat
	}
	return snap
}

func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, r.Snapshot())
	})
}
