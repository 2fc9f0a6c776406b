package synckit

import (
	"sync"
	"time"

	"github.com/c0deZ3R0/go-crm-sync/errors"
	"github.com/c0deZ3R0/go-crm-sync/store"
)

// MetricsCollector provides hooks for collecting sync operation metrics
type MetricsCollector interface {
	// RecordPass records one finished polling pass
	RecordPass(collectionID string, duration time.Duration, result PassResult)

	// RecordRemoteCall records a single transport call made by the remote client
	RecordRemoteCall(method string, duration time.Duration, err error)

	// RecordPropagation records the outcome of pushing one local mutation
	RecordPropagation(kind store.MutationKind, err error)
}

// NoOpMetricsCollector is a default implementation that does nothing
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordPass(string, time.Duration, PassResult)   {}
func (n *NoOpMetricsCollector) RecordRemoteCall(string, time.Duration, error) {}
func (n *NoOpMetricsCollector) RecordPropagation(store.MutationKind, error)   {}

// Stats is an in-memory MetricsCollector with running totals, served by the
// status endpoint.
type Stats struct {
	mu    sync.Mutex
	snap  StatsSnapshot
	calls map[string]*CallStats
}

// CallStats aggregates the calls made for one remote method.
type CallStats struct {
	Count     int           `json:"count" yaml:"count"`
	Errors    int           `json:"errors" yaml:"errors"`
	TotalTime time.Duration `json:"total_time" yaml:"total_time"`
}

// StatsSnapshot is a copy of the totals at one point in time.
type StatsSnapshot struct {
	Passes        int                  `json:"passes" yaml:"passes"`
	FailedPasses  int                  `json:"failed_passes" yaml:"failed_passes"`
	Created       int                  `json:"created" yaml:"created"`
	Updated       int                  `json:"updated" yaml:"updated"`
	Deleted       int                  `json:"deleted" yaml:"deleted"`
	Skipped       int                  `json:"skipped" yaml:"skipped"`
	RecordErrors  int                  `json:"record_errors" yaml:"record_errors"`
	Pushed        int                  `json:"pushed" yaml:"pushed"`
	PushErrors    int                  `json:"push_errors" yaml:"push_errors"`
	AuthFailures  int                  `json:"auth_failures" yaml:"auth_failures"`
	RemoteCalls   map[string]CallStats `json:"remote_calls" yaml:"remote_calls"`
	LastPassAt    time.Time            `json:"last_pass_at" yaml:"last_pass_at"`
	LastPassError string               `json:"last_pass_error,omitempty" yaml:"last_pass_error,omitempty"`
}

var _ MetricsCollector = (*Stats)(nil)

// NewStats returns an empty collector.
func NewStats() *Stats {
	return &Stats{calls: make(map[string]*CallStats)}
}

func (s *Stats) RecordPass(collectionID string, duration time.Duration, result PassResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Passes++
	s.snap.Created += result.Created
	s.snap.Updated += result.Updated
	s.snap.Deleted += result.Deleted
	s.snap.Skipped += result.Skipped
	s.snap.RecordErrors += result.Failed
	s.snap.LastPassAt = time.Now()
	s.snap.LastPassError = ""
	if result.Err != nil {
		s.snap.FailedPasses++
		s.snap.LastPassError = result.Err.Error()
		if errors.IsAuth(result.Err) {
			s.snap.AuthFailures++
		}
	}
}

func (s *Stats) RecordRemoteCall(method string, duration time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.calls[method]
	if !ok {
		cs = &CallStats{}
		s.calls[method] = cs
	}
	cs.Count++
	cs.TotalTime += duration
	if err != nil {
		cs.Errors++
	}
}

func (s *Stats) RecordPropagation(kind store.MutationKind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.snap.PushErrors++
		if errors.IsAuth(err) {
			s.snap.AuthFailures++
		}
		return
	}
	s.snap.Pushed++
}

// Snapshot copies the current totals.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.snap
	out.RemoteCalls = make(map[string]CallStats, len(s.calls))
	for method, cs := range s.calls {
		out.RemoteCalls[method] = *cs
	}
	return out
}
