// Package memory is a reconcile.Sink that keeps reports in memory.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/eclipse-ditto/ditto-sub092/reconcile"
)

// Sink records every delivered report.
type Sink struct {
	mu      sync.Mutex
	reports []reconcile.Report
}

var _ reconcile.Sink = (*Sink)(nil)

func (s *Sink) Deliver(_ context.Context, r reconcile.Report) error {
	r.IDs = slices.Clone(r.IDs)
	s.mu.Lock()
	s.reports = append(s.reports, r)
	s.mu.Unlock()
	return nil
}

// Reports returns the reports delivered so far.
func (s *Sink) Reports() []reconcile.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.reports)
}

// IDs returns every reported id in delivery order.
func (s *Sink) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.reports {
		out = append(out, r.IDs...)
	}
	return out
}
