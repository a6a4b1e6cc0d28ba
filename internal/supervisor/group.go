package supervisor

import (
	"context"
	"sort"
	"sync"

	"github.com/MrSnakeDoc/quay/internal/domain"
	"github.com/MrSnakeDoc/quay/internal/logger"
)

// Group owns every supervisor in the system. Supervisors run independently;
// the group only fans lifecycle operations out and aggregates status for
// the dashboard.
type Group struct {
	sups []*Supervisor
	log  logger.Logger
	wg   sync.WaitGroup
}

// NewGroup builds one supervisor per spec sharing the given options.
func NewGroup(specs []domain.ServiceSpec, opts Options) *Group {
	opts.withDefaults()
	g := &Group{log: opts.Log}
	for _, spec := range specs {
		g.sups = append(g.sups, New(spec, opts))
	}
	return g
}

// StartAll launches every supervisor concurrently. A build or crash loop in
// one service never blocks another.
func (g *Group) StartAll(ctx context.Context) {
	for _, s := range g.sups {
		g.wg.Add(1)
		go func(s *Supervisor) {
			defer g.wg.Done()
			s.Run(ctx)
		}(s)
	}
	g.log.Info("supervisors started", logger.Int("services", len(g.sups)))
}

// StopAll stops every supervisor concurrently and waits for all lifecycle
// loops to finish, bounded by ctx.
func (g *Group) StopAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range g.sups {
		wg.Add(1)
		go func(s *Supervisor) {
			defer wg.Done()
			s.Stop(ctx)
		}(s)
	}
	wg.Wait()

	loops := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(loops)
	}()
	select {
	case <-loops:
		g.log.Info("all supervisors stopped")
	case <-ctx.Done():
		g.log.Warn("shutdown grace elapsed before all supervisors stopped")
	}
}

// Statuses returns a dashboard snapshot of every service, sorted by name.
func (g *Group) Statuses() []domain.Status {
	out := make([]domain.Status, 0, len(g.sups))
	for _, s := range g.sups {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Supervisors exposes the individual supervisors, mainly for tests.
func (g *Group) Supervisors() []*Supervisor { return g.sups }
