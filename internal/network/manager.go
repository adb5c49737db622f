package network

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/nebulastream/nebulastream-sub027/internal/types"
)

// Initializer is the subset of NetworkSource a Manager needs to bring a
// batch of sources up together.
type Initializer interface {
	Initialize(ctx context.Context, queryID types.QueryId) error
}

// Manager coordinates the NetworkSources belonging to one node process,
// bringing up their back-event channels concurrently rather than one at a
// time (spec §4.H, AMBIENT STACK: "errgroup ... bounded-parallelism fan-out
// ... used by ... the network manager's per-partition reconnect fan-out").
type Manager struct {
	PM *PartitionManager
}

// NewManager builds a Manager around a shared PartitionManager.
func NewManager(pm *PartitionManager) *Manager {
	return &Manager{PM: pm}
}

// InitializeAll calls Initialize on every source concurrently, returning
// the first error encountered (if any) after all have been attempted.
func (m *Manager) InitializeAll(ctx context.Context, queryID types.QueryId, sources []Initializer) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sources {
		s := s
		g.Go(func() error {
			return s.Initialize(gctx, queryID)
		})
	}
	return g.Wait()
}
