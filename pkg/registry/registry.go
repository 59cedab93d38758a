package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/storage"
	"github.com/hutchhq/hutch/pkg/types"
)

// ErrNodeDecommissioned is returned on any attempt to move a
// decommissioned node into another status
var ErrNodeDecommissioned = errors.New("node is decommissioned")

// Registry is the narrow view of node state the capacity engine depends
// on. A node the registry has never seen reports NodeStatusUnknown with
// no error.
type Registry interface {
	GetNodeStatus(ctx context.Context, nodeID string) (types.NodeStatus, error)
	GetCapacityConfig(ctx context.Context, nodeID string) (*types.CapacityConfig, error)
}

// StoreRegistry is the BoltDB-backed registry implementation
type StoreRegistry struct {
	store storage.Store

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewStoreRegistry creates a registry over the given store
func NewStoreRegistry(store storage.Store) *StoreRegistry {
	return &StoreRegistry{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// GetNodeStatus returns the node's current status, or NodeStatusUnknown
// for a node that was never registered
func (r *StoreRegistry) GetNodeStatus(ctx context.Context, nodeID string) (types.NodeStatus, error) {
	if err := ctx.Err(); err != nil {
		return types.NodeStatusUnknown, err
	}
	node, err := r.store.GetNode(nodeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.NodeStatusUnknown, nil
		}
		return types.NodeStatusUnknown, err
	}
	return node.Status, nil
}

// GetCapacityConfig returns the node's configured capacity, or nil when
// the node is unknown or carries no capacity data
func (r *StoreRegistry) GetCapacityConfig(ctx context.Context, nodeID string) (*types.CapacityConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	node, err := r.store.GetNode(nodeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return node.Capacity, nil
}

// ListNodes returns every node record in the fleet
func (r *StoreRegistry) ListNodes(ctx context.Context) ([]*types.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nodes, err := r.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return nodes, nil
}

// fleetStatuses are the statuses the node gauge reports. Absent
// statuses are set to zero so a status never sticks at a stale value.
var fleetStatuses = []types.NodeStatus{
	types.NodeStatusEnrolling,
	types.NodeStatusOnline,
	types.NodeStatusOffline,
	types.NodeStatusMaintenance,
	types.NodeStatusDecommissioned,
}

// UpdateFleetMetrics recomputes the per-status node gauge from storage
func (r *StoreRegistry) UpdateFleetMetrics(ctx context.Context) error {
	nodes, err := r.ListNodes(ctx)
	if err != nil {
		return err
	}
	counts := make(map[types.NodeStatus]int, len(fleetStatuses))
	for _, node := range nodes {
		counts[node.Status]++
	}
	for _, status := range fleetStatuses {
		metrics.NodesByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	return nil
}

// StartFleetMetrics refreshes the node gauge on the given interval
// until Stop is called
func (r *StoreRegistry) StartFleetMetrics(interval time.Duration) {
	go r.metricsLoop(interval)
}

// Stop stops the fleet metrics loop
func (r *StoreRegistry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
}

func (r *StoreRegistry) metricsLoop(interval time.Duration) {
	logger := log.WithComponent("registry")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := r.UpdateFleetMetrics(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Failed to update fleet metrics")
	}

	for {
		select {
		case <-ticker.C:
			if err := r.UpdateFleetMetrics(context.Background()); err != nil {
				logger.Error().Err(err).Msg("Failed to update fleet metrics")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Register creates the node record for a machine entering enrollment
func (r *StoreRegistry) Register(ctx context.Context, node *types.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if node.Status == "" {
		node.Status = types.NodeStatusEnrolling
	}
	now := time.Now().UTC()
	node.EnrolledAt = now
	node.UpdatedAt = now
	return r.store.CreateNode(node)
}

// SetStatus moves the node to a new status. A decommissioned node never
// leaves that status.
func (r *StoreRegistry) SetStatus(ctx context.Context, nodeID string, status types.NodeStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	node, err := r.store.GetNode(nodeID)
	if err != nil {
		return err
	}
	if node.Status == types.NodeStatusDecommissioned {
		return fmt.Errorf("node %s: %w", nodeID, ErrNodeDecommissioned)
	}
	node.Status = status
	return r.store.UpdateNode(node)
}

// SetCertThumbprint records the node's current certificate thumbprint
func (r *StoreRegistry) SetCertThumbprint(ctx context.Context, nodeID, thumbprint string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	node, err := r.store.GetNode(nodeID)
	if err != nil {
		return err
	}
	node.CertThumbprint = thumbprint
	return r.store.UpdateNode(node)
}

// SetCapacity records or replaces the node's capacity configuration
func (r *StoreRegistry) SetCapacity(ctx context.Context, nodeID string, capacity *types.CapacityConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	node, err := r.store.GetNode(nodeID)
	if err != nil {
		return err
	}
	node.Capacity = capacity
	return r.store.UpdateNode(node)
}
