package capacity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hutchhq/hutch/pkg/audit"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/registry"
	"github.com/hutchhq/hutch/pkg/storage"
	"github.com/hutchhq/hutch/pkg/types"
)

var (
	// ErrInvalidQuantity means a requested quantity is non-positive or
	// negative, which would corrupt the node's usage sum
	ErrInvalidQuantity = errors.New("invalid reservation quantity")

	// ErrNodeUnavailable means the node is not eligible to receive
	// reservations (offline, maintenance, decommissioned, or unknown)
	ErrNodeUnavailable = errors.New("node unavailable")

	// ErrCapacityDataMissing means the node carries no capacity configuration
	ErrCapacityDataMissing = errors.New("capacity data missing")

	// ErrInsufficientMemory means the requested memory exceeds what remains
	ErrInsufficientMemory = errors.New("insufficient memory")

	// ErrInsufficientDisk means the requested disk exceeds what remains
	ErrInsufficientDisk = errors.New("insufficient disk")

	// ErrInsufficientSlots means the node has no workload slots left
	ErrInsufficientSlots = errors.New("insufficient slots")

	// ErrReservationNotFound means no reservation matches the token
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrReservationExpired means the reservation's deadline has passed
	ErrReservationExpired = errors.New("reservation expired")

	// ErrReservationClaimed means the reservation was already claimed
	ErrReservationClaimed = errors.New("reservation already claimed")

	// ErrReservationReleased means a claim hit a released reservation
	ErrReservationReleased = errors.New("reservation released")

	// ErrReservationAlreadyReleased means a release hit a released reservation
	ErrReservationAlreadyReleased = errors.New("reservation already released")
)

const (
	// DefaultReservationTTL is used when the caller supplies no TTL
	DefaultReservationTTL = 5 * time.Minute

	// MaxReservationTTL bounds caller-supplied TTLs
	MaxReservationTTL = time.Hour
)

// ReserveRequest describes a requested slice of a node's resources
type ReserveRequest struct {
	NodeID        string
	MemoryBytes   int64
	DiskBytes     int64
	CPUMillicores int64
	RequestedBy   string
	TTL           time.Duration
}

// Engine tracks per-node capacity and drives the reservation state
// machine: Active, then exactly one of Claimed, Released, or Expired.
type Engine struct {
	store    storage.Store
	registry registry.Registry
	sink     *audit.Sink

	// Per-node reservation accounting is the one place that needs
	// explicit mutual exclusion: the availability read and the
	// reservation write must not interleave for the same node.
	nodeLocks map[string]*sync.Mutex
	mu        sync.Mutex
}

// NewEngine creates a new capacity reservation engine
func NewEngine(store storage.Store, reg registry.Registry, sink *audit.Sink) *Engine {
	return &Engine{
		store:     store,
		registry:  reg,
		sink:      sink,
		nodeLocks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) nodeLock(nodeID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, ok := e.nodeLocks[nodeID]
	if !ok {
		lock = &sync.Mutex{}
		e.nodeLocks[nodeID] = lock
	}
	return lock
}

// Reserve atomically checks node availability and remaining capacity,
// then creates an Active reservation with a deadline. Two concurrent
// calls against the same node cannot both succeed when their combined
// requests exceed what remains. Memory is checked before disk, so the
// caller always learns the first constraint violated.
func (e *Engine) Reserve(ctx context.Context, actor types.ActorContext, req *ReserveRequest) (*types.CapacityReservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// A zero or negative quantity would drive the node's usage sum
	// downward and let later reservations oversell the node.
	if req.MemoryBytes <= 0 || req.DiskBytes < 0 || req.CPUMillicores < 0 {
		return nil, ErrInvalidQuantity
	}

	status, err := e.registry.GetNodeStatus(ctx, req.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to read node status: %w", err)
	}
	if status != types.NodeStatusOnline {
		return nil, e.reserveFailed(ctx, actor, req, ErrNodeUnavailable)
	}

	cfg, err := e.registry.GetCapacityConfig(ctx, req.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to read capacity config: %w", err)
	}
	if cfg == nil {
		return nil, e.reserveFailed(ctx, actor, req, ErrCapacityDataMissing)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	if ttl > MaxReservationTTL {
		ttl = MaxReservationTTL
	}

	lock := e.nodeLock(req.NodeID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	usedMemory, usedDisk, usedSlots, err := e.usage(req.NodeID, now)
	if err != nil {
		return nil, err
	}

	if req.MemoryBytes > cfg.MaxMemoryBytes-usedMemory {
		return nil, e.reserveFailed(ctx, actor, req, ErrInsufficientMemory)
	}
	if req.DiskBytes > cfg.MaxDiskBytes-usedDisk {
		return nil, e.reserveFailed(ctx, actor, req, ErrInsufficientDisk)
	}
	if cfg.MaxSlots > 0 && usedSlots >= cfg.MaxSlots {
		return nil, e.reserveFailed(ctx, actor, req, ErrInsufficientSlots)
	}

	res := &types.CapacityReservation{
		Token:         uuid.New().String(),
		NodeID:        req.NodeID,
		MemoryBytes:   req.MemoryBytes,
		DiskBytes:     req.DiskBytes,
		CPUMillicores: req.CPUMillicores,
		RequestedBy:   req.RequestedBy,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		State:         types.ReservationActive,
	}
	if err := e.store.CreateReservation(res); err != nil {
		return nil, fmt.Errorf("failed to persist reservation: %w", err)
	}

	entry := audit.NewEntry(actor, audit.ActionReserved, audit.ResourceReservation, res.Token)
	entry.ResourceName = req.NodeID
	entry.Detail = reserveDetail(req, res.ExpiresAt)
	if err := e.sink.Record(ctx, entry); err != nil {
		return nil, err
	}

	metrics.ReservationsTotal.WithLabelValues("reserved").Inc()
	metrics.ReservationsActive.Inc()
	return res, nil
}

// usage sums the reservations currently holding capacity on the node.
// Active reservations past their deadline are excluded even if the
// sweep has not marked them yet.
func (e *Engine) usage(nodeID string, now time.Time) (memory, disk int64, slots int, err error) {
	reservations, err := e.store.ListReservationsByNode(nodeID)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to list reservations: %w", err)
	}
	for _, res := range reservations {
		if res.CountsAgainstCapacity(now) {
			memory += res.MemoryBytes
			disk += res.DiskBytes
			slots++
		}
	}
	return memory, disk, slots, nil
}

// GetAvailableCapacity is an informational projection of the same
// computation Reserve uses. It must never gate a subsequent Reserve
// call; only Reserve itself holds the node lock.
func (e *Engine) GetAvailableCapacity(ctx context.Context, nodeID string) (*types.AvailableCapacity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	status, err := e.registry.GetNodeStatus(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to read node status: %w", err)
	}
	if status != types.NodeStatusOnline {
		return nil, ErrNodeUnavailable
	}
	cfg, err := e.registry.GetCapacityConfig(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to read capacity config: %w", err)
	}
	if cfg == nil {
		return nil, ErrCapacityDataMissing
	}

	memory, disk, slots, err := e.usage(nodeID, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	return &types.AvailableCapacity{
		NodeID:               nodeID,
		MaxMemoryBytes:       cfg.MaxMemoryBytes,
		MaxDiskBytes:         cfg.MaxDiskBytes,
		MaxSlots:             cfg.MaxSlots,
		ReservedMemoryBytes:  memory,
		ReservedDiskBytes:    disk,
		ReservedSlots:        slots,
		AvailableMemoryBytes: cfg.MaxMemoryBytes - memory,
		AvailableDiskBytes:   cfg.MaxDiskBytes - disk,
		AvailableSlots:       cfg.MaxSlots - slots,
	}, nil
}

// Get returns the reservation for a token
func (e *Engine) Get(ctx context.Context, token string) (*types.CapacityReservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := e.store.GetReservation(token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}
	return res, nil
}

// Claim transitions an Active, unexpired reservation to Claimed and
// binds the workload identifier. Each attempt is evaluated against
// current state; a repeat claim fails even from the original caller.
func (e *Engine) Claim(ctx context.Context, actor types.ActorContext, token, workloadID string) (*types.CapacityReservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var terminal error
	res, err := e.store.TransitionReservation(token, func(res *types.CapacityReservation) error {
		switch res.State {
		case types.ReservationClaimed:
			return ErrReservationClaimed
		case types.ReservationReleased:
			return ErrReservationReleased
		case types.ReservationExpired:
			return ErrReservationExpired
		}
		if !now.Before(res.ExpiresAt) {
			// Logically expired. Commit the Expired mark now rather than
			// waiting for the sweep, and report the claim as failed.
			res.State = types.ReservationExpired
			terminal = ErrReservationExpired
			return nil
		}
		res.State = types.ReservationClaimed
		res.WorkloadID = workloadID
		return nil
	})
	if err == nil && terminal != nil {
		metrics.ReservationsActive.Dec()
		err = terminal
	}

	entry := audit.NewEntry(actor, audit.ActionClaimed, audit.ResourceReservation, token)
	entry.Detail = map[string]string{"workload_id": workloadID}
	if err != nil {
		mapped := mapReservationErr(err)
		entry.Outcome = types.OutcomeDenied
		entry.FailureReason = mapped.Error()
		if recErr := e.sink.Record(ctx, entry); recErr != nil {
			log.Errorf("failed to record audit entry", recErr)
		}
		metrics.ReservationsTotal.WithLabelValues("claim_denied").Inc()
		return nil, mapped
	}

	entry.ResourceName = res.NodeID
	if recErr := e.sink.Record(ctx, entry); recErr != nil {
		return nil, recErr
	}
	metrics.ReservationsTotal.WithLabelValues("claimed").Inc()
	return res, nil
}

// Release transitions an Active or Claimed reservation to Released,
// freeing its capacity immediately for subsequent Reserve calls.
func (e *Engine) Release(ctx context.Context, actor types.ActorContext, token, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now().UTC()
	var terminal error
	_, err := e.store.TransitionReservation(token, func(res *types.CapacityReservation) error {
		switch res.State {
		case types.ReservationReleased:
			return ErrReservationAlreadyReleased
		case types.ReservationExpired:
			return ErrReservationExpired
		}
		if res.State == types.ReservationActive && !now.Before(res.ExpiresAt) {
			res.State = types.ReservationExpired
			terminal = ErrReservationExpired
			return nil
		}
		res.State = types.ReservationReleased
		res.ReleaseReason = reason
		return nil
	})
	if err == nil && terminal != nil {
		metrics.ReservationsActive.Dec()
		err = terminal
	}

	entry := audit.NewEntry(actor, audit.ActionReleased, audit.ResourceReservation, token)
	if reason != "" {
		entry.Detail = map[string]string{"reason": reason}
	}
	if err != nil {
		mapped := mapReservationErr(err)
		entry.Outcome = types.OutcomeDenied
		entry.FailureReason = mapped.Error()
		if recErr := e.sink.Record(ctx, entry); recErr != nil {
			log.Errorf("failed to record audit entry", recErr)
		}
		metrics.ReservationsTotal.WithLabelValues("release_denied").Inc()
		return mapped
	}

	if recErr := e.sink.Record(ctx, entry); recErr != nil {
		return recErr
	}
	metrics.ReservationsTotal.WithLabelValues("released").Inc()
	metrics.ReservationsActive.Dec()
	return nil
}

// reserveFailed audits a failed Reserve and returns the domain error
func (e *Engine) reserveFailed(ctx context.Context, actor types.ActorContext, req *ReserveRequest, cause error) error {
	entry := audit.NewEntry(actor, audit.ActionReserved, audit.ResourceReservation, "")
	entry.ResourceName = req.NodeID
	entry.Outcome = types.OutcomeFailure
	entry.FailureReason = cause.Error()
	entry.Detail = reserveDetail(req, time.Time{})
	if recErr := e.sink.Record(ctx, entry); recErr != nil {
		log.Errorf("failed to record audit entry", recErr)
	}
	metrics.ReservationsTotal.WithLabelValues("rejected").Inc()
	return cause
}

func reserveDetail(req *ReserveRequest, expiresAt time.Time) map[string]string {
	detail := map[string]string{
		"node_id":        req.NodeID,
		"memory_bytes":   strconv.FormatInt(req.MemoryBytes, 10),
		"disk_bytes":     strconv.FormatInt(req.DiskBytes, 10),
		"cpu_millicores": strconv.FormatInt(req.CPUMillicores, 10),
		"requested_by":   req.RequestedBy,
	}
	if !expiresAt.IsZero() {
		detail["expires_at"] = expiresAt.Format(time.RFC3339)
	}
	return detail
}

func mapReservationErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrReservationNotFound
	}
	return err
}
