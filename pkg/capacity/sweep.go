package capacity

import (
	"context"
	"sync"
	"time"

	"github.com/hutchhq/hutch/pkg/audit"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/storage"
	"github.com/hutchhq/hutch/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultSweepInterval is how often the expiry sweep runs
const DefaultSweepInterval = 30 * time.Second

// Sweeper periodically marks Active reservations whose deadline has
// passed as Expired. It runs independently of the request path: Reserve
// already excludes logically expired reservations from its availability
// computation, so the sweep only keeps the stored state and the audit
// trail current.
type Sweeper struct {
	store    storage.Store
	sink     *audit.Sink
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSweeper creates a new expiry sweeper
func NewSweeper(store storage.Store, sink *audit.Sink, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:    store,
		sink:     sink,
		interval: interval,
		logger:   log.WithComponent("sweep"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sweep loop
func (s *Sweeper) Start() {
	go s.run()
}

// Stop stops the sweep loop
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Sweep(context.Background()); err != nil {
				s.logger.Error().Err(err).Msg("expiry sweep failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Sweep performs one pass over Active reservations, expiring those past
// their deadline. Exported so tests and operators can trigger a pass
// directly.
func (s *Sweeper) Sweep(ctx context.Context) error {
	reservations, err := s.store.ListActiveReservations()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	actor := types.SystemActor("expiry-sweep")

	for _, res := range reservations {
		if now.Before(res.ExpiresAt) {
			continue
		}

		expired := false
		_, err := s.store.TransitionReservation(res.Token, func(r *types.CapacityReservation) error {
			// A claim or release may have won the race since the list.
			if r.State != types.ReservationActive {
				return nil
			}
			r.State = types.ReservationExpired
			expired = true
			return nil
		})
		if err != nil {
			s.logger.Error().Err(err).Str("reservation_token", res.Token).Msg("failed to expire reservation")
			continue
		}
		if !expired {
			continue
		}

		entry := audit.NewEntry(actor, audit.ActionExpired, audit.ResourceReservation, res.Token)
		entry.ResourceName = res.NodeID
		entry.Detail = map[string]string{
			"expired_at":   res.ExpiresAt.Format(time.RFC3339),
			"requested_by": res.RequestedBy,
		}
		if err := s.sink.Record(ctx, entry); err != nil {
			s.logger.Error().Err(err).Msg("failed to record expiry audit entry")
		}

		metrics.ReservationsExpiredTotal.Inc()
		metrics.ReservationsActive.Dec()
	}

	return nil
}
