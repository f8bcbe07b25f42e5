// Package reconcile runs the periodic presence sweep: every interval it
// recomputes the authoritative viewer count of every active room and
// re-broadcasts it. Individual join/leave announcements can be lost (a client
// that dies before its leave announcement completes); the sweep is the
// consistency backstop, so observed counts are never stale beyond one period.
package reconcile

import (
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/crowdstage/realtime/internal/events"
	"github.com/crowdstage/realtime/internal/hub"
	"github.com/crowdstage/realtime/internal/logging"
	"github.com/crowdstage/realtime/internal/metrics"
)

// Presence is the slice of the hub the reconciler needs: a snapshot of active
// rooms and a way to broadcast into them.
type Presence interface {
	ActiveRooms() []hub.RoomCount
	BroadcastToRoom(room string, data []byte)
}

// Reconciler periodically re-announces authoritative viewer counts.
type Reconciler struct {
	presence Presence
	clock    clockwork.Clock
	period   time.Duration
}

// New creates a reconciler. The clock and period are injectable so tests can
// drive sweeps with a fake clock.
func New(presence Presence, clock clockwork.Clock, period time.Duration) *Reconciler {
	return &Reconciler{presence: presence, clock: clock, period: period}
}

// Start launches the background sweep loop and returns a stop function.
// The loop is independent of any connection's lifecycle.
func (r *Reconciler) Start() (stop func()) {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := r.clock.NewTicker(r.period)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.Chan():
				r.sweep()
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

// sweep snapshots the active rooms, then broadcasts a viewer_count_update to
// each. Snapshot-then-iterate: membership may mutate concurrently and a room
// may even empty out mid-sweep; that broadcast simply reaches nobody.
func (r *Reconciler) sweep() {
	start := r.clock.Now()
	rooms := r.presence.ActiveRooms()

	for _, rc := range rooms {
		update := events.ViewerCountUpdate{
			ChallengeID: strings.TrimPrefix(rc.Room, events.RoomPrefix),
			ViewerCount: rc.Size,
			Timestamp:   r.clock.Now(),
		}
		data, err := events.Encode(events.TypeViewerCountUpdate, update)
		if err != nil {
			logging.WithRoom(rc.Room).Error("Failed to encode viewer count update", "error", err)
			continue
		}
		r.presence.BroadcastToRoom(rc.Room, data)
	}

	metrics.ReconcileRunsTotal.Inc()
	metrics.ReconciledRooms.Set(float64(len(rooms)))
	metrics.ReconcileDuration.Observe(r.clock.Since(start).Seconds())
}
