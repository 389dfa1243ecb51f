package simulator

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/evetech/cp-simulator/internal/device"
	"github.com/evetech/cp-simulator/internal/events"
	"github.com/evetech/cp-simulator/internal/telemetry"
)

// Supervisor applies the error recovery policy: UnknownException triggers a
// re-initialize, guarded by a circuit breaker so a device failing its
// handshake cannot reconnect in a tight loop. InvalidResponse and
// ConnectionError are left to the device's own error_exit policy.
type Supervisor struct {
	dev     device.Device
	log     *zap.Logger
	pub     *events.Publisher
	breaker *gobreaker.CircuitBreaker
}

// NewSupervisor builds a supervisor for dev. The breaker opens after three
// consecutive failed re-initializations and stays open for 30 seconds.
func NewSupervisor(dev device.Device, pub *events.Publisher, log *zap.Logger) *Supervisor {
	return &Supervisor{
		dev: dev,
		log: log,
		pub: pub,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "re-initialize",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// Attach subscribes the policy to the device's error events.
func (s *Supervisor) Attach() {
	s.dev.SubscribeError(s.onError)
}

func (s *Supervisor) onError(ctx context.Context, ev device.ErrorEvent) {
	telemetry.ErrorEventsTotal.WithLabelValues(string(ev.Reason)).Inc()
	s.pub.Publish(events.KindError, ev.Description)

	if ev.Reason != device.ReasonUnknownException {
		return
	}
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.dev.ReInitialize(ctx)
	})
	if err != nil {
		s.log.Error("Re-initialize after unknown exception failed",
			zap.String("device_id", s.dev.ID()),
			zap.Error(err),
		)
	}
}
