package simulator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/evetech/cp-simulator/internal/device"
)

func TestSupervisorReinitializesOnUnknownException(t *testing.T) {
	dev := newFakeDevice(t)
	NewSupervisor(dev, nil, zap.NewNop()).Attach()

	dev.HandleError(context.Background(), "flow panic", device.ReasonUnknownException)
	_, _, reinits := dev.counts()
	assert.Equal(t, 1, reinits)
}

func TestSupervisorLeavesOtherReasonsAlone(t *testing.T) {
	dev := newFakeDevice(t)
	dev.ErrorExit = false
	NewSupervisor(dev, nil, zap.NewNop()).Attach()

	dev.HandleError(context.Background(), "timeout", device.ReasonInvalidResponse)
	dev.HandleError(context.Background(), "closed", device.ReasonConnectionError)
	_, _, reinits := dev.counts()
	assert.Zero(t, reinits)
}

func TestSupervisorBreakerStopsReconnectStorm(t *testing.T) {
	dev := newFakeDevice(t)
	dev.reinitErr = errors.New("dial refused")
	NewSupervisor(dev, nil, zap.NewNop()).Attach()

	for i := 0; i < 5; i++ {
		dev.HandleError(context.Background(), "flow panic", device.ReasonUnknownException)
	}
	_, _, reinits := dev.counts()
	assert.Equal(t, 3, reinits, "breaker opens after three consecutive failures")
}
