package device

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultResponseTimeout is used when neither the config file nor the
// RESPONSE_TIMEOUT_SECONDS environment variable override it.
const DefaultResponseTimeout = 10 * time.Second

// Device is the dialect-independent contract a simulated charge point
// implements. Actions map one-to-one to protocol operations and report
// success as a boolean; flows sequence actions and short-circuit on the
// first failure.
type Device interface {
	ID() string
	Name() string
	SetName(name string)

	Initialize(ctx context.Context) error
	End(ctx context.Context) error
	ReInitialize(ctx context.Context) error

	ActionRegister(ctx context.Context) bool
	ActionHeartbeat(ctx context.Context) bool
	ActionAuthorize(ctx context.Context, opts FlowOptions) bool
	ActionStatusUpdate(ctx context.Context, status string, opts FlowOptions) bool
	ActionChargeStart(ctx context.Context, opts FlowOptions) bool
	ActionMeterValue(ctx context.Context, opts FlowOptions) bool
	ActionChargeStop(ctx context.Context, opts FlowOptions) bool
	ActionDataTransfer(ctx context.Context, opts FlowOptions) bool

	FlowHeartbeat(ctx context.Context) bool
	FlowAuthorize(ctx context.Context, opts FlowOptions) bool
	FlowCharge(ctx context.Context, autoStop bool, opts FlowOptions) bool
	FlowChargeStop(ctx context.Context)

	SubscribeError(fn ErrorSubscriber)
	ErrorExitEnabled() bool
	HandleError(ctx context.Context, desc string, reason ErrorReason) bool

	// Settings exposes the shared base for wiring done at build time.
	Settings() *Base

	InteractiveCustom(ctx context.Context)
}

// Base carries the state and behavior every dialect shares: identity,
// session, error fan-out and the exit policy.
type Base struct {
	deviceID string
	name     string
	log      *zap.Logger

	RegisterOnInitialize bool
	ErrorExit            bool
	ResponseTimeout      time.Duration

	Session Session

	mu          sync.Mutex
	subscribers []ErrorSubscriber

	exitFn  func(code int)
	sleepFn func(ctx context.Context, d time.Duration) bool
}

// NewBase builds the shared device state with the defaults the original
// firmware simulator ships with.
func NewBase(deviceID string, log *zap.Logger) Base {
	return Base{
		deviceID:             deviceID,
		log:                  log,
		RegisterOnInitialize: true,
		ErrorExit:            true,
		ResponseTimeout:      DefaultResponseTimeout,
		exitFn:               os.Exit,
		sleepFn:              sleepCtx,
	}
}

func (b *Base) ID() string        { return b.deviceID }
func (b *Base) Name() string      { return b.name }
func (b *Base) SetName(n string)  { b.name = n }
func (b *Base) Log() *zap.Logger  { return b.log }
func (b *Base) ErrorExitEnabled() bool { return b.ErrorExit }
func (b *Base) Settings() *Base        { return b }

// SubscribeError registers a subscriber invoked for every error event the
// device raises. Subscribers run synchronously in registration order.
func (b *Base) SubscribeError(fn ErrorSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

// SetExitFunc overrides process termination, for tests and supervisors.
func (b *Base) SetExitFunc(fn func(code int)) { b.exitFn = fn }

// SetSleepFunc overrides the flow sleep primitive, for tests.
func (b *Base) SetSleepFunc(fn func(ctx context.Context, d time.Duration) bool) { b.sleepFn = fn }

// HandleError logs the failure, notifies all subscribers and, when the
// device is configured with error_exit, terminates the process after the
// subscribers have run. UnknownException never exits: it is the one class
// the subscriber policy recovers by re-initializing. HandleError always
// reports false so callers can `return b.HandleError(...)` from action
// bodies.
func (b *Base) HandleError(ctx context.Context, desc string, reason ErrorReason) bool {
	b.log.Error("Device error",
		zap.String("device_id", b.deviceID),
		zap.String("reason", string(reason)),
		zap.String("description", desc),
	)
	b.mu.Lock()
	subs := make([]ErrorSubscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(ctx, ErrorEvent{Description: desc, Reason: reason})
	}
	if b.ErrorExit && reason != ReasonUnknownException {
		b.exitFn(1)
	}
	return false
}

// Sleep pauses for d or until ctx is cancelled. It reports false when the
// wait was cut short.
func (b *Base) Sleep(ctx context.Context, d time.Duration) bool {
	return b.sleepFn(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// RunAfter schedules fn on its own goroutine after delay, respecting ctx.
// Server-initiated commands (remote start/stop, reset, trigger) use it so
// the reader loop is never blocked by the follow-up work.
func (b *Base) RunAfter(ctx context.Context, delay time.Duration, fn func(ctx context.Context)) {
	go func() {
		if !b.Sleep(ctx, delay) {
			return
		}
		fn(ctx)
	}()
}

// UTCNow returns the current time in UTC; wire timestamps are always UTC
// RFC 3339.
func UTCNow() time.Time { return time.Now().UTC() }

// Timestamp formats t the way every dialect serializes timestamps.
func Timestamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }
