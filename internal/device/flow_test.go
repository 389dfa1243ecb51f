package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordedRound struct {
	meterValue int
	timestamp  string
}

type fakeOngoing struct {
	meterCalls []recordedRound
	loopRounds int
	session    *Session
	// stopAfter drops the session flag after this many loop rounds when
	// positive, simulating a remote stop.
	stopAfter int
}

func (f *fakeOngoing) ActionMeterValue(ctx context.Context, opts FlowOptions) bool {
	mv, _ := opts.MeterValueOverride()
	ts, _ := opts.TimestampOverride()
	f.meterCalls = append(f.meterCalls, recordedRound{meterValue: mv, timestamp: ts})
	return true
}

func (f *fakeOngoing) FlowChargeOngoingActions(ctx context.Context, opts FlowOptions) bool {
	f.loopRounds++
	if f.stopAfter > 0 && f.loopRounds >= f.stopAfter {
		f.session.Clear()
	}
	return true
}

func newTestBase(t *testing.T) *Base {
	t.Helper()
	b := NewBase("D1", zap.NewNop())
	b.SetSleepFunc(func(ctx context.Context, d time.Duration) bool { return ctx.Err() == nil })
	b.SetExitFunc(func(code int) { t.Fatalf("unexpected exit with code %d", code) })
	return &b
}

func TestOngoingLoopScriptedReplaysEntries(t *testing.T) {
	b := newTestBase(t)
	f := &fakeOngoing{session: &b.Session}
	opts := FlowOptions{"meterValues": []any{
		map[string]any{"meterValue": 1100, "timestamp": "2024-05-01T12:01:00Z", "secondsToSleep": 0},
		map[string]any{"meterValue": 1200, "timestamp": "2024-05-01T12:02:00Z", "secondsToSleep": 0},
	}}

	ok := b.FlowChargeOngoingLoop(context.Background(), f, false, opts)
	require.True(t, ok)
	require.Len(t, f.meterCalls, 2)
	assert.Equal(t, 1100, f.meterCalls[0].meterValue)
	assert.Equal(t, "2024-05-01T12:02:00Z", f.meterCalls[1].timestamp)
	assert.Zero(t, f.loopRounds, "scripted mode never runs periodic actions")
	// The shared option map is untouched by the per-entry overrides.
	_, hasOverride := opts.MeterValueOverride()
	assert.False(t, hasOverride)
}

func TestOngoingLoopScriptedMalformed(t *testing.T) {
	b := newTestBase(t)
	b.ErrorExit = false
	f := &fakeOngoing{session: &b.Session}

	ok := b.FlowChargeOngoingLoop(context.Background(), f, false, FlowOptions{"meterValues": "nope"})
	assert.False(t, ok)
}

func TestOngoingLoopAutoStopAfterFiveRounds(t *testing.T) {
	b := newTestBase(t)
	b.Session.Begin("7", 1000, time.Now().UTC())
	f := &fakeOngoing{session: &b.Session}

	ok := b.FlowChargeOngoingLoop(context.Background(), f, true, FlowOptions{})
	require.True(t, ok)
	assert.Equal(t, 5, f.loopRounds)
}

func TestOngoingLoopStopsWhenSessionCleared(t *testing.T) {
	b := newTestBase(t)
	b.Session.Begin("7", 1000, time.Now().UTC())
	f := &fakeOngoing{session: &b.Session, stopAfter: 2}

	ok := b.FlowChargeOngoingLoop(context.Background(), f, false, FlowOptions{})
	require.True(t, ok)
	assert.Equal(t, 2, f.loopRounds)
}

func TestOngoingLoopNoSessionReturnsImmediately(t *testing.T) {
	b := newTestBase(t)
	f := &fakeOngoing{session: &b.Session}

	ok := b.FlowChargeOngoingLoop(context.Background(), f, false, FlowOptions{})
	require.True(t, ok)
	assert.Zero(t, f.loopRounds)
}

func TestHandleErrorNotifiesSubscribersAndExits(t *testing.T) {
	b := NewBase("D1", zap.NewNop())
	b.SetSleepFunc(func(ctx context.Context, d time.Duration) bool { return true })
	exitCode := -1
	b.SetExitFunc(func(code int) { exitCode = code })

	var got []ErrorEvent
	b.SubscribeError(func(ctx context.Context, ev ErrorEvent) { got = append(got, ev) })

	ok := b.HandleError(context.Background(), "boom", ReasonInvalidResponse)
	assert.False(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, ReasonInvalidResponse, got[0].Reason)
	assert.Equal(t, "boom", got[0].Description)
	assert.Equal(t, 1, exitCode, "subscribers run before the exit")
}

func TestHandleErrorNoExitWhenDisabled(t *testing.T) {
	b := NewBase("D1", zap.NewNop())
	b.ErrorExit = false
	b.SetExitFunc(func(code int) { t.Fatalf("unexpected exit with code %d", code) })

	assert.False(t, b.HandleError(context.Background(), "boom", ReasonConnectionError))
}

func TestHandleErrorUnknownExceptionNeverExits(t *testing.T) {
	b := NewBase("D1", zap.NewNop())
	b.SetExitFunc(func(code int) { t.Fatalf("unexpected exit with code %d", code) })

	var got []ErrorEvent
	b.SubscribeError(func(ctx context.Context, ev ErrorEvent) { got = append(got, ev) })

	assert.False(t, b.HandleError(context.Background(), "panic in flow", ReasonUnknownException))
	require.Len(t, got, 1)
	assert.Equal(t, ReasonUnknownException, got[0].Reason)
}
