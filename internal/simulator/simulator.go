package simulator

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/evetech/cp-simulator/internal/device"
	"github.com/evetech/cp-simulator/internal/events"
)

type frequentEntry struct {
	flow     Flow
	opts     *FrequentFlowOptions
	inFlight atomic.Bool
}

// Simulator drives one device through its configured flows.
type Simulator struct {
	name string
	dev  device.Device
	log  *zap.Logger

	FlowChargeOptions   device.FlowOptions
	FrequentFlowEnabled bool
	IsInteractive       bool

	entries []*frequentEntry
	pub     *events.Publisher

	ended atomic.Bool
	// tickInterval is the logical clock period; tests shrink it.
	tickInterval time.Duration
}

// New builds a simulator for dev.
func New(name string, dev device.Device, log *zap.Logger) *Simulator {
	return &Simulator{
		name:         name,
		dev:          dev,
		log:          log,
		tickInterval: time.Second,
	}
}

func (s *Simulator) Name() string          { return s.name }
func (s *Simulator) Device() device.Device { return s.dev }

// SetPublisher attaches the optional event bus.
func (s *Simulator) SetPublisher(pub *events.Publisher) { s.pub = pub }

// SetTickInterval overrides the scheduler clock period, for tests.
func (s *Simulator) SetTickInterval(d time.Duration) { s.tickInterval = d }

// AddFrequentFlow registers a flow on the frequent schedule.
func (s *Simulator) AddFrequentFlow(flow Flow, opts *FrequentFlowOptions) {
	s.entries = append(s.entries, &frequentEntry{flow: flow, opts: opts})
}

// Initialize connects the device.
func (s *Simulator) Initialize(ctx context.Context) error {
	s.log.Info("Initialize", zap.String("simulation", s.name))
	return s.dev.Initialize(ctx)
}

// LifecycleStart runs the configured loops and returns when all of them
// finish.
func (s *Simulator) LifecycleStart(ctx context.Context) {
	var wg sync.WaitGroup
	if s.IsInteractive {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loopInteractive(ctx)
		}()
	}
	if s.FrequentFlowEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.LoopFlowFrequent(ctx)
		}()
	}
	wg.Wait()
}

// End stops the loops and disconnects the device.
func (s *Simulator) End(ctx context.Context) error {
	s.ended.Store(true)
	return s.dev.End(ctx)
}

// LoopFlowFrequent is the 1 Hz scheduler: each tick it starts every due
// entry as its own task, never overlapping an entry with itself, and exits
// once every entry has exhausted its count and the in-flight tasks drained.
func (s *Simulator) LoopFlowFrequent(ctx context.Context) {
	tick := 0
	var wg sync.WaitGroup
	for !s.ended.Load() {
		if !s.sleep(ctx, s.tickInterval) {
			break
		}
		tick++

		for _, entry := range s.entries {
			if entry.inFlight.Load() {
				continue
			}
			if !entry.opts.due(tick) {
				continue
			}
			s.log.Info("Frequent flow started",
				zap.String("flow", string(entry.flow)),
				zap.Int("tick", tick),
			)
			entry.inFlight.Store(true)
			wg.Add(1)
			go func(entry *frequentEntry) {
				defer wg.Done()
				defer entry.inFlight.Store(false)
				s.runFlow(ctx, entry.flow)
			}(entry)
			entry.opts.mark(tick)
		}

		// An empty schedule is exhausted from the first tick.
		allDone := true
		for _, entry := range s.entries {
			if !entry.opts.exhausted() {
				allDone = false
				break
			}
		}
		if allDone {
			s.log.Info("No more frequent flows to run, waiting for running tasks")
			wg.Wait()
			s.log.Info("No more frequent flows to run, exiting loop")
			return
		}
	}
	wg.Wait()
}

// runFlow executes one flow task. Panics are trapped and surfaced as
// UnknownException so a misbehaving flow never kills the scheduler.
func (s *Simulator) runFlow(ctx context.Context, flow Flow) {
	defer func() {
		if r := recover(); r != nil {
			s.dev.HandleError(ctx, fmt.Sprintf("flow %s panic: %v", flow, r),
				device.ReasonUnknownException)
		}
	}()

	s.pub.Publish(events.KindFlowStarted, string(flow))
	var ok bool
	switch flow {
	case FlowHeartbeat:
		ok = s.dev.FlowHeartbeat(ctx)
	case FlowAuthorize:
		ok = s.dev.FlowAuthorize(ctx, s.FlowChargeOptions)
	case FlowCharge:
		ok = s.dev.FlowCharge(ctx, s.chargeAutoStop(), s.FlowChargeOptions)
	}
	if ok {
		s.pub.Publish(events.KindFlowFinished, string(flow))
	} else {
		s.pub.Publish(events.KindFlowFailed, string(flow))
	}
}

// chargeAutoStop decides the scheduled charge flow's autoStop argument.
// Default true so finite schedules terminate; the auto_stop option
// overrides.
func (s *Simulator) chargeAutoStop() bool {
	if _, ok := s.FlowChargeOptions["auto_stop"]; ok {
		return s.FlowChargeOptions.Bool("auto_stop")
	}
	return true
}

func (s *Simulator) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// loopInteractive is the operator menu.
func (s *Simulator) loopInteractive(ctx context.Context) {
	sc := bufio.NewScanner(os.Stdin)
	for !s.ended.Load() {
		fmt.Println("\nWhat should I do? (enter the number + enter)\n0: Exit\n1: Flow charge\n2: Flow heartbeat\n3: Custom")
		if !sc.Scan() {
			return
		}
		switch sc.Text() {
		case "0":
			return
		case "1":
			s.dev.FlowCharge(ctx, true, s.FlowChargeOptions)
		case "2":
			s.dev.FlowHeartbeat(ctx)
		case "3":
			s.dev.InteractiveCustom(ctx)
		}
	}
}
