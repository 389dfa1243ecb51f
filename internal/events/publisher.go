// Package events publishes simulator lifecycle events to NATS when an
// event bus is configured. Publishing is best-effort: a failed publish is
// logged and never fails the flow that produced the event.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event is the JSON shape published to `cp.sim.<deviceId>.events`.
type Event struct {
	DeviceID  string    `json:"device_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event kinds.
const (
	KindFlowStarted    = "flow_started"
	KindFlowFinished   = "flow_finished"
	KindFlowFailed     = "flow_failed"
	KindError          = "error"
	KindSessionStarted = "session_started"
	KindSessionEnded   = "session_ended"
)

// Publisher pushes events for one device.
type Publisher struct {
	conn     *nats.Conn
	deviceID string
	log      *zap.Logger
}

// Connect dials the NATS server and binds the publisher to deviceID.
func Connect(url, deviceID string, log *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	log.Info("Connected to event bus", zap.String("url", url))
	return &Publisher{conn: nc, deviceID: deviceID, log: log}, nil
}

func (p *Publisher) subject() string {
	return fmt.Sprintf("cp.sim.%s.events", p.deviceID)
}

// Publish sends one event; errors are logged, not returned.
func (p *Publisher) Publish(kind, detail string) {
	if p == nil {
		return
	}
	data, err := json.Marshal(Event{
		DeviceID:  p.deviceID,
		Kind:      kind,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		p.log.Error("Encode event failed", zap.Error(err))
		return
	}
	if err := p.conn.Publish(p.subject(), data); err != nil {
		p.log.Error("Publish event failed", zap.String("subject", p.subject()), zap.Error(err))
	}
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.conn.Close()
}
