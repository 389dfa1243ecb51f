package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/evetech/cp-simulator/internal/telemetry"
)

// WebSocket is the OCPP-J transport: text frames over a WebSocket client
// connection negotiated with the configured sub-protocols.
type WebSocket struct {
	serverAddress string
	deviceID      string
	subprotocols  []string
	log           *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocket builds a transport for `<serverAddress>/<escaped deviceID>`.
func NewWebSocket(serverAddress, deviceID string, subprotocols []string, log *zap.Logger) *WebSocket {
	return &WebSocket{
		serverAddress: serverAddress,
		deviceID:      deviceID,
		subprotocols:  subprotocols,
		log:           log,
	}
}

// URL returns the connection URL the transport dials.
func (w *WebSocket) URL() string {
	return fmt.Sprintf("%s/%s", w.serverAddress, url.PathEscape(w.deviceID))
}

func (w *WebSocket) Open(ctx context.Context) error {
	dialer := websocket.Dialer{
		Subprotocols: w.subprotocols,
	}
	w.log.Info("Connecting to central system",
		zap.String("url", w.URL()),
		zap.Strings("protocols", w.subprotocols),
	)
	conn, _, err := dialer.DialContext(ctx, w.URL(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", w.URL(), err)
	}
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.log.Info("Connected", zap.String("subprotocol", conn.Subprotocol()))
	return nil
}

func (w *WebSocket) Send(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return err
	}
	telemetry.FramesTotal.WithLabelValues("out").Inc()
	return nil
}

func (w *WebSocket) Receive() ([]byte, error) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("websocket not connected")
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	telemetry.FramesTotal.WithLabelValues("in").Inc()
	return data, nil
}

// Subprotocol reports the protocol the server selected, empty before Open.
func (w *WebSocket) Subprotocol() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return ""
	}
	return w.conn.Subprotocol()
}

func (w *WebSocket) Close() error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
