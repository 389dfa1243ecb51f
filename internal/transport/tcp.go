package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/evetech/cp-simulator/internal/telemetry"
)

// TCP is the Ensto transport: one frame per newline-terminated line. The
// writer appends the delimiter when the codec did not.
type TCP struct {
	host string
	port int
	log  *zap.Logger

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// NewTCP builds a line-framed TCP transport.
func NewTCP(host string, port int, log *zap.Logger) *TCP {
	return &TCP{host: host, port: port, log: log}
}

func (t *TCP) Open(ctx context.Context) error {
	addr := net.JoinHostPort(t.host, fmt.Sprintf("%d", t.port))
	t.log.Info("Connecting to central system", zap.String("addr", addr))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp dial %s: %w", addr, err)
	}
	t.mu.Lock()
	t.conn = conn
	t.reader = bufio.NewReader(conn)
	t.mu.Unlock()
	t.log.Info("Connected")
	return nil
}

func (t *TCP) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("tcp not connected")
	}
	if !bytes.HasSuffix(frame, []byte("\n")) {
		frame = append(append([]byte(nil), frame...), '\n')
	}
	_, err := t.conn.Write(frame)
	if err == nil {
		telemetry.FramesTotal.WithLabelValues("out").Inc()
	}
	return err
}

func (t *TCP) Receive() ([]byte, error) {
	t.mu.Lock()
	reader := t.reader
	t.mu.Unlock()
	if reader == nil {
		return nil, fmt.Errorf("tcp not connected")
	}
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	telemetry.FramesTotal.WithLabelValues("in").Inc()
	return bytes.TrimRight(line, "\r\n"), nil
}

func (t *TCP) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.reader = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
