package ensto

import (
	"bufio"
	"context"
	"net"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/evetech/cp-simulator/internal/device"
)

// fakeMiddleware is a line-oriented TCP server that acks every known
// message type and records everything it reads.
type fakeMiddleware struct {
	t  *testing.T
	ln net.Listener

	mu       sync.Mutex
	frames   []map[string]string
	ids      []string
	statuses []string
	conn     net.Conn
	// silent lists message ids the middleware never answers.
	silent map[string]bool

	connected chan struct{}
}

func newFakeMiddleware(t *testing.T) *fakeMiddleware {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	m := &fakeMiddleware{
		t:         t,
		ln:        ln,
		silent:    map[string]bool{},
		connected: make(chan struct{}),
	}
	go m.serve()
	t.Cleanup(func() { ln.Close() })
	return m
}

func (m *fakeMiddleware) port() int {
	return m.ln.Addr().(*net.TCPAddr).Port
}

func parseLine(line string) map[string]string {
	vals := map[string]string{}
	for _, term := range strings.Split(strings.TrimSpace(line), "&") {
		key, val, _ := strings.Cut(term, "=")
		k, _ := url.QueryUnescape(key)
		v, _ := url.QueryUnescape(val)
		vals[k] = v
	}
	return vals
}

func (m *fakeMiddleware) serve() {
	conn, err := m.ln.Accept()
	if err != nil {
		return
	}
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	close(m.connected)

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		vals := parseLine(sc.Text())
		id := vals["id"]

		m.mu.Lock()
		m.frames = append(m.frames, vals)
		// Responses to middleware-initiated messages carry ack/nack/upd;
		// only device-initiated messages are answered.
		deviceResponse := vals["ack"] != "" || vals["nack"] != "" || vals["upd"] != ""
		if !deviceResponse {
			m.ids = append(m.ids, id)
			if st, ok := vals["status"]; ok {
				m.statuses = append(m.statuses, st)
			}
		}
		silent := m.silent[id]
		m.mu.Unlock()

		if deviceResponse || silent {
			continue
		}
		var resp string
		switch id {
		case "1":
			resp = "imei=SRV&id=1&chk=X&uv=1"
		case "24":
			resp = "imei=SRV&id=24&chk=X&time=1714560000"
		case "10":
			resp = "imei=SRV&id=10&chk=X&success=1"
		case "2", "5", "43", "6":
			resp = "imei=SRV&id=" + id + "&chk=X&ack=1"
		default:
			continue
		}
		conn.Write([]byte(resp + "\n"))
	}
}

// push sends a middleware-initiated line to the device.
func (m *fakeMiddleware) push(line string) {
	<-m.connected
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	m.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, err := conn.Write([]byte(line + "\n"))
	require.NoError(m.t, err)
}

func (m *fakeMiddleware) sentIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ids...)
}

// waitForResponse blocks until the device answers a middleware message with
// the given id, returning the response fields.
func (m *fakeMiddleware) waitForResponse(id string) map[string]string {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		for _, f := range m.frames {
			if f["id"] == id && (f["ack"] != "" || f["nack"] != "" || f["upd"] != "" || f["type"] != "") {
				m.mu.Unlock()
				return f
			}
		}
		m.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	m.t.Fatalf("no response for id %s", id)
	return nil
}

func newTestDevice(t *testing.T, m *fakeMiddleware) *Device {
	t.Helper()
	d := New("D1", "127.0.0.1", m.port(), Spec{Vendor: "V", Model: "M", SW: "S"}, zap.NewNop())
	d.SetSleepFunc(func(ctx context.Context, dur time.Duration) bool { return ctx.Err() == nil })
	d.SetExitFunc(func(code int) { t.Errorf("unexpected exit with code %d", code) })
	d.ResponseTimeout = 2 * time.Second
	t.Cleanup(func() { d.End(context.Background()) })
	return d
}

func TestInitializeRegistersAndHeartbeats(t *testing.T) {
	m := newFakeMiddleware(t)
	d := newTestDevice(t, m)

	require.NoError(t, d.Initialize(context.Background()))
	assert.Equal(t, []string{"1", "24"}, m.sentIDs())

	m.mu.Lock()
	register := m.frames[0]
	m.mu.Unlock()
	assert.Equal(t, "V", register["vendor"])
	assert.Equal(t, "M", register["model"])
	assert.Equal(t, "S", register["sw"])
	assert.Equal(t, "1", register["isLoadTest"])
}

func TestFlowChargeSequence(t *testing.T) {
	m := newFakeMiddleware(t)
	d := newTestDevice(t, m)
	require.NoError(t, d.Initialize(context.Background()))

	ok := d.FlowCharge(context.Background(), true, device.FlowOptions{"rfid": "RF1"})
	require.True(t, ok)
	assert.False(t, d.Session.InProgress())

	// Boot handshake, then: authorize, status 1, start, status 1, five
	// loop rounds of meter+status, status 0, stop.
	want := []string{"1", "24", "10", "2", "5", "2"}
	for i := 0; i < 5; i++ {
		want = append(want, "43", "2")
	}
	want = append(want, "2", "6")
	assert.Equal(t, want, m.sentIDs())

	m.mu.Lock()
	statuses := append([]string(nil), m.statuses...)
	m.mu.Unlock()
	assert.Equal(t, "0", statuses[len(statuses)-1], "final status reports idle")
}

func TestAuthorizeTimeoutEmitsInvalidResponse(t *testing.T) {
	m := newFakeMiddleware(t)
	m.silent["10"] = true
	d := newTestDevice(t, m)
	d.ErrorExit = false
	d.ResponseTimeout = 100 * time.Millisecond
	require.NoError(t, d.Initialize(context.Background()))

	var events []device.ErrorEvent
	d.SubscribeError(func(ctx context.Context, ev device.ErrorEvent) { events = append(events, ev) })

	ok := d.ActionAuthorize(context.Background(), device.FlowOptions{"rfid": "RF1"})
	assert.False(t, ok)
	require.Len(t, events, 1)
	assert.Equal(t, device.ReasonInvalidResponse, events[0].Reason)
	assert.Contains(t, events[0].Description, "response timeout")
}

func TestRemoteStartRejectedWhileCharging(t *testing.T) {
	m := newFakeMiddleware(t)
	d := newTestDevice(t, m)
	require.NoError(t, d.Initialize(context.Background()))

	require.True(t, d.Session.Begin("-1", 1000, time.Now().UTC()))
	m.push("imei=D1&id=11&scmd=1&idtag=T1")

	resp := m.waitForResponse("11")
	assert.Equal(t, "1", resp["nack"])
	assert.Empty(t, resp["ack"])
}

func TestRemoteStopWithoutSessionRejected(t *testing.T) {
	m := newFakeMiddleware(t)
	d := newTestDevice(t, m)
	require.NoError(t, d.Initialize(context.Background()))

	m.push("imei=D1&id=11&scmd=0")
	resp := m.waitForResponse("11")
	assert.Equal(t, "1", resp["nack"])
}

func TestHatchOpenAcked(t *testing.T) {
	m := newFakeMiddleware(t)
	d := newTestDevice(t, m)
	require.NoError(t, d.Initialize(context.Background()))

	m.push("imei=D1&id=17")
	resp := m.waitForResponse("17")
	assert.Equal(t, "1", resp["ack"])
}

func TestSettingsReadReturnsConfigSnapshot(t *testing.T) {
	m := newFakeMiddleware(t)
	d := newTestDevice(t, m)
	require.NoError(t, d.Initialize(context.Background()))

	m.push("imei=D1&id=15&settings=1")
	resp := m.waitForResponse("15")
	assert.Equal(t, "device-simulator", resp["type"])
	assert.Equal(t, "D1", resp["identifier"])
	assert.Equal(t, "127.0.0.1", resp["server_host"])
}

func TestSettingsWriteAcked(t *testing.T) {
	m := newFakeMiddleware(t)
	d := newTestDevice(t, m)
	require.NoError(t, d.Initialize(context.Background()))

	m.push("imei=D1&id=15&settings=2")
	resp := m.waitForResponse("15")
	assert.Equal(t, "1", resp["ack"])
}

func TestSettingsUpdateEchoed(t *testing.T) {
	m := newFakeMiddleware(t)
	d := newTestDevice(t, m)
	require.NoError(t, d.Initialize(context.Background()))

	m.push("imei=D1&id=14&gprs=2&upd=1")
	resp := m.waitForResponse("14")
	assert.Equal(t, "1", resp["upd"])
}
