package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeTransport feeds frames in and records frames out.
type fakeTransport struct {
	sentCh chan []byte
	in     chan []byte
	once   sync.Once
	done   chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sentCh: make(chan []byte, 16),
		in:     make(chan []byte, 16),
		done:   make(chan struct{}),
	}
}

func (f *fakeTransport) Open(ctx context.Context) error { return nil }

func (f *fakeTransport) Send(frame []byte) error {
	f.sentCh <- frame
	return nil
}

func (f *fakeTransport) Receive() ([]byte, error) {
	select {
	case frame := <-f.in:
		return frame, nil
	case <-f.done:
		return nil, io.EOF
	}
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

// lineCodec is a pipe-delimited test codec. A non-empty fixedID makes every
// call share the same id, exercising the FIFO path.
type lineCodec struct {
	mu      sync.Mutex
	next    int
	fixedID string
}

func (c *lineCodec) EncodeCall(action string, payload any) (string, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.fixedID
	if id == "" {
		c.next++
		id = fmt.Sprintf("m%d", c.next)
	}
	return id, []byte(fmt.Sprintf("call|%s|%s|%v", id, action, payload)), nil
}

func (c *lineCodec) EncodeResult(id string, payload any) ([]byte, error) {
	return []byte(fmt.Sprintf("result|%s|%v", id, payload)), nil
}

func (c *lineCodec) Decode(frame []byte) (*Message, error) {
	parts := strings.SplitN(string(frame), "|", 4)
	switch parts[0] {
	case "result":
		return &Message{Kind: KindResult, ID: parts[1], Payload: parts[2]}, nil
	case "call":
		return &Message{Kind: KindCall, ID: parts[1], Action: parts[2], Payload: parts[3]}, nil
	case "amb":
		return &Message{Kind: KindAmbiguous, ID: parts[1], Payload: parts[2]}, nil
	default:
		return &Message{Kind: KindIgnore}, nil
	}
}

// sentID extracts the id of the next frame on the wire. Failures are
// reported with t.Error only, so it is safe off the test goroutine.
func sentID(t *testing.T, tr *fakeTransport) string {
	t.Helper()
	select {
	case frame := <-tr.sentCh:
		parts := strings.SplitN(string(frame), "|", 4)
		if len(parts) < 2 {
			t.Errorf("malformed frame %q", frame)
			return ""
		}
		return parts[1]
	case <-time.After(2 * time.Second):
		t.Error("no frame sent")
		return ""
	}
}

func TestCallResolvesMatchingResult(t *testing.T) {
	tr := newFakeTransport()
	eng := New(tr, &lineCodec{}, zap.NewNop(), time.Second)
	go eng.Run(context.Background())
	defer eng.Stop()

	go func() {
		id := sentID(t, tr)
		tr.in <- []byte("result|" + id + "|pong")
	}()

	resp, err := eng.Call(context.Background(), "Ping", "x")
	require.NoError(t, err)
	assert.Equal(t, "pong", resp)
}

func TestCallsWithSameIDResolveInOrder(t *testing.T) {
	tr := newFakeTransport()
	eng := New(tr, &lineCodec{fixedID: "24"}, zap.NewNop(), time.Second)
	go eng.Run(context.Background())
	defer eng.Stop()

	var wg sync.WaitGroup
	results := make([]any, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], _ = eng.Call(context.Background(), "First", "a")
	}()
	// The transport channel serializes sends, so the first goroutine's
	// frame is on the wire before the second starts.
	<-tr.sentCh
	go func() {
		defer wg.Done()
		results[1], _ = eng.Call(context.Background(), "Second", "b")
	}()
	<-tr.sentCh

	tr.in <- []byte("result|24|one")
	tr.in <- []byte("result|24|two")
	wg.Wait()

	assert.Equal(t, "one", results[0])
	assert.Equal(t, "two", results[1])
}

func TestCallTimeout(t *testing.T) {
	tr := newFakeTransport()
	eng := New(tr, &lineCodec{}, zap.NewNop(), 50*time.Millisecond)
	go eng.Run(context.Background())
	defer eng.Stop()

	_, err := eng.Call(context.Background(), "Ping", "x")
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Contains(t, err.Error(), "response timeout")
}

func TestTimeoutErrorMessage(t *testing.T) {
	err := &TimeoutError{Seconds: 10}
	assert.Equal(t, "response timeout, 10 seconds passed", err.Error())
}

func TestStopFailsPendingCalls(t *testing.T) {
	tr := newFakeTransport()
	eng := New(tr, &lineCodec{}, zap.NewNop(), 5*time.Second)
	go eng.Run(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := eng.Call(context.Background(), "Ping", "x")
		errCh <- err
	}()
	<-tr.sentCh
	eng.Stop()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not released")
	}
}

func TestAlternateIDResolves(t *testing.T) {
	tr := newFakeTransport()
	eng := New(tr, &lineCodec{fixedID: "5"}, zap.NewNop(), time.Second)
	go eng.Run(context.Background())
	defer eng.Stop()

	go func() {
		<-tr.sentCh
		tr.in <- []byte("result|6|done")
	}()

	resp, err := eng.Call(context.Background(), "ChargeStart", "x", WithAlternateIDs("6"))
	require.NoError(t, err)
	assert.Equal(t, "done", resp)
}

func TestInboundCallDispatchedAndAnswered(t *testing.T) {
	tr := newFakeTransport()
	eng := New(tr, &lineCodec{}, zap.NewNop(), time.Second)
	eng.SetInboundHandler(func(ctx context.Context, id, action string, payload any) any {
		assert.Equal(t, "Reset", action)
		return "accepted"
	})
	go eng.Run(context.Background())
	defer eng.Stop()

	tr.in <- []byte("call|r1|Reset|{}")

	select {
	case frame := <-tr.sentCh:
		assert.Equal(t, "result|r1|accepted", string(frame))
	case <-time.After(2 * time.Second):
		t.Fatal("no response sent")
	}
}

func TestAmbiguousPrefersPendingThenDispatches(t *testing.T) {
	tr := newFakeTransport()
	eng := New(tr, &lineCodec{fixedID: "2"}, zap.NewNop(), time.Second)
	inbound := make(chan string, 1)
	eng.SetInboundHandler(func(ctx context.Context, id, action string, payload any) any {
		inbound <- id
		return nil
	})
	go eng.Run(context.Background())
	defer eng.Stop()

	// With a pending call registered, the ambiguous frame resolves it.
	go func() {
		<-tr.sentCh
		tr.in <- []byte("amb|2|ok")
	}()
	resp, err := eng.Call(context.Background(), "StatusUpdate", "x")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)

	// Without one, the same frame goes to the inbound handler.
	tr.in <- []byte("amb|2|server-initiated")
	select {
	case id := <-inbound:
		assert.Equal(t, "2", id)
	case <-time.After(2 * time.Second):
		t.Fatal("ambiguous frame not dispatched")
	}
}

func TestOnCloseFiredOnTransportError(t *testing.T) {
	tr := newFakeTransport()
	eng := New(tr, &lineCodec{}, zap.NewNop(), time.Second)
	closed := make(chan error, 1)
	eng.SetOnClose(func(err error) { closed <- err })
	go eng.Run(context.Background())

	tr.Close()

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("onClose not fired")
	}
}
