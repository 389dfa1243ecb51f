// Package engine couples a transport and a codec into the bidirectional
// message pump every dialect shares: it correlates outbound calls with
// inbound results by id, enforces response timeouts, and dispatches
// server-initiated requests to the device's inbound handler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evetech/cp-simulator/internal/transport"
)

// Kind tags a decoded frame.
type Kind int

const (
	// KindAmbiguous marks dialects without a request/response flag on the
	// wire (Ensto); the pending table decides.
	KindAmbiguous Kind = iota
	// KindCall is a server-initiated request.
	KindCall
	// KindResult is a response to a call we sent.
	KindResult
	// KindIgnore is a frame the dialect drops at debug level (e.g. the
	// OCPP-J CallError envelope).
	KindIgnore
)

// Message is the uniform decoded frame shape shared by all codecs. Payload
// is dialect-typed: json.RawMessage for OCPP-J, ensto.Values for Ensto.
type Message struct {
	Kind    Kind
	ID      string
	Action  string
	Payload any
}

// Codec encodes outbound calls/results and decodes inbound frames for one
// protocol dialect.
type Codec interface {
	EncodeCall(action string, payload any) (id string, frame []byte, err error)
	EncodeResult(id string, payload any) ([]byte, error)
	Decode(frame []byte) (*Message, error)
}

// InboundHandler processes a server-initiated request and returns the
// response payload, or nil to suppress the response (unknown action).
type InboundHandler func(ctx context.Context, id, action string, payload any) any

// ErrClosed resolves pending calls when the connection goes away.
var ErrClosed = errors.New("connection closed")

// TimeoutError resolves a call whose response never arrived. Its message is
// the exact sentinel text the original device firmware logs.
type TimeoutError struct {
	Seconds int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("response timeout, %d seconds passed", e.Seconds)
}

// IsTimeout reports whether err is a response timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

type pendingCall struct {
	action string
	altIDs []string
	ch     chan any
}

// Engine owns the transport, the pending-call table and the reader loop.
type Engine struct {
	tr      transport.Transport
	codec   Codec
	log     *zap.Logger
	timeout time.Duration

	inbound InboundHandler
	onClose func(err error)

	mu      sync.Mutex
	pending map[string][]*pendingCall
	closed  bool
	done    chan struct{}
}

// New builds an engine. timeout bounds every Call; the zero value falls back
// to 10 seconds.
func New(tr transport.Transport, codec Codec, log *zap.Logger, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Engine{
		tr:      tr,
		codec:   codec,
		log:     log,
		timeout: timeout,
		pending: make(map[string][]*pendingCall),
		done:    make(chan struct{}),
	}
}

// SetInboundHandler registers the device-side handler for server-initiated
// requests. Must be called before Run.
func (e *Engine) SetInboundHandler(h InboundHandler) { e.inbound = h }

// SetOnClose registers a callback fired once when the connection closes with
// the transport error. Must be called before Run.
func (e *Engine) SetOnClose(fn func(err error)) { e.onClose = fn }

// CallOption tweaks a single Call.
type CallOption func(*pendingCall)

// WithAlternateIDs lists reply ids that, while different from the request
// id, still complete this call. Only the Ensto dialect needs this.
func WithAlternateIDs(ids ...string) CallOption {
	return func(p *pendingCall) { p.altIDs = ids }
}

// Call encodes and sends one request, then blocks until the matching
// response arrives, the response timeout elapses, or the connection closes.
func (e *Engine) Call(ctx context.Context, action string, payload any, opts ...CallOption) (any, error) {
	id, frame, err := e.codec.EncodeCall(action, payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", action, err)
	}
	return e.CallRaw(ctx, action, id, frame, opts...)
}

// CallRaw sends a pre-encoded frame registered under id. Interactive mode
// uses it to push hand-written frames through the normal correlation path.
func (e *Engine) CallRaw(ctx context.Context, action, id string, frame []byte, opts ...CallOption) (any, error) {
	call := &pendingCall{action: action, ch: make(chan any, 1)}
	for _, opt := range opts {
		opt(call)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.pending[id] = append(e.pending[id], call)
	e.mu.Unlock()

	if err := e.tr.Send(frame); err != nil {
		e.remove(id, call)
		return nil, fmt.Errorf("send %s: %w", action, err)
	}
	e.log.Debug("By-device request sent",
		zap.String("action", action),
		zap.String("id", id),
		zap.ByteString("frame", frame),
	)

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()
	select {
	case resp := <-call.ch:
		if err, ok := resp.(error); ok {
			return nil, err
		}
		return resp, nil
	case <-timer.C:
		e.remove(id, call)
		return nil, &TimeoutError{Seconds: int(e.timeout / time.Second)}
	case <-ctx.Done():
		e.remove(id, call)
		return nil, ctx.Err()
	case <-e.done:
		return nil, ErrClosed
	}
}

func (e *Engine) remove(id string, call *pendingCall) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.pending[id]
	for i, p := range list {
		if p == call {
			e.pending[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(e.pending[id]) == 0 {
		delete(e.pending, id)
	}
}

// resolve pops the pending call matching msg.ID, falling back to a scan of
// alternate ids. Matches are delivered FIFO per id.
func (e *Engine) resolve(msg *Message) bool {
	e.mu.Lock()
	var call *pendingCall
	if list := e.pending[msg.ID]; len(list) > 0 {
		call = list[0]
		e.pending[msg.ID] = list[1:]
		if len(e.pending[msg.ID]) == 0 {
			delete(e.pending, msg.ID)
		}
	} else {
	scan:
		for id, list := range e.pending {
			for i, p := range list {
				for _, alt := range p.altIDs {
					if alt == msg.ID {
						call = p
						e.pending[id] = append(list[:i], list[i+1:]...)
						if len(e.pending[id]) == 0 {
							delete(e.pending, id)
						}
						break scan
					}
				}
			}
		}
	}
	e.mu.Unlock()

	if call == nil {
		return false
	}
	e.log.Debug("By-device request completed",
		zap.String("action", call.action),
		zap.String("id", msg.ID),
	)
	call.ch <- msg.Payload
	return true
}

// Run drives the reader loop until the connection closes or Stop is called.
// Inbound server requests are fully handled, response included, before the
// next frame is read.
func (e *Engine) Run(ctx context.Context) error {
	for {
		frame, err := e.tr.Receive()
		if err != nil {
			e.shutdown(err)
			return err
		}
		msg, err := e.codec.Decode(frame)
		if err != nil {
			e.log.Warn("Device read, invalid frame", zap.ByteString("frame", frame), zap.Error(err))
			continue
		}
		switch msg.Kind {
		case KindResult:
			if !e.resolve(msg) {
				e.log.Warn("Device read, response without pending request",
					zap.String("id", msg.ID),
					zap.ByteString("frame", frame),
				)
			}
		case KindCall:
			e.dispatch(ctx, msg, frame)
		case KindAmbiguous:
			if !e.resolve(msg) {
				e.dispatch(ctx, msg, frame)
			}
		default:
			e.log.Debug("Device read, ignored frame", zap.ByteString("frame", frame))
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, msg *Message, frame []byte) {
	if e.inbound == nil {
		e.log.Warn("Device read, request with no handler", zap.String("action", msg.Action))
		return
	}
	e.log.Debug("Device read, request", zap.String("action", msg.Action), zap.ByteString("frame", frame))
	resp := e.inbound(ctx, msg.ID, msg.Action, msg.Payload)
	if resp == nil {
		return
	}
	out, err := e.codec.EncodeResult(msg.ID, resp)
	if err != nil {
		e.log.Error("Encode response failed", zap.String("action", msg.Action), zap.Error(err))
		return
	}
	if err := e.tr.Send(out); err != nil {
		e.log.Error("Send response failed", zap.String("action", msg.Action), zap.Error(err))
		return
	}
	e.log.Debug("Device read, request responded", zap.ByteString("frame", out))
}

// Stop fails all pending calls and closes the transport.
func (e *Engine) Stop() {
	e.shutdown(ErrClosed)
	_ = e.tr.Close()
}

func (e *Engine) shutdown(cause error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	pending := e.pending
	e.pending = make(map[string][]*pendingCall)
	close(e.done)
	e.mu.Unlock()

	for _, list := range pending {
		for _, call := range list {
			call.ch <- fmt.Errorf("%w: %v", ErrClosed, cause)
		}
	}
	if e.onClose != nil && !errors.Is(cause, ErrClosed) {
		e.onClose(cause)
	}
}
