// Package ensto implements the proprietary Ensto key/value dialect: one
// URL-encoded line per message over a raw TCP stream, correlated by the
// numeric `id` key because the wire has no request/response flag.
package ensto

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/evetech/cp-simulator/internal/engine"
)

// Values is an order-preserving key/value set. Field order on the wire is
// part of what the middleware parses, so encoding replays insertion order.
type Values struct {
	keys []string
	m    map[string]string
}

// NewValues returns an empty set.
func NewValues() *Values {
	return &Values{m: make(map[string]string)}
}

// Set adds or overwrites a key, keeping its original position on overwrite.
func (v *Values) Set(key, value string) *Values {
	if _, ok := v.m[key]; !ok {
		v.keys = append(v.keys, key)
	}
	v.m[key] = value
	return v
}

// Get returns the value and whether the key is present. A key that appeared
// on the wire without '=' is present with an empty value.
func (v *Values) Get(key string) (string, bool) {
	val, ok := v.m[key]
	return val, ok
}

// Has reports key presence; most Ensto success predicates only check this.
func (v *Values) Has(key string) bool {
	_, ok := v.m[key]
	return ok
}

// Del removes a key.
func (v *Values) Del(key string) {
	if _, ok := v.m[key]; !ok {
		return
	}
	delete(v.m, key)
	for i, k := range v.keys {
		if k == key {
			v.keys = append(v.keys[:i], v.keys[i+1:]...)
			break
		}
	}
}

// ID returns the message type id, empty when absent.
func (v *Values) ID() string {
	id, _ := v.m["id"]
	return id
}

// String renders the key/value pairs without the imei prefix; used for logs
// and the interactive loop.
func (v *Values) String() string {
	var b strings.Builder
	for i, k := range v.keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(v.m[k]))
	}
	return b.String()
}

// Codec implements engine.Codec for the Ensto line protocol. Every outbound
// frame is prefixed with the device imei.
type Codec struct {
	DeviceID string
}

func (c Codec) encode(v *Values) []byte {
	var b strings.Builder
	b.WriteString("imei=")
	b.WriteString(url.QueryEscape(c.DeviceID))
	for _, k := range v.keys {
		b.WriteByte('&')
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(v.m[k]))
	}
	return []byte(b.String())
}

// EncodeCall serializes payload (a *Values) and correlates it by its id key.
func (c Codec) EncodeCall(action string, payload any) (string, []byte, error) {
	v, ok := payload.(*Values)
	if !ok {
		return "", nil, fmt.Errorf("ensto payload must be *Values, got %T", payload)
	}
	id := v.ID()
	if id == "" {
		return "", nil, fmt.Errorf("ensto payload for %s has no id", action)
	}
	return id, c.encode(v), nil
}

// EncodeResult serializes a response to a middleware request, echoing the
// request id as the trailing key.
func (c Codec) EncodeResult(id string, payload any) ([]byte, error) {
	v, ok := payload.(*Values)
	if !ok {
		return nil, fmt.Errorf("ensto response must be *Values, got %T", payload)
	}
	if !v.Has("id") {
		v.Set("id", id)
	}
	return c.encode(v), nil
}

// Decode parses one line into Values. The dialect has no request/response
// flag, so every frame is ambiguous: the engine first tries the pending
// table, then falls back to the inbound handler.
func (c Codec) Decode(frame []byte) (*engine.Message, error) {
	v := NewValues()
	for _, term := range strings.Split(string(frame), "&") {
		if term == "" {
			continue
		}
		key, rawVal, _ := strings.Cut(term, "=")
		k, err := url.QueryUnescape(key)
		if err != nil {
			return nil, fmt.Errorf("invalid key %q: %w", key, err)
		}
		val, err := url.QueryUnescape(rawVal)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %q: %w", k, err)
		}
		v.Set(k, val)
	}
	id := v.ID()
	if id == "" {
		return nil, fmt.Errorf("frame has no id key")
	}
	return &engine.Message{Kind: engine.KindAmbiguous, ID: id, Action: id, Payload: v}, nil
}
