package bus

import (
	"encoding/json"
	"math"
	"strconv"
)

// RawMessageKey holds the undecoded text of a payload that was not a JSON object.
const RawMessageKey = "raw_message"

// Payload is a decoded inbound JSON object.
type Payload map[string]any

// Float reads a numeric field. JSON numbers decode as float64; numeric
// strings are accepted too since some devices quote their values.
func (p Payload) Float(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// Int reads an integral numeric field.
func (p Payload) Int(key string) (int, bool) {
	f, ok := p.Float(key)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

func (p Payload) String(key string) (string, bool) {
	s, ok := p[key].(string)
	return s, ok
}

// IsRaw reports whether the payload is the wrapper produced for undecodable input.
func (p Payload) IsRaw() bool {
	_, ok := p[RawMessageKey]
	return ok && len(p) == 1
}

type Message struct {
	Topic   string
	Payload Payload
	Raw     []byte
}

type Handler func(Message)

// decodePayload never fails: anything that is not a JSON object comes back as
// {"raw_message": text} with ok=false.
func decodePayload(raw []byte) (Payload, bool) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil || p == nil {
		return Payload{RawMessageKey: string(raw)}, false
	}
	return p, true
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}
