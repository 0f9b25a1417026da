package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
)

// MsgType is the envelope "msgtype" field.
type MsgType int

const (
	MsgNormal   MsgType = 0
	MsgRequest  MsgType = 1
	MsgResponse MsgType = 2
)

// Envelope body keys understood by the device.
const (
	KeyHard     = "hard"
	KeyTransmit = "transmit"
	KeyControl  = "control"
	KeyGrowth   = "growth"
	KeyMotor    = "motor"
	KeyDatabase = "database"
	KeySDKs     = "sdks"
	KeySearch   = "search"
)

// Result codes carried in responses and completion bodies.
const (
	ResultSuccess = 100
	ResultFail    = 101
)

// keyCode is the top-level result code of a bare response.
const keyCode = "code"

// Video control values for {"control":{"video":n}}.
const (
	VideoOn  = 101
	VideoOff = 102
)

// FirstSeq is where a fresh Counter starts.
const FirstSeq = 1000

// Envelope is the JSON control message {"seq":n,"msgtype":t,<key>:{...}}.
// Body holds every key other than seq and msgtype.
type Envelope struct {
	Seq     int
	MsgType MsgType
	Body    map[string]json.RawMessage
}

// NewEnvelope builds an envelope with a single body key.
func NewEnvelope(seq int, mt MsgType, key string, body any) (Envelope, error) {
	if key == "" || key == "seq" || key == "msgtype" {
		return Envelope{}, fmt.Errorf("invalid body key %q", key)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s body: %w", key, err)
	}
	return Envelope{
		Seq:     seq,
		MsgType: mt,
		Body:    map[string]json.RawMessage{key: raw},
	}, nil
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.Body)+2)
	for k, v := range e.Body {
		out[k] = v
	}
	seq, _ := json.Marshal(e.Seq)
	mt, _ := json.Marshal(int(e.MsgType))
	out["seq"] = seq
	out["msgtype"] = mt
	return json.Marshal(out)
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	seqRaw, ok := raw["seq"]
	if !ok {
		return errors.New("envelope missing seq")
	}
	if err := json.Unmarshal(seqRaw, &e.Seq); err != nil {
		return fmt.Errorf("envelope seq: %w", err)
	}
	var mt int
	if mtRaw, ok := raw["msgtype"]; ok {
		if err := json.Unmarshal(mtRaw, &mt); err != nil {
			return fmt.Errorf("envelope msgtype: %w", err)
		}
	}
	e.MsgType = MsgType(mt)
	delete(raw, "seq")
	delete(raw, "msgtype")
	e.Body = raw
	return nil
}

// Encode marshals the envelope and enforces MaxMessageSize.
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	if len(b) > MaxMessageSize {
		return nil, fmt.Errorf("%w: envelope %d bytes", ErrPayloadTooLarge, len(b))
	}
	return b, nil
}

// DecodeEnvelope parses a control message payload.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return e, nil
}

// Has reports whether the envelope carries key.
func (e Envelope) Has(key string) bool {
	_, ok := e.Body[key]
	return ok
}

// DecodeBody unmarshals the body under key into out.
func (e Envelope) DecodeBody(key string, out any) error {
	raw, ok := e.Body[key]
	if !ok {
		return fmt.Errorf("envelope has no %q body", key)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal %s body: %w", key, err)
	}
	return nil
}

// Code returns the top-level result code of a response, if it carries one.
func (e Envelope) Code() (int, bool) {
	raw, ok := e.Body[keyCode]
	if !ok {
		return 0, false
	}
	var code int
	if json.Unmarshal(raw, &code) != nil {
		return 0, false
	}
	return code, true
}

// Result returns the "result" field of the body under the first key that
// has one. Devices report the outcome of a finished request this way.
func (e Envelope) Result() (int, bool) {
	for k, raw := range e.Body {
		if k == keyCode {
			continue
		}
		var body struct {
			Result *int `json:"result"`
		}
		if json.Unmarshal(raw, &body) == nil && body.Result != nil {
			return *body.Result, true
		}
	}
	return 0, false
}

// NewResponse encodes the bare acknowledgement {"seq":n,"msgtype":2,"code":c}.
func NewResponse(seq, code int) ([]byte, error) {
	e, err := NewEnvelope(seq, MsgResponse, keyCode, code)
	if err != nil {
		return nil, err
	}
	return e.Encode()
}

// IsCompletion reports whether an envelope sent by the device is the
// completion notice of an earlier request. Devices send those as requests
// and expect a success response with the same seq.
func IsCompletion(e Envelope) bool {
	return e.MsgType == MsgRequest
}

// Counter hands out envelope sequence numbers.
type Counter struct {
	n atomic.Int64
}

// NewCounter returns a counter whose first Next is FirstSeq.
func NewCounter() *Counter {
	c := &Counter{}
	c.n.Store(FirstSeq - 1)
	return c
}

func (c *Counter) Next() int {
	return int(c.n.Add(1))
}

// NewControl encodes a request envelope with a single body key.
func NewControl(seq int, key string, body any) ([]byte, error) {
	e, err := NewEnvelope(seq, MsgRequest, key, body)
	if err != nil {
		return nil, err
	}
	return e.Encode()
}

// VideoControl encodes the request that starts or stops the video stream.
func VideoControl(seq int, on bool) ([]byte, error) {
	v := VideoOff
	if on {
		v = VideoOn
	}
	return NewControl(seq, KeyControl, map[string]int{"video": v})
}

// VideoRequested reports whether e is a video control request and its value.
func VideoRequested(e Envelope) (on bool, ok bool) {
	var body struct {
		Video *int `json:"video"`
	}
	if e.DecodeBody(KeyControl, &body) != nil || body.Video == nil {
		return false, false
	}
	return *body.Video == VideoOn, true
}
