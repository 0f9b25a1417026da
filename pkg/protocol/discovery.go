package protocol

import "fmt"

type searchBody struct {
	Num  int    `json:"num,omitempty"`
	Name string `json:"name,omitempty"`
}

// EncodeProbe builds the discovery broadcast payload.
func EncodeProbe(seq int) ([]byte, error) {
	return NewControl(seq, KeySearch, searchBody{Num: seq})
}

// DecodeProbe returns the probe sequence number.
func DecodeProbe(p []byte) (int, error) {
	e, err := DecodeEnvelope(p)
	if err != nil {
		return 0, err
	}
	if e.MsgType != MsgRequest || !e.Has(KeySearch) {
		return 0, fmt.Errorf("%w: not a search request", ErrMalformed)
	}
	return e.Seq, nil
}

// EncodeAnnounce builds a device's answer to a probe.
func EncodeAnnounce(seq int, name string) ([]byte, error) {
	e, err := NewEnvelope(seq, MsgResponse, KeySearch, searchBody{Num: seq, Name: name})
	if err != nil {
		return nil, err
	}
	return e.Encode()
}

// DecodeAnnounce returns the probe sequence an announce answers and the device name.
func DecodeAnnounce(p []byte) (int, string, error) {
	e, err := DecodeEnvelope(p)
	if err != nil {
		return 0, "", err
	}
	var body searchBody
	if err := e.DecodeBody(KeySearch, &body); err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.MsgType != MsgResponse || body.Name == "" {
		return 0, "", fmt.Errorf("%w: not a search response", ErrMalformed)
	}
	return e.Seq, body.Name, nil
}
