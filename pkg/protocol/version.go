package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// CallVersion is the hard.call value that asks the device for its firmware version.
const CallVersion = 300

// HardBody is the body of "hard" envelopes.
type HardBody struct {
	Num    int    `json:"num,omitempty"`
	Call   int    `json:"call,omitempty"`
	Ver    string `json:"ver,omitempty"`
	Result int    `json:"result,omitempty"`
}

// Version is a dotted x.y.z firmware version.
type Version struct {
	Major, Minor, Patch int
}

func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("version %q: want x.y.z", s)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("version %q: bad component %q", s, p)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Less reports whether v is older than o.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Patch < o.Patch
}

// VersionQuery encodes the firmware version request.
func VersionQuery(seq int) ([]byte, error) {
	return NewControl(seq, KeyHard, HardBody{Num: seq, Call: CallVersion})
}

// VersionReply encodes the device answer to VersionQuery.
func VersionReply(seq int, ver string) ([]byte, error) {
	e, err := NewEnvelope(seq, MsgResponse, KeyHard, HardBody{Num: seq, Call: CallVersion, Ver: ver, Result: ResultSuccess})
	if err != nil {
		return nil, err
	}
	return e.Encode()
}

// ParseVersionReply extracts the firmware version from a response envelope.
func ParseVersionReply(e Envelope) (Version, bool) {
	if e.MsgType != MsgResponse {
		return Version{}, false
	}
	var body HardBody
	if e.DecodeBody(KeyHard, &body) != nil || body.Ver == "" {
		return Version{}, false
	}
	v, err := ParseVersion(body.Ver)
	if err != nil {
		return Version{}, false
	}
	return v, true
}

// IsVersionQuery reports whether e asks for the firmware version.
func IsVersionQuery(e Envelope) bool {
	if e.MsgType != MsgRequest {
		return false
	}
	var body HardBody
	return e.DecodeBody(KeyHard, &body) == nil && body.Call == CallVersion
}
