package xunfei

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrParse marks an upstream frame that could not be decoded. It is a data
// error; the stream it arrived on is still usable.
var ErrParse = errors.New("xunfei: malformed frame")

type Action string

const (
	ActionStarted Action = "started"
	ActionResult  Action = "result"
	ActionError   Action = "error"
)

type SegmentType string

const (
	SegmentFinal   SegmentType = "0"
	SegmentPartial SegmentType = "1"
)

// Text decodes a JSON string, number or object into its textual form. The
// RTASR service is not consistent about quoting codes and types, and sends
// the recognition payload as an embedded JSON string.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	switch {
	case len(b) == 0 || string(b) == "null":
		*t = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
	default:
		*t = Text(b)
	}
	return nil
}

// Frame is the JSON envelope of every text message from the RTASR service.
type Frame struct {
	Action  Action `json:"action"`
	Code    Text   `json:"code"`
	Data    Text   `json:"data"`
	Desc    string `json:"desc"`
	Message string `json:"message"`
	SID     string `json:"sid"`
}

func ParseFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return f, nil
}

func (f Frame) OK() bool {
	return f.Code == "0"
}

// Handshake reports whether f acknowledges the start of a session.
func (f Frame) Handshake() bool {
	return f.Action == ActionStarted && f.OK()
}

func (f Frame) Failed() bool {
	return f.Action == ActionError || !f.OK()
}

// Reason is the human-readable cause of a failed frame.
func (f Frame) Reason() string {
	switch {
	case f.Desc != "":
		return f.Desc
	case f.Message != "":
		return f.Message
	default:
		return "code=" + string(f.Code)
	}
}

// Segment is one recognition result: its classification and the word
// fragments in order.
type Segment struct {
	Type  SegmentType
	Words []string
}

func (s Segment) Final() bool {
	return s.Type == SegmentFinal
}

func (s Segment) Text() string {
	return strings.Join(s.Words, "")
}

type recognition struct {
	CN struct {
		ST struct {
			Type Text `json:"type"`
			RT   []struct {
				WS []struct {
					CW []struct {
						W string `json:"w"`
					} `json:"cw"`
				} `json:"ws"`
			} `json:"rt"`
		} `json:"st"`
	} `json:"cn"`
}

// Segment decodes the nested recognition payload of a result frame. A
// result without a payload yields an empty segment.
func (f Frame) Segment() (Segment, error) {
	if f.Data == "" {
		return Segment{}, nil
	}

	var r recognition
	if err := json.Unmarshal([]byte(f.Data), &r); err != nil {
		return Segment{}, fmt.Errorf("%w: result payload: %v", ErrParse, err)
	}

	st := r.CN.ST
	seg := Segment{Type: SegmentType(st.Type)}
	for _, rt := range st.RT {
		for _, ws := range rt.WS {
			for _, cw := range ws.CW {
				if cw.W != "" {
					seg.Words = append(seg.Words, cw.W)
				}
			}
		}
	}
	return seg, nil
}
