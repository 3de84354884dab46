package server

import "encoding/json"

// clientMessage is one inbound JSON text frame. Data is interpreted per
// message type: a base64 string for "audio", a provider control object for
// "control".
//
//	{"type":"audio","data":"<base64 PCM16LE 16kHz mono>","startTime":1717245000123}
//	{"type":"control","data":{"type":"Finalize"}}
type clientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`

	// StartTime is the client-reported capture start in Unix milliseconds.
	// Zero when the frame carries none.
	StartTime int64 `json:"startTime,omitempty"`
}

// audioData decodes Data as the base64 string an "audio" frame carries.
func (m clientMessage) audioData() (string, error) {
	var s string
	if err := json.Unmarshal(m.Data, &s); err != nil {
		return "", err
	}
	return s, nil
}

// controlData decodes Data as the control object a "control" frame carries.
func (m clientMessage) controlData() (map[string]any, error) {
	var ctl map[string]any
	if err := json.Unmarshal(m.Data, &ctl); err != nil {
		return nil, err
	}
	return ctl, nil
}

// serverMessage is one outbound JSON text frame.
type serverMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// turnPayload is the body of a "turn" message.
type turnPayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// correctionPayload is the body of a "correction" message, revising an
// already-delivered turn.
type correctionPayload struct {
	TurnID  string `json:"turn_id"`
	Content string `json:"content"`
}
