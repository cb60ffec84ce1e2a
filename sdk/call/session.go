package call

import (
	"encoding/json"

	"PPRealtime/protocol"
	"PPRealtime/tools/decode"
	"PPRealtime/tools/errs"
)

type State int

const (
	StateIdle State = iota
	StateOutgoing
	StateIncoming
	StateConnecting
	StateActive
	StateEnding
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOutgoing:
		return "OUTGOING"
	case StateIncoming:
		return "INCOMING"
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateEnding:
		return "ENDING"
	case StateFailed:
		return "FAILED"
	default:
		return "IDLE"
	}
}

// Session 一次通话；回到 IDLE 即销毁
type Session struct {
	CallID    string
	PartnerID string
	IsVideo   bool
	Outbound  bool
	State     State
}

// StateChange CallStateChanged 事件的数据
type StateChange struct {
	From    State
	To      State
	Session Session
}

const (
	ReasonBusy     = "BUSY"
	ReasonDeclined = "DECLINED"
	ReasonFailed   = "FAILED"
)

// Signal CALL_* 信封的 payload；服务端只转发不解析
type Signal struct {
	CallID        string  `json:"callId"`
	IsVideo       bool    `json:"isVideo,omitempty"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

func (s Signal) ice() ICECandidate {
	return ICECandidate{Candidate: s.Candidate, SDPMid: s.SDPMid, SDPMLineIndex: s.SDPMLineIndex}
}

func signalEnvelope(t protocol.Type, to string, sig Signal) (*protocol.Envelope, error) {
	raw, err := json.Marshal(sig)
	if err != nil {
		return nil, errs.WrapMsg(err, "encode call signal", "type", t)
	}
	return &protocol.Envelope{Type: t, To: to, Payload: raw}, nil
}

// ParseSignal 解出 CALL_* 的 payload
func ParseSignal(env *protocol.Envelope) (*Signal, error) {
	sig, err := decode.Payload[Signal](env.Payload)
	if err != nil {
		return nil, errs.ErrBadRequest.WrapMsg("bad call payload", "type", env.Type, "err", err.Error())
	}
	if sig.CallID == "" {
		return nil, errs.ErrBadRequest.WrapMsg("callId required", "type", env.Type)
	}
	return sig, nil
}
