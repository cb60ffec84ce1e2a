package call

import (
	"sync"

	"PPRealtime/tools/errs"

	"github.com/pion/webrtc/v4"
)

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

type ICECandidate struct {
	Candidate     string
	SDPMid        *string
	SDPMLineIndex *uint16
}

// PeerConnection 媒体连接；Manager 只用到协商相关的部分
type PeerConnection interface {
	// CreateOffer / CreateAnswer 同时设置本地描述
	CreateOffer() (string, error)
	CreateAnswer() (string, error)
	SetRemoteDescription(t SDPType, sdp string) error
	AddICECandidate(c ICECandidate) error
	OnICECandidate(fn func(ICECandidate))
	OnConnected(fn func())
	OnFailed(fn func(error))
	Close() error
}

// PeerFactory 创建媒体连接（含采集设备）；失败即通话失败
type PeerFactory func(isVideo bool) (PeerConnection, error)

var errPeerFailed = errs.New("peer connection failed")

// ===== pion 实现 =====

type PionPeer struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	onConnected func()
	onFailed    func(error)
}

// NewPionFactory 以给定 ICE 配置创建 PionPeer
func NewPionFactory(cfg webrtc.Configuration) PeerFactory {
	return func(isVideo bool) (PeerConnection, error) {
		return NewPionPeer(cfg, isVideo)
	}
}

func NewPionPeer(cfg webrtc.Configuration, isVideo bool) (*PionPeer, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, errs.WrapMsg(err, "new peer connection")
	}
	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if isVideo {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, k := range kinds {
		if _, err := pc.AddTransceiverFromKind(k, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			_ = pc.Close()
			return nil, errs.WrapMsg(err, "add transceiver", "kind", k.String())
		}
	}

	p := &PionPeer{pc: pc}
	// pion 只保留一个状态回调
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.mu.Lock()
		connected, failed := p.onConnected, p.onFailed
		p.mu.Unlock()
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if connected != nil {
				connected()
			}
		case webrtc.PeerConnectionStateFailed:
			if failed != nil {
				failed(errPeerFailed)
			}
		}
	})
	return p, nil
}

func (p *PionPeer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", errs.WrapMsg(err, "create offer")
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", errs.WrapMsg(err, "set local offer")
	}
	return offer.SDP, nil
}

func (p *PionPeer) CreateAnswer() (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", errs.WrapMsg(err, "create answer")
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", errs.WrapMsg(err, "set local answer")
	}
	return answer.SDP, nil
}

func (p *PionPeer) SetRemoteDescription(t SDPType, sdp string) error {
	typ := webrtc.SDPTypeAnswer
	if t == SDPOffer {
		typ = webrtc.SDPTypeOffer
	}
	return errs.WrapMsg(p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}), "set remote description", "type", string(t))
}

func (p *PionPeer) AddICECandidate(c ICECandidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
	return errs.WrapMsg(p.pc.AddICECandidate(init), "add ice candidate")
}

func (p *PionPeer) OnICECandidate(fn func(ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil 表示收集结束
		if c == nil {
			return
		}
		j := c.ToJSON()
		fn(ICECandidate{Candidate: j.Candidate, SDPMid: j.SDPMid, SDPMLineIndex: j.SDPMLineIndex})
	})
}

func (p *PionPeer) OnConnected(fn func()) {
	p.mu.Lock()
	p.onConnected = fn
	p.mu.Unlock()
}

func (p *PionPeer) OnFailed(fn func(error)) {
	p.mu.Lock()
	p.onFailed = fn
	p.mu.Unlock()
}

func (p *PionPeer) Close() error { return p.pc.Close() }
