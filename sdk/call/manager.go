package call

import (
	"context"
	"sync"
	"time"

	"PPRealtime/logger"
	"PPRealtime/protocol"
	"PPRealtime/sdk/eventbus"
	"PPRealtime/tools/errs"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrBusy       = errs.New("call already in progress")
	ErrNoCall     = errs.New("no call in the required state")
	ErrNoSignaler = errs.New("signaler required")
)

// Signaler 发送信令（client.Client 实现）
type Signaler interface {
	SendSignal(ctx context.Context, env *protocol.Envelope) error
}

type Options struct {
	Signaler    Signaler
	NewPeer     PeerFactory
	RingTimeout time.Duration // 无应答超时，默认 30s
	Clock       clock.Clock
}

// Manager 单 tab 的通话状态机；同一时刻最多一个 Session
type Manager struct {
	opts Options
	bus  *eventbus.Bus
	log  *zap.Logger

	mu         sync.Mutex
	sess       *Session
	peer       PeerConnection
	offerSDP   string // 来电的 offer，接听时才设置
	remoteSet  bool
	pendingICE []ICECandidate
	ring       *clock.Timer
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Signaler == nil {
		return nil, ErrNoSignaler
	}
	if opts.NewPeer == nil {
		return nil, errs.ErrBadRequest.WrapMsg("peer factory required")
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Manager{opts: opts, bus: eventbus.New(), log: logger.Named("call")}, nil
}

// On 订阅 CallStateChanged / CallFailed
func (m *Manager) On(kind eventbus.Kind, h eventbus.Handler) (off func()) {
	return m.bus.On(kind, h)
}

// Session 当前通话快照；IDLE 时 ok=false
func (m *Manager) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Session{State: StateIdle}, false
	}
	return *m.sess, true
}

func (m *Manager) State() State {
	s, _ := m.Session()
	return s.State
}

// Bind 订阅 client 上的 CALL_* 帧与连接状态
func (m *Manager) Bind(on func(eventbus.Kind, eventbus.Handler) func()) (off func()) {
	var offs []func()
	for _, t := range []protocol.Type{
		protocol.TypeCallOffer, protocol.TypeCallAnswer, protocol.TypeCallICECandidate,
		protocol.TypeCallReject, protocol.TypeCallEnd, protocol.TypeCallTimeout,
	} {
		offs = append(offs, on(eventbus.ForType(t), func(ev eventbus.Event) {
			m.HandleSignal(context.Background(), ev.Envelope)
		}))
	}
	offs = append(offs, on(eventbus.StateChanged, func(ev eventbus.Event) {
		if l, ok := ev.Data.(interface{ Lost() bool }); ok && l.Lost() {
			m.TransportLost(context.Background())
		}
	}))
	return func() {
		for _, f := range offs {
			f()
		}
	}
}

// ===== 状态变化的副作用：锁外执行 =====

type effects struct {
	sends []*protocol.Envelope
	evs   []eventbus.Event
	close PeerConnection
}

func (m *Manager) run(ctx context.Context, fx *effects) {
	if fx.close != nil {
		if err := fx.close.Close(); err != nil {
			m.log.Debug("[Call] peer close", zap.Error(err))
		}
	}
	for _, env := range fx.sends {
		if err := m.opts.Signaler.SendSignal(ctx, env); err != nil {
			m.log.Warn("[Call] send signal failed", zap.String("type", string(env.Type)), zap.Error(err))
		}
	}
	for _, ev := range fx.evs {
		m.bus.Emit(ev)
	}
}

func (m *Manager) sendLocked(fx *effects, t protocol.Type, sig Signal) {
	to := m.sess.PartnerID
	env, err := signalEnvelope(t, to, sig)
	if err != nil {
		m.log.Warn("[Call] build signal", zap.Error(err))
		return
	}
	fx.sends = append(fx.sends, env)
}

func (m *Manager) setStateLocked(fx *effects, s State) {
	prev := m.sess.State
	if prev == s {
		return
	}
	m.sess.State = s
	m.log.Debug("[Call] state", zap.String("call", m.sess.CallID), zap.Stringer("from", prev), zap.Stringer("to", s))
	fx.evs = append(fx.evs, eventbus.Event{Kind: eventbus.CallStateChanged, Data: StateChange{From: prev, To: s, Session: *m.sess}})
}

// endLocked 进入 IDLE 并释放全部资源
func (m *Manager) endLocked(fx *effects) {
	if m.sess == nil {
		return
	}
	m.setStateLocked(fx, StateIdle)
	if m.ring != nil {
		m.ring.Stop()
		m.ring = nil
	}
	fx.close = m.peer
	m.sess, m.peer = nil, nil
	m.offerSDP, m.remoteSet, m.pendingICE = "", false, nil
}

// failLocked 媒体/ICE 错误：FAILED -> IDLE，不自动重试
func (m *Manager) failLocked(fx *effects, cause error) {
	if m.sess == nil {
		return
	}
	m.log.Warn("[Call] failed", zap.String("call", m.sess.CallID), zap.Error(cause))
	m.sendLocked(fx, protocol.TypeCallEnd, Signal{CallID: m.sess.CallID, Reason: ReasonFailed})
	m.setStateLocked(fx, StateFailed)
	fx.evs = append(fx.evs, eventbus.Event{Kind: eventbus.CallFailed, Data: *m.sess, Err: cause})
	m.endLocked(fx)
}

func (m *Manager) armRingLocked(callID string) {
	if m.ring != nil {
		m.ring.Stop()
	}
	m.ring = m.opts.Clock.AfterFunc(m.opts.RingTimeout, func() { m.ringExpired(callID) })
}

func (m *Manager) ringExpired(callID string) {
	fx := &effects{}
	m.mu.Lock()
	if m.sess == nil || m.sess.CallID != callID {
		m.mu.Unlock()
		return
	}
	switch m.sess.State {
	case StateOutgoing, StateConnecting:
		m.log.Info("[Call] no answer", zap.String("call", callID))
		m.sendLocked(fx, protocol.TypeCallTimeout, Signal{CallID: callID})
		m.endLocked(fx)
	case StateIncoming:
		// 对方会发 CALL_TIMEOUT；这里只兜底
		m.endLocked(fx)
	}
	m.mu.Unlock()
	m.run(context.Background(), fx)
}

// attachPeerLocked 创建媒体连接并挂上回调
func (m *Manager) attachPeerLocked(callID string) error {
	peer, err := m.opts.NewPeer(m.sess.IsVideo)
	if err != nil {
		return errs.WrapMsg(err, "acquire media")
	}
	m.peer = peer
	peer.OnICECandidate(func(c ICECandidate) { m.localCandidate(callID, c) })
	peer.OnConnected(func() { m.peerConnected(callID) })
	peer.OnFailed(func(err error) { m.peerFailed(callID, err) })
	return nil
}

// applyRemoteLocked 设置远端描述后补上缓存的 ICE
func (m *Manager) applyRemoteLocked(t SDPType, sdp string) error {
	if err := m.peer.SetRemoteDescription(t, sdp); err != nil {
		return err
	}
	m.remoteSet = true
	pending := m.pendingICE
	m.pendingICE = nil
	for _, c := range pending {
		if err := m.peer.AddICECandidate(c); err != nil {
			return err
		}
	}
	return nil
}

// ===== 本地操作 =====

// StartCall IDLE -> OUTGOING，发送 CALL_OFFER
func (m *Manager) StartCall(ctx context.Context, partnerID string, isVideo bool) (Session, error) {
	if partnerID == "" {
		return Session{}, errs.ErrBadRequest.WrapMsg("partner required")
	}
	fx := &effects{}
	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		return Session{}, ErrBusy
	}
	callID := uuid.NewString()
	m.sess = &Session{CallID: callID, PartnerID: partnerID, IsVideo: isVideo, Outbound: true, State: StateIdle}

	var sdp string
	err := m.attachPeerLocked(callID)
	if err == nil {
		sdp, err = m.peer.CreateOffer()
	}
	if err != nil {
		m.setStateLocked(fx, StateFailed)
		fx.evs = append(fx.evs, eventbus.Event{Kind: eventbus.CallFailed, Data: *m.sess, Err: err})
		m.endLocked(fx)
		m.mu.Unlock()
		m.run(ctx, fx)
		return Session{}, err
	}
	m.sendLocked(fx, protocol.TypeCallOffer, Signal{CallID: callID, IsVideo: isVideo, SDP: sdp})
	m.setStateLocked(fx, StateOutgoing)
	m.armRingLocked(callID)
	out := *m.sess
	m.mu.Unlock()

	m.run(ctx, fx)
	return out, nil
}

// AcceptCall INCOMING -> CONNECTING，发送 CALL_ANSWER
func (m *Manager) AcceptCall(ctx context.Context) error {
	fx := &effects{}
	m.mu.Lock()
	if m.sess == nil || m.sess.State != StateIncoming {
		m.mu.Unlock()
		return ErrNoCall
	}
	callID := m.sess.CallID

	var sdp string
	err := m.attachPeerLocked(callID)
	if err == nil {
		err = m.applyRemoteLocked(SDPOffer, m.offerSDP)
	}
	if err == nil {
		sdp, err = m.peer.CreateAnswer()
	}
	if err != nil {
		m.failLocked(fx, err)
		m.mu.Unlock()
		m.run(ctx, fx)
		return err
	}
	m.sendLocked(fx, protocol.TypeCallAnswer, Signal{CallID: callID, SDP: sdp})
	m.setStateLocked(fx, StateConnecting)
	m.armRingLocked(callID)
	m.mu.Unlock()

	m.run(ctx, fx)
	return nil
}

// RejectCall INCOMING -> IDLE，发送 CALL_REJECT
func (m *Manager) RejectCall(ctx context.Context) error {
	fx := &effects{}
	m.mu.Lock()
	if m.sess == nil || m.sess.State != StateIncoming {
		m.mu.Unlock()
		return ErrNoCall
	}
	m.sendLocked(fx, protocol.TypeCallReject, Signal{CallID: m.sess.CallID, Reason: ReasonDeclined})
	m.endLocked(fx)
	m.mu.Unlock()
	m.run(ctx, fx)
	return nil
}

// HangUp 挂断（ACTIVE）或取消（OUTGOING / CONNECTING）
func (m *Manager) HangUp(ctx context.Context) error {
	fx := &effects{}
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return ErrNoCall
	}
	switch m.sess.State {
	case StateActive:
		m.setStateLocked(fx, StateEnding)
		m.sendLocked(fx, protocol.TypeCallEnd, Signal{CallID: m.sess.CallID})
		m.endLocked(fx)
	case StateOutgoing, StateConnecting:
		m.sendLocked(fx, protocol.TypeCallEnd, Signal{CallID: m.sess.CallID})
		m.endLocked(fx)
	case StateIncoming:
		m.mu.Unlock()
		return m.RejectCall(ctx)
	}
	m.mu.Unlock()
	m.run(ctx, fx)
	return nil
}

// TransportLost 信令通道断开：进行中的通话直接结束
func (m *Manager) TransportLost(ctx context.Context) {
	fx := &effects{}
	m.mu.Lock()
	if m.sess != nil {
		if m.sess.State == StateActive {
			m.setStateLocked(fx, StateEnding)
		}
		m.endLocked(fx)
	}
	m.mu.Unlock()
	m.run(ctx, fx)
}

// ===== 收到的信令 =====

// HandleSignal 处理对端转发来的 CALL_* 帧
func (m *Manager) HandleSignal(ctx context.Context, env *protocol.Envelope) {
	if env == nil || !env.Type.IsCall() {
		return
	}
	sig, err := ParseSignal(env)
	if err != nil {
		m.log.Debug("[Call] drop signal", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}

	fx := &effects{}
	m.mu.Lock()
	if env.Type == protocol.TypeCallOffer {
		m.onOfferLocked(fx, env.SenderID, sig)
	} else if m.sess != nil && m.sess.CallID == sig.CallID && m.sess.PartnerID == env.SenderID {
		m.onSignalLocked(fx, env.Type, sig)
	} else {
		m.log.Debug("[Call] signal for unknown call", zap.String("type", string(env.Type)), zap.String("call", sig.CallID))
	}
	m.mu.Unlock()
	m.run(ctx, fx)
}

func (m *Manager) onOfferLocked(fx *effects, from string, sig *Signal) {
	if from == "" {
		return
	}
	if m.sess != nil {
		if m.sess.CallID == sig.CallID {
			return
		}
		// 忙线：自动拒绝，当前通话不受影响
		m.log.Info("[Call] busy, auto reject", zap.String("from", from), zap.String("call", sig.CallID))
		env, err := signalEnvelope(protocol.TypeCallReject, from, Signal{CallID: sig.CallID, Reason: ReasonBusy})
		if err == nil {
			fx.sends = append(fx.sends, env)
		}
		return
	}
	m.sess = &Session{CallID: sig.CallID, PartnerID: from, IsVideo: sig.IsVideo, State: StateIdle}
	m.offerSDP = sig.SDP
	m.setStateLocked(fx, StateIncoming)
	m.armRingLocked(sig.CallID)
}

func (m *Manager) onSignalLocked(fx *effects, t protocol.Type, sig *Signal) {
	st := m.sess.State
	switch t {
	case protocol.TypeCallAnswer:
		if st != StateOutgoing && st != StateConnecting {
			return
		}
		if err := m.applyRemoteLocked(SDPAnswer, sig.SDP); err != nil {
			m.failLocked(fx, err)
			return
		}
		if m.ring != nil {
			m.ring.Stop()
			m.ring = nil
		}
		m.setStateLocked(fx, StateActive)

	case protocol.TypeCallICECandidate:
		c := sig.ice()
		if m.peer == nil || !m.remoteSet {
			m.pendingICE = append(m.pendingICE, c)
			return
		}
		if err := m.peer.AddICECandidate(c); err != nil {
			m.failLocked(fx, err)
		}

	case protocol.TypeCallReject, protocol.TypeCallTimeout:
		if st == StateOutgoing || st == StateConnecting || st == StateIncoming {
			m.endLocked(fx)
		}

	case protocol.TypeCallEnd:
		if st == StateActive {
			m.setStateLocked(fx, StateEnding)
		}
		m.endLocked(fx)
	}
}

// ===== 媒体连接回调 =====

func (m *Manager) localCandidate(callID string, c ICECandidate) {
	fx := &effects{}
	m.mu.Lock()
	if m.sess != nil && m.sess.CallID == callID {
		m.sendLocked(fx, protocol.TypeCallICECandidate, Signal{
			CallID:        callID,
			Candidate:     c.Candidate,
			SDPMid:        c.SDPMid,
			SDPMLineIndex: c.SDPMLineIndex,
		})
	}
	m.mu.Unlock()
	m.run(context.Background(), fx)
}

// peerConnected 被叫方在媒体连通后进入 ACTIVE
func (m *Manager) peerConnected(callID string) {
	fx := &effects{}
	m.mu.Lock()
	if m.sess != nil && m.sess.CallID == callID && m.sess.State == StateConnecting {
		if m.ring != nil {
			m.ring.Stop()
			m.ring = nil
		}
		m.setStateLocked(fx, StateActive)
	}
	m.mu.Unlock()
	m.run(context.Background(), fx)
}

func (m *Manager) peerFailed(callID string, err error) {
	fx := &effects{}
	m.mu.Lock()
	if m.sess != nil && m.sess.CallID == callID {
		m.failLocked(fx, err)
	}
	m.mu.Unlock()
	m.run(context.Background(), fx)
}
