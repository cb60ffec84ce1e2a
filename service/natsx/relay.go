package natsx

import (
	"context"
	"encoding/json"

	"PPRealtime/logger"
	"PPRealtime/service/chat"
	"PPRealtime/tools/errs"

	"go.uber.org/zap"
)

const (
	BizDeliver     = "im.deliver"
	SubjectDeliver = "im.deliver"
	headerOrigin   = "X-Origin-Node"
)

// Bus 中继需要的最小 NATS 能力
type Bus interface {
	RegisterRoute(r Route) error
	PublishOnce(ctx context.Context, biz string, data []byte, hdr map[string]string, msgID string) error
	Subscribe(biz string, h Handler) error
}

// Relay 跨网关节点扇出：每个节点都订阅 im.deliver（不设队列组）
type Relay struct {
	bus    Bus
	nodeID string
}

var _ chat.Relay = (*Relay)(nil)

func NewRelay(bus Bus, nodeID string) (*Relay, error) {
	if err := bus.RegisterRoute(Route{Biz: BizDeliver, Subject: SubjectDeliver}); err != nil {
		return nil, err
	}
	return &Relay{bus: bus, nodeID: nodeID}, nil
}

func (r *Relay) Publish(ctx context.Context, f chat.RelayFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errs.WrapMsg(err, "encode relay frame")
	}
	return r.bus.PublishOnce(ctx, BizDeliver, data, map[string]string{headerOrigin: f.Origin}, "")
}

// Start 订阅其他节点的帧并投给本地连接
func (r *Relay) Start(hub *chat.Hub) error {
	return r.bus.Subscribe(BizDeliver, func(_ context.Context, msg Message) error {
		// 自己发出的帧不解码
		if msg.Header[headerOrigin] == r.nodeID {
			return nil
		}
		var f chat.RelayFrame
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			return errs.ErrProtocol.WrapMsg("relay frame", "err", err)
		}
		n := hub.Deliver(f)
		logger.Debug("[Relay] delivered", zap.String("origin", f.Origin), zap.Int("n", n))
		return nil
	})
}
