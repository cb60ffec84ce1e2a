package chat

import (
	"context"
	"net/http"
	"time"

	"PPRealtime/logger"
	mid "PPRealtime/middleware"
	"PPRealtime/protocol"
	"PPRealtime/service/storage"
	"PPRealtime/tools/errs"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PushReq 其他服务经网关推送
type PushReq struct {
	UserIDs  []string           `json:"userIds" binding:"required,min=1"`
	Envelope *protocol.Envelope `json:"envelope" binding:"required"`
}

type PushResp struct {
	Delivered int `json:"delivered"`
}

// PresenceResp 查询在线状态
type PresenceResp struct {
	UserID string                  `json:"userId"`
	Status protocol.PresenceStatus `json:"status"`
	Local  bool                    `json:"local"`
	Nodes  []string                `json:"nodes,omitempty"`
}

// RouteOptions http 路由可选项
type RouteOptions struct {
	Gatherer prometheus.Gatherer    // /metrics；为空不挂
	Presence storage.PresenceStore // /presence 跨节点查询
	PushAuth gin.HandlerFunc       // /internal/push 鉴权；为空不校验
	UserAuth gin.HandlerFunc       // /presence 鉴权
}

// RegisterRoutes 挂载 websocket 与运维接口
func (s *Server) RegisterRoutes(r gin.IRouter, opts RouteOptions) {
	r.GET("/ws", s.HandleWS)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node": s.hub.NodeID(), "conns": s.hub.Registry().Len()})
	})
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
	mid.POST(r, "/internal/push", s.handlePush, mid.RouteOpt{Auth: opts.PushAuth})
	mid.GET(r, "/presence/:userId", s.presenceHandler(opts.Presence), mid.RouteOpt{Auth: opts.UserAuth})
}

func (s *Server) handlePush(c *gin.Context) {
	var req PushReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, errs.ErrBadRequest.WrapMsg(err.Error()))
		return
	}
	if req.Envelope.Type == "" || !req.Envelope.Type.Known() {
		writeErr(c, errs.ErrBadRequest.WrapMsg("unknown envelope type", "type", req.Envelope.Type))
		return
	}
	if req.Envelope.Timestamp == 0 {
		req.Envelope.Timestamp = protocol.NowMillis()
	}
	n := s.hub.SendMany(req.UserIDs, req.Envelope)
	logger.Debug("[Push] delivered", zap.Strings("users", req.UserIDs), zap.Int("n", n))
	c.JSON(http.StatusOK, PushResp{Delivered: n})
}

func (s *Server) presenceHandler(ps storage.PresenceStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("userId")
		resp := PresenceResp{UserID: userID, Local: s.hub.IsOnline(userID)}
		if ps != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			nodes, err := ps.Lookup(ctx, userID)
			cancel()
			if err != nil {
				logger.Warn("[Presence] lookup failed", zap.String("user", userID), zap.Error(err))
			}
			resp.Nodes = nodes
		}
		resp.Status = protocol.StatusOffline
		if resp.Local || len(resp.Nodes) > 0 {
			resp.Status = protocol.StatusOnline
		}
		c.JSON(http.StatusOK, resp)
	}
}

func writeErr(c *gin.Context, err error) {
	code := errs.Code(err)
	status := http.StatusInternalServerError
	switch code.Code {
	case errs.BadRequestError, errs.ProtocolError:
		status = http.StatusBadRequest
	case errs.NotFoundError:
		status = http.StatusNotFound
	case errs.ForbiddenError:
		status = http.StatusForbidden
	}
	c.JSON(status, gin.H{"code": errs.Slug(err), "message": code.Msg, "detail": code.Detail})
}
