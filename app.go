package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"PPRealtime/global/config"
	"PPRealtime/logger"
	mid "PPRealtime/middleware"
	midsec "PPRealtime/middleware/security"
	"PPRealtime/service/chat"
	"PPRealtime/service/kafka"
	mgoSrv "PPRealtime/service/mgo"
	"PPRealtime/service/nacos"
	"PPRealtime/service/natsx"
	"PPRealtime/service/storage"
	"PPRealtime/service/storage/mongostore"
	"PPRealtime/service/storage/pgstore"
	redisSrv "PPRealtime/service/storage/redis"
	"PPRealtime/tools"
	"PPRealtime/tools/ids"
	"PPRealtime/tools/safe"
	"PPRealtime/tools/security"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const bootTimeout = 15 * time.Second

// gatewayModule 网关节点的全部组件
func gatewayModule(cfg config.AppConfig) fx.Option {
	return fx.Module("gateway",
		fx.Supply(cfg),
		fx.Provide(
			ids.Default,
			provideMetrics,
			provideStorage,
			provideRedis,
			providePresence,
			provideNats,
			provideRelay,
			provideKafka,
			provideSink,
			provideFanout,
			provideHub,
			provideVerifier,
			provideDispatcher,
			provideOrigin,
			provideServer,
		),
		fx.Invoke(
			startRelay,
			startPushConsumer,
			runHeartbeat,
			serveHTTP,
			serveGRPC,
			registerNacos,
			watchRemoteConfig,
		),
	)
}

// ===== 基础设施 =====

func provideMetrics() (*prometheus.Registry, *chat.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, chat.NewMetrics(reg)
}

func provideStorage(lc fx.Lifecycle, cfg config.AppConfig, idGen *ids.Generator) (storage.Storage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), bootTimeout)
	defer cancel()

	var st storage.Storage
	switch cfg.Storage.Driver {
	case config.DriverMongo:
		mc := cfg.Storage.Mongo
		db, err := mgoSrv.Connect(ctx, &mc)
		if err != nil {
			return nil, err
		}
		ms := mongostore.New(db, idGen)
		if err := ms.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		st = ms
	case config.DriverPostgres:
		ps, err := pgstore.Open(ctx, cfg.Storage.Postgres.DSN, idGen)
		if err != nil {
			return nil, err
		}
		if err := ps.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		st = ps
	default:
		logger.Warn("[Boot] using in-memory storage, data is lost on restart")
		st = storage.NewMemoryStore()
	}
	if c, ok := st.(storage.Closer); ok {
		lc.Append(fx.Hook{OnStop: c.Close})
	}
	return st, nil
}

// provideRedis 未开启时返回 nil
func provideRedis(lc fx.Lifecycle, cfg config.AppConfig) (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), bootTimeout)
	defer cancel()
	rdb, err := redisSrv.NewClient(ctx, cfg.Redis.Config)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return rdb.Close() }})
	return rdb, nil
}

func providePresence(cfg config.AppConfig, rdb *redis.Client) storage.PresenceStore {
	if rdb == nil {
		return storage.NopPresence{}
	}
	return storage.NewRedisPresence(rdb, cfg.NodeID, cfg.Redis.PresenceTTL)
}

func provideNats(lc fx.Lifecycle, cfg config.AppConfig) (*natsx.Manager, error) {
	if !cfg.NATS.Enabled {
		return nil, nil
	}
	nc := cfg.NATS.Config
	if nc.Name == "" {
		nc.Name = cfg.NodeID
	}
	ctx, cancel := context.WithTimeout(context.Background(), bootTimeout)
	defer cancel()
	nm, err := natsx.NewManager(ctx, nc, natsx.IdemMiddleware(natsx.NewMemIdem(8192, 2*time.Minute)))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return nm.Close() }})
	return nm, nil
}

func provideRelay(cfg config.AppConfig, nm *natsx.Manager) (*natsx.Relay, error) {
	if nm == nil {
		return nil, nil
	}
	return natsx.NewRelay(nm, cfg.NodeID)
}

func provideKafka(lc fx.Lifecycle, cfg config.AppConfig) (*kafka.Client, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), bootTimeout)
	defer cancel()
	kc, err := kafka.Dial(ctx, cfg.Kafka)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return kc.Close() }})
	return kc, nil
}

func provideSink(cfg config.AppConfig, kc *kafka.Client) chat.MessageSink {
	if kc == nil {
		return nil
	}
	kcfg := cfg.Kafka
	kcfg.Norm()
	return kafka.NewSink(kc.Producer(), kcfg.Topic)
}

// ===== 网关核心 =====

func provideFanout(lc fx.Lifecycle, cfg config.AppConfig, m *chat.Metrics) *chat.Fanout {
	f := chat.NewFanout(cfg.Chat.FanoutWorkers, cfg.Chat.FanoutQueue, m)
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		f.Close()
		return nil
	}})
	return f
}

type hubIn struct {
	fx.In

	Cfg      config.AppConfig
	Metrics  *chat.Metrics
	Storage  storage.Storage
	Presence storage.PresenceStore
	Relay    *natsx.Relay
	Fanout   *chat.Fanout
}

func provideHub(in hubIn) *chat.Hub {
	d := chat.HubDeps{
		NodeID: in.Cfg.NodeID,
		Registry: chat.NewConnManager(chat.ManagerConf{
			MaxPerUser:  in.Cfg.Chat.MaxPerUser,
			EvictOldest: in.Cfg.Chat.EvictOldest,
		}, in.Metrics),
		Storage:  in.Storage,
		Presence: in.Presence,
		Fanout:   in.Fanout,
		Metrics:  in.Metrics,
	}
	// 单节点部署不挂中继；避免把 nil 指针装进接口
	if in.Relay != nil {
		d.Relay = in.Relay
	}
	return chat.NewHub(d)
}

func provideVerifier(cfg config.AppConfig) (*security.Verifier, error) {
	return security.NewVerifier(security.Options{
		Secret: []byte(cfg.JWT.Secret),
		Alg:    cfg.JWT.Alg,
		TTL:    cfg.JWT.TTL,
		Leeway: cfg.JWT.Leeway,
	})
}

func provideDispatcher(cfg config.AppConfig, hub *chat.Hub, st storage.Storage, sink chat.MessageSink, m *chat.Metrics) (*chat.Dispatcher, error) {
	router, err := chat.NewRouter(chat.RouterDeps{
		Hub:       hub,
		Storage:   st,
		Sink:      sink,
		DedupSize: cfg.Chat.DedupSize,
		Metrics:   m,
	})
	if err != nil {
		return nil, err
	}
	d := chat.NewDispatcher()
	d.Register(router.Handlers()...)
	return d, nil
}

func provideOrigin(cfg config.AppConfig) *mid.OriginChecker {
	return mid.NewOriginChecker(cfg.HTTP.AllowedOrigins)
}

type serverIn struct {
	fx.In

	Cfg      config.AppConfig
	Hub      *chat.Hub
	Verifier *security.Verifier
	Disp     *chat.Dispatcher
	Metrics  *chat.Metrics
	IDGen    *ids.Generator
	Origin   *mid.OriginChecker
}

func provideServer(in serverIn) *chat.Server {
	gate := chat.NewAuthGate(in.Verifier, in.Hub, in.Metrics)
	return chat.NewServer(chat.ServerConf{
		AuthTimeout:     in.Cfg.Chat.AuthTimeout,
		MaxMessageBytes: in.Cfg.Chat.MaxMessageBytes,
		Conn: chat.ConnOptions{
			SendQueue: in.Cfg.Chat.SendQueue,
			WriteWait: in.Cfg.Chat.WriteWait,
		},
		CheckOrigin: in.Origin.Check,
	}, in.Hub, gate, in.Disp, in.IDGen, in.Metrics)
}

// ===== 启动项 =====

func startRelay(relay *natsx.Relay, hub *chat.Hub) error {
	if relay == nil {
		return nil
	}
	return relay.Start(hub)
}

// startPushConsumer 消费后端下行推送；需先于 kafka client 关闭
func startPushConsumer(lc fx.Lifecycle, cfg config.AppConfig, kc *kafka.Client, hub *chat.Hub) error {
	kcfg := cfg.Kafka
	kcfg.Norm()
	if kc == nil || kcfg.PushTopic == "" {
		return nil
	}
	group, err := kc.ConsumerGroup(kcfg.PushGroup)
	if err != nil {
		return err
	}
	pc := kafka.NewPushConsumer(group, kcfg.PushTopic, hub)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			pc.Start(context.Background())
			return nil
		},
		OnStop: func(context.Context) error { return pc.Close() },
	})
	return nil
}

func runHeartbeat(lc fx.Lifecycle, cfg config.AppConfig, hub *chat.Hub, m *chat.Metrics) {
	hb := chat.NewHeartbeatMonitor(hub, cfg.Chat.HeartbeatInterval, clock.New(), m)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			safe.Go("heartbeat", func() {
				defer close(done)
				hb.Run(ctx)
			})
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

type httpIn struct {
	fx.In

	Lc       fx.Lifecycle
	Cfg      config.AppConfig
	Server   *chat.Server
	Registry *prometheus.Registry
	Presence storage.PresenceStore
	Verifier *security.Verifier
	Origin   *mid.OriginChecker
}

func serveHTTP(in httpIn) {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	mgr := mid.NewManager(mid.Origin(in.Origin))
	engine.Use(mid.Recovery(), mid.AccessLog(), mgr.Use())

	opts := chat.RouteOptions{
		Gatherer: in.Registry,
		Presence: in.Presence,
		UserAuth: midsec.Middleware(midsec.DefaultOptions(in.Verifier.Verify)),
	}
	if in.Cfg.HTTP.PushToken != "" {
		opts.PushAuth = midsec.Middleware(midsec.DefaultOptions(midsec.StaticToken(in.Cfg.HTTP.PushToken, "internal")))
	} else {
		logger.Warn("[HTTP] /internal/push is not protected, set http.pushToken")
	}
	in.Server.RegisterRoutes(engine, opts)

	hs := &http.Server{
		Addr:              fmt.Sprintf(":%d", in.Cfg.HTTPPort),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	in.Lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", hs.Addr)
			if err != nil {
				return err
			}
			safe.Go("http-server", func() {
				if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("[HTTP] serve failed", zap.Error(err))
				}
			})
			logger.Info("[HTTP] listening", zap.String("addr", hs.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// 已升级的 websocket 不受 Shutdown 管理，单独关
			conns := in.Server.Registry().All()
			for _, c := range conns {
				c.CloseWith(websocket.CloseGoingAway, "server shutdown")
			}
			logger.Info("[HTTP] shutting down", zap.Int("conns", len(conns)))
			wait, cancel := context.WithTimeout(ctx, in.Cfg.HTTP.ShutdownWait)
			defer cancel()
			return hs.Shutdown(wait)
		},
	})
}

func serveGRPC(lc fx.Lifecycle, cfg config.AppConfig) {
	if cfg.GrpcPort == 0 {
		return
	}
	gs := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(gs, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("pprealtime.Gateway", healthpb.HealthCheckResponse_SERVING)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GrpcPort))
			if err != nil {
				return err
			}
			safe.Go("grpc-server", func() {
				if err := gs.Serve(lis); err != nil {
					logger.Error("[gRPC] serve failed", zap.Error(err))
				}
			})
			logger.Info("[gRPC] listening", zap.Int("port", cfg.GrpcPort))
			return nil
		},
		OnStop: func(context.Context) error {
			healthServer.Shutdown()
			gs.GracefulStop()
			return nil
		},
	})
}

func registerNacos(lc fx.Lifecycle, cfg config.AppConfig) error {
	if !cfg.Nacos.Enabled {
		return nil
	}
	nc := cfg.Nacos
	nc.Norm()
	client, err := nacos.NewNamingClient(nc)
	if err != nil {
		return err
	}
	ip := cfg.HTTP.AdvertiseIP
	if ip == "" {
		ip = tools.LocalIP()
	}
	reg := nacos.NewRegistry(client, nc.ServiceName, nc.Group, ip, uint64(cfg.HTTPPort), cfg.NodeID, cfg.GrpcPort)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := reg.Register(); err != nil {
				return err
			}
			if nodes, err := reg.Nodes(); err == nil {
				logger.Info("[Nacos] gateway nodes", zap.Int("count", len(nodes)), zap.Any("nodes", nodes))
			}
			return nil
		},
		OnStop: func(context.Context) error { return reg.Deregister() },
	})
	return nil
}

// watchRemoteConfig 远程配置变更时只热更新日志级别，其余项需重启生效
func watchRemoteConfig(cfg config.AppConfig) error {
	if !cfg.Nacos.Enabled {
		return nil
	}
	nc := cfg.Nacos
	nc.Norm()
	client, err := nacos.NewConfigClient(nc)
	if err != nil {
		return err
	}
	w := nacos.NewWatcher(client, nc.DataID, nc.Group)
	level := cfg.LogLevel
	return w.Watch(func(content string) {
		next := cfg
		if err := config.ApplyOverlay(&next, content); err != nil {
			logger.Warn("[Config] ignore bad remote update", zap.Error(err))
			return
		}
		if next.LogLevel != level {
			level = next.LogLevel
			logger.Init(level)
			logger.Info("[Config] log level changed", zap.String("level", level))
		}
	})
}
