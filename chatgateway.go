package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"PPRealtime/global/config"
	"PPRealtime/logger"
	"PPRealtime/tools/ids"
	"PPRealtime/tools/security"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	path := flag.String("config", "", "yaml config file, falls back to $"+config.EnvConfigPath)
	issueFor := flag.String("issue-token", "", "print a token for this user signed with the configured secret and exit")
	flag.Parse()

	// 1) 配置：默认值 -> 文件 -> nacos -> 环境变量
	cfg, err := config.Load(*path, config.NacosFetcher)
	if err != nil {
		logger.Error("[Boot] load config failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel)
	defer logger.Sync()

	if *issueFor != "" {
		code := issueToken(cfg, *issueFor)
		logger.Sync()
		os.Exit(code)
	}

	// 2) 雪花 id 机器号
	ids.SetNodeID(cfg.WorkerID)

	logger.Info("[Boot] starting gateway",
		zap.String("node", cfg.NodeID),
		zap.Int("http", cfg.HTTPPort),
		zap.Int("grpc", cfg.GrpcPort),
		zap.String("storage", cfg.Storage.Driver),
	)

	// 3) 组装并运行，SIGINT/SIGTERM 触发 OnStop
	app := fx.New(
		fx.WithLogger(func() fxevent.Logger { return &fxevent.ZapLogger{Logger: logger.Named("fx")} }),
		gatewayModule(cfg),
	)
	app.Run()
}

// issueToken 本地联调用：按网关的 jwt 配置签一个 token
func issueToken(cfg config.AppConfig, userID string) int {
	tok, exp, err := security.Generate(security.Options{
		Secret: []byte(cfg.JWT.Secret),
		Alg:    cfg.JWT.Alg,
		TTL:    cfg.JWT.TTL,
	}, userID, time.Now())
	if err != nil {
		logger.Error("[Boot] issue token failed", zap.Error(err))
		return 1
	}
	fmt.Println(tok)
	logger.Info("[Boot] token issued", zap.String("user", userID), zap.Time("expireAt", exp))
	return 0
}
