package config

import (
	"os"
	"strconv"
	"time"

	"PPRealtime/logger"
	"PPRealtime/service/kafka"
	mgoSrv "PPRealtime/service/mgo"
	"PPRealtime/service/nacos"
	"PPRealtime/service/natsx"
	redisSrv "PPRealtime/service/storage/redis"
	"PPRealtime/tools/errs"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath = "PPRT_CONFIG"
	EnvNodeID     = "PPRT_NODE_ID"
	EnvHTTPPort   = "PPRT_HTTP_PORT"
	EnvGrpcPort   = "PPRT_GRPC_PORT"
	EnvJWTSecret  = "PPRT_JWT_SECRET"
)

const (
	DriverMemory   = "memory"
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
)

// AppConfig 网关节点配置
type AppConfig struct {
	NodeID   string `yaml:"nodeId"`   // 节点ID（presence / 跨节点中继用）
	WorkerID int64  `yaml:"workerId"` // 雪花 id 的机器号
	HTTPPort int    `yaml:"httpPort"` // http + websocket
	GrpcPort int    `yaml:"grpcPort"` // grpc health
	LogLevel string `yaml:"logLevel"`

	JWT     JWTConf      `yaml:"jwt"`
	HTTP    HTTPConf     `yaml:"http"`
	Chat    ChatConf     `yaml:"chat"`
	Storage StorageConf  `yaml:"storage"`
	Redis   RedisConf    `yaml:"redis"`
	NATS    NATSConf     `yaml:"nats"`
	Kafka   kafka.Config `yaml:"kafka"`
	Nacos   nacos.Config `yaml:"nacos"`
}

type JWTConf struct {
	Secret string        `yaml:"secret"`
	Alg    string        `yaml:"alg"`
	TTL    time.Duration `yaml:"ttl"`
	Leeway time.Duration `yaml:"leeway"`
}

// HTTPConf http 入口
type HTTPConf struct {
	AllowedOrigins []string      `yaml:"allowedOrigins"` // 空表示不限制
	PushToken      string        `yaml:"pushToken"`      // /internal/push 共享密钥；空则不校验
	ShutdownWait   time.Duration `yaml:"shutdownWait"`
	AdvertiseIP    string        `yaml:"advertiseIp"` // 注册到 nacos 的地址；空则取本机 IP
}

// ChatConf 连接管理与心跳参数
type ChatConf struct {
	AuthTimeout       time.Duration `yaml:"authTimeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	MaxPerUser        int           `yaml:"maxPerUser"`
	EvictOldest       bool          `yaml:"evictOldest"`
	SendQueue         int           `yaml:"sendQueue"`
	WriteWait         time.Duration `yaml:"writeWait"`
	MaxMessageBytes   int64         `yaml:"maxMessageBytes"`
	DedupSize         int           `yaml:"dedupSize"`
	FanoutWorkers     int           `yaml:"fanoutWorkers"`
	FanoutQueue       int           `yaml:"fanoutQueue"`
}

type StorageConf struct {
	Driver   string        `yaml:"driver"` // memory|mongo|postgres
	Mongo    mgoSrv.Config `yaml:"mongo"`
	Postgres PostgresConf  `yaml:"postgres"`
}

type PostgresConf struct {
	DSN string `yaml:"dsn"`
}

type RedisConf struct {
	redisSrv.Config `yaml:",inline"`

	Enabled     bool          `yaml:"enabled"`
	PresenceTTL time.Duration `yaml:"presenceTTL"`
}

type NATSConf struct {
	natsx.Config `yaml:",inline"`

	Enabled bool `yaml:"enabled"`
}

// Default 单机开发默认值：内存存储，不连外部组件
func Default() AppConfig {
	return AppConfig{
		NodeID:   "gateway_01",
		WorkerID: 1,
		HTTPPort: 8080,
		GrpcPort: 50051,
		LogLevel: "info",
		JWT: JWTConf{
			Alg:    "HS256",
			TTL:    24 * time.Hour,
			Leeway: 5 * time.Second,
		},
		Chat: ChatConf{
			AuthTimeout:       10 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			SendQueue:         256,
			WriteWait:         10 * time.Second,
			MaxMessageBytes:   64 << 10,
			DedupSize:         4096,
			FanoutWorkers:     4,
			FanoutQueue:       1024,
		},
		HTTP:    HTTPConf{ShutdownWait: 5 * time.Second},
		Storage: StorageConf{Driver: DriverMemory},
		Redis:   RedisConf{PresenceTTL: 90 * time.Second},
	}
}

// RemoteFetcher 远程配置（nacos）拉取
type RemoteFetcher func(c nacos.Config) (string, error)

// Load 默认值 -> YAML 文件 -> nacos 覆盖 -> 环境变量，最后校验
func Load(path string, remote RemoteFetcher) (AppConfig, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, errs.WrapMsg(err, "read config", "path", path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, errs.WrapMsg(err, "parse config", "path", path)
		}
	}

	if cfg.Nacos.Enabled && remote != nil {
		cfg.Nacos.Norm()
		content, err := remote(cfg.Nacos)
		if err != nil {
			return cfg, err
		}
		if err := ApplyOverlay(&cfg, content); err != nil {
			return cfg, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyOverlay YAML 片段覆盖到已有配置上，未出现的字段保持原值
func ApplyOverlay(cfg *AppConfig, content string) error {
	if content == "" {
		return nil
	}
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return errs.WrapMsg(err, "parse remote config")
	}
	logger.Info("[Config] remote overlay applied", zap.Int("bytes", len(content)))
	return nil
}

// NacosFetcher 用 nacos config client 拉取
func NacosFetcher(c nacos.Config) (string, error) {
	client, err := nacos.NewConfigClient(c)
	if err != nil {
		return "", err
	}
	return nacos.NewWatcher(client, c.DataID, c.Group).Load()
}

func applyEnv(cfg *AppConfig) error {
	if v := os.Getenv(EnvNodeID); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		cfg.JWT.Secret = v
	}
	for env, dst := range map[string]*int{EnvHTTPPort: &cfg.HTTPPort, EnvGrpcPort: &cfg.GrpcPort} {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errs.ErrBadRequest.WrapMsg("invalid port", "env", env, "value", v)
		}
		*dst = n
	}
	return nil
}

// Validate 启动前检查
func (c *AppConfig) Validate() error {
	if c.NodeID == "" {
		return errs.ErrBadRequest.WrapMsg("nodeId required")
	}
	if c.WorkerID < 0 || c.WorkerID > 1023 {
		return errs.ErrBadRequest.WrapMsg("workerId out of range", "workerId", c.WorkerID)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return errs.ErrBadRequest.WrapMsg("invalid httpPort", "port", c.HTTPPort)
	}
	if c.GrpcPort < 0 || c.GrpcPort > 65535 || (c.GrpcPort != 0 && c.GrpcPort == c.HTTPPort) {
		return errs.ErrBadRequest.WrapMsg("invalid grpcPort", "port", c.GrpcPort)
	}
	if len(c.JWT.Secret) < 16 {
		return errs.ErrBadRequest.WrapMsg("jwt secret must be at least 16 bytes")
	}
	if c.Chat.HeartbeatInterval <= 0 || c.Chat.AuthTimeout <= 0 {
		return errs.ErrBadRequest.WrapMsg("heartbeatInterval and authTimeout must be positive")
	}
	if c.Chat.MaxPerUser < 0 {
		return errs.ErrBadRequest.WrapMsg("maxPerUser must not be negative")
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverMongo:
		if err := c.Storage.Mongo.ValidateAndSetDefaults(); err != nil {
			return err
		}
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			return errs.ErrBadRequest.WrapMsg("postgres dsn required")
		}
	default:
		return errs.ErrBadRequest.WrapMsg("unknown storage driver", "driver", c.Storage.Driver)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errs.ErrBadRequest.WrapMsg("redis addr required")
	}
	if c.NATS.Enabled && len(c.NATS.Servers) == 0 {
		return errs.ErrBadRequest.WrapMsg("nats servers required")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errs.ErrBadRequest.WrapMsg("kafka brokers required")
	}
	return nil
}
