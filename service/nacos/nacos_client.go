package nacos

import (
	"PPRealtime/tools/errs"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

// Config nacos 连接与远程配置位置
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Host        string `yaml:"host"`
	Port        uint64 `yaml:"port"`
	NamespaceID string `yaml:"namespaceId"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	DataID      string `yaml:"dataId"`
	Group       string `yaml:"group"`
	ServiceName string `yaml:"serviceName"` // 网关节点注册名
	TimeoutMs   uint64 `yaml:"timeoutMs"`
	LogLevel    string `yaml:"logLevel"`
	CacheDir    string `yaml:"cacheDir"`
	LogDir      string `yaml:"logDir"`
}

// Norm 补默认值
func (c *Config) Norm() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8848
	}
	if c.Group == "" {
		c.Group = "DEFAULT_GROUP"
	}
	if c.DataID == "" {
		c.DataID = "pprealtime-gateway.yaml"
	}
	if c.ServiceName == "" {
		c.ServiceName = "pprealtime-gateway"
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = 5000
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if c.CacheDir == "" {
		c.CacheDir = "nacos/cache"
	}
	if c.LogDir == "" {
		c.LogDir = "nacos/log"
	}
}

func (c Config) serverConfigs() []constant.ServerConfig {
	return []constant.ServerConfig{
		*constant.NewServerConfig(c.Host, c.Port),
	}
}

func (c Config) clientConfig() *constant.ClientConfig {
	return constant.NewClientConfig(
		constant.WithNamespaceId(c.NamespaceID),
		constant.WithTimeoutMs(c.TimeoutMs),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogLevel(c.LogLevel),
		constant.WithCacheDir(c.CacheDir),
		constant.WithLogDir(c.LogDir),
		constant.WithUsername(c.Username),
		constant.WithPassword(c.Password),
	)
}

func NewConfigClient(c Config) (config_client.IConfigClient, error) {
	c.Norm()
	client, err := clients.NewConfigClient(vo.NacosClientParam{
		ClientConfig:  c.clientConfig(),
		ServerConfigs: c.serverConfigs(),
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "nacos config client", "host", c.Host)
	}
	return client, nil
}

func NewNamingClient(c Config) (naming_client.INamingClient, error) {
	c.Norm()
	client, err := clients.NewNamingClient(vo.NacosClientParam{
		ClientConfig:  c.clientConfig(),
		ServerConfigs: c.serverConfigs(),
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "nacos naming client", "host", c.Host)
	}
	return client, nil
}
