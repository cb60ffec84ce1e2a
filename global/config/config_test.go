package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"PPRealtime/service/nacos"
	"PPRealtime/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
nodeId: gw-7
workerId: 7
httpPort: 9000
jwt:
  secret: 0123456789abcdef0123
chat:
  heartbeatInterval: 15s
  maxPerUser: 3
  evictOldest: true
redis:
  enabled: true
  addr: 127.0.0.1:6379
  presenceTTL: 45s
nats:
  enabled: true
  servers: ["nats://127.0.0.1:4222"]
  reconnectWait: 250ms
nacos:
  enabled: true
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "gw.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadLayers(t *testing.T) {
	path := writeTemp(t, sample)
	t.Setenv(EnvGrpcPort, "6000")

	var fetched nacos.Config
	remote := func(c nacos.Config) (string, error) {
		fetched = c
		return "chat:\n  authTimeout: 3s\n", nil
	}

	cfg, err := Load(path, remote)
	require.NoError(t, err)

	assert.Equal(t, "gw-7", cfg.NodeID)
	assert.Equal(t, int64(7), cfg.WorkerID)
	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, 6000, cfg.GrpcPort)
	assert.Equal(t, 15*time.Second, cfg.Chat.HeartbeatInterval)
	assert.Equal(t, 3*time.Second, cfg.Chat.AuthTimeout)
	// 文件与远程都没写的字段保持默认
	assert.Equal(t, 256, cfg.Chat.SendQueue)
	assert.Equal(t, "HS256", cfg.JWT.Alg)
	assert.True(t, cfg.Chat.EvictOldest)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, 45*time.Second, cfg.Redis.PresenceTTL)
	assert.Equal(t, []string{"nats://127.0.0.1:4222"}, cfg.NATS.Servers)
	assert.Equal(t, 250*time.Millisecond, cfg.NATS.ReconnectWait)
	assert.Equal(t, "DEFAULT_GROUP", fetched.Group)
}

func TestLoadRemoteFailure(t *testing.T) {
	path := writeTemp(t, sample)
	_, err := Load(path, func(nacos.Config) (string, error) { return "", errors.New("nacos down") })
	assert.Error(t, err)
}

func TestLoadEnvPathAndSecret(t *testing.T) {
	path := writeTemp(t, "nodeId: from-env\n")
	t.Setenv(EnvConfigPath, path)
	t.Setenv(EnvJWTSecret, "env-secret-0123456789")
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.NodeID)
	assert.Equal(t, "env-secret-0123456789", cfg.JWT.Secret)
}

func TestValidate(t *testing.T) {
	base := func() AppConfig {
		c := Default()
		c.JWT.Secret = "0123456789abcdef"
		return c
	}
	ok := base()
	require.NoError(t, ok.Validate())

	cases := map[string]func(c *AppConfig){
		"short secret":    func(c *AppConfig) { c.JWT.Secret = "x" },
		"no node":         func(c *AppConfig) { c.NodeID = "" },
		"port clash":      func(c *AppConfig) { c.GrpcPort = c.HTTPPort },
		"bad driver":      func(c *AppConfig) { c.Storage.Driver = "sqlite" },
		"postgres no dsn": func(c *AppConfig) { c.Storage.Driver = DriverPostgres },
		"redis no addr":   func(c *AppConfig) { c.Redis.Enabled = true },
		"kafka no broker": func(c *AppConfig) { c.Kafka.Enabled = true },
		"worker range":    func(c *AppConfig) { c.WorkerID = 4096 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, errs.ErrBadRequest.Is(err))
		})
	}
}

func TestBadEnvPort(t *testing.T) {
	path := writeTemp(t, "jwt:\n  secret: 0123456789abcdef\n")
	t.Setenv(EnvHTTPPort, "http")
	_, err := Load(path, nil)
	assert.Error(t, err)
}
