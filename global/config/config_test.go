package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/stretchr/testify/require"
)

const sample = `
node:
  id: 7
auth:
  secret: "0123456789abcdef0123"
dedup:
  driver: redis
  ttl: 90s
redis:
  addrs: ["127.0.0.1:6379"]
ratelimit:
  driver: memory
  policies:
    message: {window: 30s, ceiling: 5}
store:
  driver: postgres
  postgres:
    dsn: postgres://relay@localhost/relay
kafka:
  enabled: true
  brokers: ["k1:9092"]
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	t.Setenv("RELAY_HTTP_ADDR", ":9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, int64(7), cfg.Node.ID)
	require.Equal(t, 90*time.Second, cfg.Dedup.TTL)
	require.Equal(t, ":9999", cfg.HTTP.Addr)
	require.Equal(t, DriverPostgres, cfg.Store.Driver)

	p := cfg.RatePolicies()
	require.Equal(t, 30*time.Second, p["message"].Window)
	require.Equal(t, 5, p["message"].Ceiling)
	// 未覆盖的类别保留默认值
	require.Equal(t, 10, p["bulk"].Ceiling)
	require.Equal(t, 15*time.Second, cfg.Dispatch.Timeout)
}

func TestValidate(t *testing.T) {
	base := func() AppConfig {
		c := Default()
		c.Auth.Secret = "0123456789abcdef"
		return c
	}
	c := base()
	require.NoError(t, c.Validate())

	cases := map[string]func(*AppConfig){
		"short secret":       func(c *AppConfig) { c.Auth.Secret = "x" },
		"redis without addr": func(c *AppConfig) { c.RateLimit.Driver = DriverRedis },
		"unknown store":      func(c *AppConfig) { c.Store.Driver = "sqlite" },
		"mongo feed on pg": func(c *AppConfig) {
			c.Store = StoreConfig{Driver: DriverPostgres, Postgres: PostgresConfig{DSN: "x"}}
			c.Feed.Driver = DriverMongo
		},
		"nats feed without servers": func(c *AppConfig) { c.Feed.Driver = DriverNats },
		"bad policy": func(c *AppConfig) {
			c.RateLimit.Policies = map[string]Policy{"message": {Window: 0, Ceiling: 1}}
		},
	}
	for name, mut := range cases {
		c := base()
		mut(&c)
		require.Error(t, c.Validate(), name)
	}
}

type policySink struct{ got []map[string]Policy }

func (p *policySink) ApplyRatePolicies(m map[string]Policy) { p.got = append(p.got, m) }

type stubSource struct {
	content string
	on      func(namespace, group, dataId, data string)
}

func (s *stubSource) GetConfig(vo.ConfigParam) (string, error) { return s.content, nil }
func (s *stubSource) ListenConfig(p vo.ConfigParam) error       { s.on = p.OnChange; return nil }
func (s *stubSource) CancelListenConfig(vo.ConfigParam) error   { return nil }

func TestWatchNacos_AppliesPolicies(t *testing.T) {
	src := &stubSource{content: "ratelimit:\n  policies:\n    message: {window: 1m, ceiling: 50}\n"}
	sink := &policySink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := watchWith(ctx, src, NacosConfig{DataID: "relayd.yaml", Group: "DEFAULT_GROUP"}, sink)
	require.NoError(t, err)
	require.Len(t, sink.got, 1)
	require.Equal(t, 50, sink.got[0]["message"].Ceiling)

	src.on("", "DEFAULT_GROUP", "relayd.yaml", "ratelimit: [not, a, map")
	src.on("", "DEFAULT_GROUP", "relayd.yaml", "ratelimit:\n  policies:\n    bulk: {window: 0s, ceiling: 1}\n")
	require.Len(t, sink.got, 1)

	src.on("", "DEFAULT_GROUP", "relayd.yaml", "ratelimit:\n  policies:\n    bulk: {window: 2h, ceiling: 3}\n")
	require.Len(t, sink.got, 2)
	require.Equal(t, 3, sink.got[1]["bulk"].Ceiling)
}
