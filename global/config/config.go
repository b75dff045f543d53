package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"inboxrelay/module/relay/ratelimit"
	"inboxrelay/tools"
	"inboxrelay/tools/errs"

	"gopkg.in/yaml.v3"
)

// 各组件的驱动名
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
	DriverHub      = "hub"
	DriverNats     = "nats"
)

type AppConfig struct {
	Node      NodeConfig      `yaml:"node"`
	Log       LogConfig       `yaml:"log"`
	HTTP      HTTPConfig      `yaml:"http"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Auth      AuthConfig      `yaml:"auth"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Dedup     DedupConfig     `yaml:"dedup"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Feed      FeedConfig      `yaml:"feed"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	NATS      NATSConfig      `yaml:"nats"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Nacos     NacosConfig     `yaml:"nacos"`
}

type NodeConfig struct {
	ID   int64  `yaml:"id"` // 雪花节点号 0~1023
	Name string `yaml:"name"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type HTTPConfig struct {
	Addr           string        `yaml:"addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	IngressRPS     float64       `yaml:"ingress_rps"` // 单 IP 每秒请求数，<=0 关闭
	IngressBurst   int           `yaml:"ingress_burst"`
	MaxConns       int           `yaml:"max_conns"` // 同时保持的连接上限，<=0 不限
	ShutdownWait   time.Duration `yaml:"shutdown_wait"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"` // 健康检查服务，空则不启动
}

type AuthConfig struct {
	Secret string        `yaml:"secret"`
	Alg    string        `yaml:"alg"`
	TTL    time.Duration `yaml:"ttl"`
}

type DispatchConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type DedupConfig struct {
	Driver string        `yaml:"driver"`
	TTL    time.Duration `yaml:"ttl"`
}

type RateLimitConfig struct {
	Driver   string                      `yaml:"driver"`
	Policies map[string]ratelimit.Policy `yaml:"policies"`
}

type StoreConfig struct {
	Driver   string         `yaml:"driver"`
	Mongo    MongoConfig    `yaml:"mongo"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type MongoConfig struct {
	URI         string   `yaml:"uri"`
	Address     []string `yaml:"address"`
	Database    string   `yaml:"database"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	AuthSource  string   `yaml:"auth_source"`
	MaxPoolSize int      `yaml:"max_pool_size"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
}

type RedisConfig struct {
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	PoolSize int      `yaml:"pool_size"`
}

type FeedConfig struct {
	Driver string `yaml:"driver"` // hub / nats / mongo
}

type RealtimeConfig struct {
	AckTimeout   time.Duration `yaml:"ack_timeout"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	FetchLimit   int           `yaml:"fetch_limit"`
	RetryBase    time.Duration `yaml:"retry_base"`
	RetryMax     time.Duration `yaml:"retry_max"`
	QueueSize    int           `yaml:"queue_size"`
}

type NATSConfig struct {
	Servers        []string `yaml:"servers"`
	User           string   `yaml:"user"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	ChangesSubject string   `yaml:"changes_subject"`
	StatusSubject  string   `yaml:"status_subject"` // 网关回执，空则不订阅
	StatusMode     string   `yaml:"status_mode"`    // core / js_push / js_pull
	StatusQueue    string   `yaml:"status_queue"`
	StatusDurable  string   `yaml:"status_durable"`
}

type KafkaConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Brokers           []string `yaml:"brokers"`
	Version           string   `yaml:"version"`
	TopicPattern      string   `yaml:"topic_pattern"`
	TopicCount        int      `yaml:"topic_count"`
	Partitions        int32    `yaml:"partitions"`
	ReplicationFactor int16    `yaml:"replication_factor"`
	Retries           int      `yaml:"retries"`
	Compression       string   `yaml:"compression"`
	AutoCreateTopics  bool     `yaml:"auto_create_topics"`
	StatusTopic       string   `yaml:"status_topic"` // 网关回执 topic，空则不消费
	GroupID           string   `yaml:"group_id"`
}

type NacosConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Host        string `yaml:"host"`
	Port        uint64 `yaml:"port"`
	Namespace   string `yaml:"namespace"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	DataID      string `yaml:"data_id"`
	Group       string `yaml:"group"`
	Register    bool   `yaml:"register"`     // 把本实例注册到 Nacos 服务列表
	AdvertiseIP string `yaml:"advertise_ip"` // 注册用 IP，空则取本机首个非回环地址
}

// Default 单机可跑的默认配置：全部内存实现
func Default() AppConfig {
	return AppConfig{
		Node:     NodeConfig{ID: 1, Name: "relayd"},
		Log:      LogConfig{Level: "info"},
		HTTP:     HTTPConfig{Addr: ":8080", IngressRPS: 50, IngressBurst: 100, MaxConns: 10000, ShutdownWait: 10 * time.Second},
		Auth:     AuthConfig{Alg: "HS256", TTL: 2 * time.Hour},
		Dispatch: DispatchConfig{Timeout: 15 * time.Second},
		Dedup:    DedupConfig{Driver: DriverMemory, TTL: 60 * time.Second},
		RateLimit: RateLimitConfig{
			Driver:   DriverMemory,
			Policies: PolicyConfig(ratelimit.DefaultPolicies()),
		},
		Store: StoreConfig{Driver: DriverMemory, Mongo: MongoConfig{Database: "inboxrelay"}},
		Feed:  FeedConfig{Driver: DriverHub},
		NATS: NATSConfig{
			ChangesSubject: "relay.changes",
			StatusMode:     "core",
			StatusQueue:    "relay-status",
		},
		Kafka: KafkaConfig{
			Version:           "2.1.0",
			TopicPattern:      "relay.outbound-%02d",
			TopicCount:        8,
			Partitions:        8,
			ReplicationFactor: 1,
			Retries:           5,
			Compression:       "snappy",
			AutoCreateTopics:  true,
			GroupID:           "inboxrelay-status",
		},
		Nacos: NacosConfig{Port: 8848, Group: "DEFAULT_GROUP", DataID: "relayd.yaml"},
	}
}

// Policy 限流策略在配置里的形式
type Policy = ratelimit.Policy

// PolicyConfig 策略表转成配置形式
func PolicyConfig(p map[ratelimit.ActionClass]ratelimit.Policy) map[string]ratelimit.Policy {
	out := make(map[string]ratelimit.Policy, len(p))
	for k, v := range p {
		out[string(k)] = v
	}
	return out
}

// Load 读取 YAML（path 为空则只用默认值），再叠加 RELAY_* 环境变量
func Load(path string) (AppConfig, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return AppConfig{}, errs.WrapMsg(err, "read config", "path", path)
		}
		data = b
	}
	cfg, err := Parse(data)
	if err != nil {
		return cfg, err
	}
	ApplyEnv(&cfg)
	return cfg, cfg.Validate()
}

// Parse 在默认值之上解析 YAML 文档
func Parse(data []byte) (AppConfig, error) {
	cfg := Default()
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errs.WrapMsg(err, "parse config yaml")
	}
	return cfg, nil
}

// ApplyEnv 环境变量覆盖，容器部署时常用
func ApplyEnv(c *AppConfig) {
	c.Node.ID = int64(tools.GetEnvInt("RELAY_NODE_ID", int(c.Node.ID)))
	c.Log.Level = tools.GetEnv("RELAY_LOG_LEVEL", c.Log.Level)
	c.HTTP.Addr = tools.GetEnv("RELAY_HTTP_ADDR", c.HTTP.Addr)
	c.GRPC.Addr = tools.GetEnv("RELAY_GRPC_ADDR", c.GRPC.Addr)
	c.Auth.Secret = tools.GetEnv("RELAY_AUTH_SECRET", c.Auth.Secret)
	c.Dispatch.Timeout = tools.GetEnvDuration("RELAY_DISPATCH_TIMEOUT", c.Dispatch.Timeout)
	c.Dedup.Driver = tools.GetEnv("RELAY_DEDUP_DRIVER", c.Dedup.Driver)
	c.RateLimit.Driver = tools.GetEnv("RELAY_RATELIMIT_DRIVER", c.RateLimit.Driver)
	c.Store.Driver = tools.GetEnv("RELAY_STORE_DRIVER", c.Store.Driver)
	c.Store.Mongo.URI = tools.GetEnv("RELAY_MONGO_URI", c.Store.Mongo.URI)
	c.Store.Postgres.DSN = tools.GetEnv("RELAY_PG_DSN", c.Store.Postgres.DSN)
	c.Redis.Addrs = tools.GetEnvList("RELAY_REDIS_ADDRS", c.Redis.Addrs)
	c.Redis.Password = tools.GetEnv("RELAY_REDIS_PASSWORD", c.Redis.Password)
	c.Feed.Driver = tools.GetEnv("RELAY_FEED_DRIVER", c.Feed.Driver)
	c.NATS.Servers = tools.GetEnvList("RELAY_NATS_SERVERS", c.NATS.Servers)
	c.Kafka.Enabled = tools.GetEnvBool("RELAY_KAFKA_ENABLED", c.Kafka.Enabled)
	c.Kafka.Brokers = tools.GetEnvList("RELAY_KAFKA_BROKERS", c.Kafka.Brokers)
	c.Nacos.Enabled = tools.GetEnvBool("RELAY_NACOS_ENABLED", c.Nacos.Enabled)
	c.Nacos.Host = tools.GetEnv("RELAY_NACOS_HOST", c.Nacos.Host)
}

// Validate 驱动名与依赖项是否齐全
func (c *AppConfig) Validate() error {
	bad := func(format string, args ...any) error {
		return errs.ErrArgs.WrapMsg(fmt.Sprintf(format, args...))
	}
	if len(c.Auth.Secret) < 16 {
		return bad("auth.secret must be at least 16 bytes")
	}
	if c.Node.ID < 0 || c.Node.ID > 1023 {
		return bad("node.id %d out of range 0..1023", c.Node.ID)
	}
	needRedis := false
	for name, d := range map[string]string{"dedup": c.Dedup.Driver, "ratelimit": c.RateLimit.Driver} {
		switch strings.ToLower(d) {
		case DriverMemory:
		case DriverRedis:
			needRedis = true
		default:
			return bad("%s.driver %q unsupported", name, d)
		}
	}
	if needRedis && len(c.Redis.Addrs) == 0 {
		return bad("redis.addrs required by redis drivers")
	}
	switch strings.ToLower(c.Store.Driver) {
	case DriverMemory:
	case DriverMongo:
		if c.Store.Mongo.URI == "" && len(c.Store.Mongo.Address) == 0 {
			return bad("store.mongo.uri or address required")
		}
	case DriverPostgres:
		if c.Store.Postgres.DSN == "" {
			return bad("store.postgres.dsn required")
		}
	default:
		return bad("store.driver %q unsupported", c.Store.Driver)
	}
	switch strings.ToLower(c.Feed.Driver) {
	case DriverHub:
	case DriverNats:
		if len(c.NATS.Servers) == 0 {
			return bad("nats.servers required by nats feed")
		}
	case DriverMongo:
		if !strings.EqualFold(c.Store.Driver, DriverMongo) {
			return bad("mongo feed requires the mongo store")
		}
	default:
		return bad("feed.driver %q unsupported", c.Feed.Driver)
	}
	if c.NATS.StatusSubject != "" && len(c.NATS.Servers) == 0 {
		return bad("nats.servers required by status subject")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return bad("kafka.brokers required when kafka is enabled")
	}
	for class, p := range c.RateLimit.Policies {
		if p.Window <= 0 || p.Ceiling <= 0 {
			return bad("ratelimit policy %q needs positive window and ceiling", class)
		}
	}
	return nil
}

// RatePolicies 配置形式转回策略表
func (c *AppConfig) RatePolicies() map[ratelimit.ActionClass]ratelimit.Policy {
	out := make(map[ratelimit.ActionClass]ratelimit.Policy, len(c.RateLimit.Policies))
	for k, v := range c.RateLimit.Policies {
		out[ratelimit.ActionClass(k)] = v
	}
	return out
}
