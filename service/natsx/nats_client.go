package natsx

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"inboxrelay/logger"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NatsxMode 工作模式
type NatsxMode int

const (
	Core          NatsxMode = iota // 无持久化
	JetStreamPush                  // JS 推送订阅
	JetStreamPull                  // JS 拉取订阅
)

// ParseMode 配置文件里的 "core" / "js_push" / "js_pull"
func ParseMode(s string) NatsxMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "js_push", "jetstream_push":
		return JetStreamPush
	case "js_pull", "jetstream_pull":
		return JetStreamPull
	default:
		return Core
	}
}

// NatsxRoute 路由配置（按 Biz 维度注册）
type NatsxRoute struct {
	Biz           string
	Subject       string
	Mode          NatsxMode
	Queue         string // 队列组（Core/JS Push），广播时留空
	Durable       string // JS durable 名（建议设置）
	AckWait       time.Duration
	MaxAckPending int
}

// NatsxConfig 客户端配置
type NatsxConfig struct {
	Servers         []string
	Name            string
	User            string
	Password        string
	Token           string
	ReconnectWait   time.Duration
	Timeout         time.Duration
	PublishAsyncMax int
	Logger          *zap.Logger
}

// ConnListener 连接状态监听
type ConnListener interface {
	Disconnected(err error)
	Reconnected()
}

// NatsxClient 统一客户端
type NatsxClient struct {
	cfg NatsxConfig
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *zap.Logger

	mu        sync.RWMutex
	routes    map[string]NatsxRoute           // biz -> route
	subs      map[string][]*nats.Subscription // biz -> subs
	listeners []ConnListener
}

// NewNatsxClient 连接 NATS
func NewNatsxClient(cfg NatsxConfig) (*NatsxClient, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.PublishAsyncMax == 0 {
		cfg.PublishAsyncMax = 4096
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Named("nats")
	}
	c := &NatsxClient{
		cfg:    cfg,
		log:    cfg.Logger,
		routes: make(map[string]NatsxRoute),
		subs:   make(map[string][]*nats.Subscription),
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.log.Warn("nats disconnected", zap.Error(err))
			if err == nil {
				err = nats.ErrConnectionClosed
			}
			for _, l := range c.snapshotListeners() {
				l.Disconnected(err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
			for _, l := range c.snapshotListeners() {
				l.Reconnected()
			}
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.log.Info("nats connection closed")
		}),
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.User != "":
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	c.nc = nc
	c.log.Info("nats connected", zap.String("url", nc.ConnectedUrl()))
	return c, nil
}

// Watch 注册连接状态监听
func (c *NatsxClient) Watch(l ConnListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

func (c *NatsxClient) snapshotListeners() []ConnListener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ConnListener(nil), c.listeners...)
}

// Connected 当前是否在线
func (c *NatsxClient) Connected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Close 优雅关闭
func (c *NatsxClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for biz, subs := range c.subs {
		for _, sub := range subs {
			_ = sub.Drain()
		}
		delete(c.subs, biz)
	}
	if c.nc != nil {
		return c.nc.Drain()
	}
	return nil
}

// ensureJS 初始化 JetStream 上下文
func (c *NatsxClient) ensureJS() error {
	if c.js != nil {
		return nil
	}
	js, err := c.nc.JetStream(nats.PublishAsyncMaxPending(c.cfg.PublishAsyncMax))
	if err != nil {
		return err
	}
	c.js = js
	return nil
}

// RegisterRoute 注册 Biz 路由
func (c *NatsxClient) RegisterRoute(r NatsxRoute) error {
	if r.Biz == "" || r.Subject == "" {
		return errors.New("invalid route")
	}
	if r.Mode == JetStreamPush || r.Mode == JetStreamPull {
		if err := c.ensureJS(); err != nil {
			return fmt.Errorf("init jetstream: %w", err)
		}
	}
	if r.AckWait == 0 {
		r.AckWait = 30 * time.Second
	}
	if r.MaxAckPending == 0 {
		r.MaxAckPending = 1024
	}
	c.mu.Lock()
	c.routes[r.Biz] = r
	c.mu.Unlock()
	return nil
}

// route 查询已注册路由
func (c *NatsxClient) route(biz string) (NatsxRoute, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routes[biz]
	return r, ok
}

func (c *NatsxClient) addSub(biz string, sub *nats.Subscription) {
	c.mu.Lock()
	c.subs[biz] = append(c.subs[biz], sub)
	c.mu.Unlock()
}
