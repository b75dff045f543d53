package global

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"inboxrelay/data/database/mgo/mongoutil"
	"inboxrelay/global/config"
	"inboxrelay/logger"
	"inboxrelay/middleware"
	"inboxrelay/middleware/security"
	"inboxrelay/module/relay/dedup"
	"inboxrelay/module/relay/dispatch"
	"inboxrelay/module/relay/ratelimit"
	"inboxrelay/module/relay/realtime"
	"inboxrelay/module/relay/status"
	"inboxrelay/module/relay/store"
	"inboxrelay/service/api"
	"inboxrelay/service/kafka"
	mgoSrv "inboxrelay/service/mgo"
	"inboxrelay/service/nacos"
	"inboxrelay/service/natsx"
	"inboxrelay/service/pg"
	"inboxrelay/service/rpc"
	rds "inboxrelay/service/storage/redis"
	"inboxrelay/tools/ids"

	"github.com/Shopify/sarama"
	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"
)

const mongoReadyTimeout = 30 * time.Second

type kafkaParts struct {
	client sarama.Client
	ac     kafka.AppConfig
}

func (a *App) configIDs() {
	ids.SetNodeID(a.Cfg.Node.ID)
	a.IDs = ids.NewNode(a.Cfg.Node.ID)
}

func needsRedis(c config.AppConfig) bool {
	return strings.EqualFold(c.Dedup.Driver, config.DriverRedis) ||
		strings.EqualFold(c.RateLimit.Driver, config.DriverRedis) ||
		(len(c.Redis.Addrs) > 0 && c.NATS.StatusSubject != "")
}

func (a *App) configRedis(ctx context.Context) error {
	if !needsRedis(a.Cfg) {
		return nil
	}
	rdb, err := rds.NewClient(ctx, rds.Config{
		Addrs:    a.Cfg.Redis.Addrs,
		Password: a.Cfg.Redis.Password,
		DB:       a.Cfg.Redis.DB,
		PoolSize: a.Cfg.Redis.PoolSize,
	})
	if err != nil {
		return err
	}
	a.Redis = rdb
	a.checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	a.onClose(func(context.Context) error { return rdb.Close() })
	return nil
}

func (a *App) configGuard(context.Context) error {
	if strings.EqualFold(a.Cfg.Dedup.Driver, config.DriverRedis) {
		a.Guard = dedup.NewRedisGuard(a.Redis, dedup.WithTTL(a.Cfg.Dedup.TTL))
		return nil
	}
	g := dedup.NewMemGuard(dedup.WithTTL(a.Cfg.Dedup.TTL))
	a.Guard = g
	a.onClose(func(context.Context) error { return g.Close() })
	return nil
}

func (a *App) configLimiter(context.Context) error {
	policies := a.Cfg.RatePolicies()
	if strings.EqualFold(a.Cfg.RateLimit.Driver, config.DriverRedis) {
		a.Limiter = ratelimit.NewRedisLimiter(a.Redis, "", policies)
		return nil
	}
	l := ratelimit.NewMemLimiter(ratelimit.MemConf{Policies: policies})
	a.Limiter = l
	a.onClose(func(context.Context) error { return l.Close() })
	return nil
}

func (a *App) configStore(ctx context.Context) error {
	switch strings.ToLower(a.Cfg.Store.Driver) {
	case config.DriverMongo:
		db, err := a.startMongo(ctx)
		if err != nil {
			return err
		}
		ms := store.NewMongoStore(db)
		if err := ms.EnsureIndexes(ctx); err != nil {
			return err
		}
		a.Store = ms
	case config.DriverPostgres:
		pc := a.Cfg.Store.Postgres
		pool, err := pg.NewPool(ctx, pg.Config{DSN: pc.DSN, MaxConns: pc.MaxConns, MinConns: pc.MinConns})
		if err != nil {
			return err
		}
		ps := store.NewPGStore(pool)
		a.onClose(ps.Close)
		if err := ps.EnsureSchema(ctx); err != nil {
			return err
		}
		a.Store = ps
		a.checks["postgres"] = pool.Ping
	default:
		a.Store = store.NewMemStore()
	}
	return nil
}

// startMongo 后台连接并保持探活，最多等 mongoReadyTimeout
func (a *App) startMongo(ctx context.Context) (*mongo.Database, error) {
	mc := a.Cfg.Store.Mongo
	mgr := mgoSrv.NewManager(&mongoutil.Config{
		Uri:         mc.URI,
		Address:     mc.Address,
		Database:    mc.Database,
		Username:    mc.Username,
		Password:    mc.Password,
		AuthSource:  mc.AuthSource,
		MaxPoolSize: mc.MaxPoolSize,
	}, nil)
	mctx, stop := context.WithCancel(context.Background())
	mgr.StartAsync(mctx)
	a.onClose(func(context.Context) error {
		stop()
		mgr.Wait()
		return nil
	})
	a.checks["mongo"] = func(context.Context) error {
		if !mgr.Healthy() {
			return mgoSrv.ErrNotReady
		}
		return nil
	}

	wctx, cancel := context.WithTimeout(ctx, mongoReadyTimeout)
	defer cancel()
	return mgr.WaitReady(wctx)
}

func (a *App) configFeed(ctx context.Context) error {
	switch strings.ToLower(a.Cfg.Feed.Driver) {
	case config.DriverNats:
		mgr, err := a.natsManager()
		if err != nil {
			return err
		}
		f, err := natsx.NewFeed(mgr, natsx.FeedConfig{Subject: a.Cfg.NATS.ChangesSubject})
		if err != nil {
			return err
		}
		a.feed = feed{transport: f, publisher: f}
	case config.DriverMongo:
		ms, ok := a.Store.(*store.MongoStore)
		if !ok {
			return errors.New("mongo feed requires the mongo store")
		}
		a.feed = feed{transport: mgoSrv.NewChangeFeed(ms.DB, mgoSrv.ChangeFeedConfig{})}
	default:
		h := realtime.NewHub(nil)
		a.feed = feed{transport: h, publisher: h}
	}
	return nil
}

// natsManager 推送与回执共用一条连接
func (a *App) natsManager() (*natsx.NatsManager, error) {
	if a.nats != nil {
		return a.nats, nil
	}
	nc := a.Cfg.NATS
	mgr, err := natsx.NewNatsManager(natsx.NatsxConfig{
		Servers:  nc.Servers,
		Name:     a.Cfg.Node.Name,
		User:     nc.User,
		Password: nc.Password,
		Token:    nc.Token,
	}, natsx.NatsxLogMiddleware(logger.Named("nats"), time.Second))
	if err != nil {
		return nil, err
	}
	a.nats = mgr
	a.checks["nats"] = func(context.Context) error {
		if !mgr.Connected() {
			return errors.New("nats disconnected")
		}
		return nil
	}
	a.onClose(func(context.Context) error { return mgr.Close() })
	return mgr, nil
}

func (a *App) kafkaConfig() kafka.AppConfig {
	kc := a.Cfg.Kafka
	ac := kafka.DefaultConfig()
	ac.Brokers = kc.Brokers
	ac.GroupID = kc.GroupID
	ac.TopicPattern = kc.TopicPattern
	ac.TopicCount = kc.TopicCount
	ac.PartitionsPerTopic = kc.Partitions
	ac.ReplicationFactor = kc.ReplicationFactor
	ac.ProducerRetries = kc.Retries
	ac.ProducerCompression = kc.Compression
	ac.StatusTopic = kc.StatusTopic
	ac.KafkaVersion = kafka.ParseVersion(kc.Version)
	ac.AutoCreateTopicsOnStart = kc.AutoCreateTopics
	return ac
}

// configKafka 外部网关出站：建 topic，初始化同步生产者
func (a *App) configKafka(context.Context) error {
	if !a.Cfg.Kafka.Enabled {
		return nil
	}
	ac := a.kafkaConfig()
	client, err := kafka.NewClient(ac)
	if err != nil {
		return err
	}
	a.onClose(func(context.Context) error { return client.Close() })
	a.kafka = &kafkaParts{client: client, ac: ac}

	topics := kafka.GenTopics(ac)
	if ac.AutoCreateTopicsOnStart {
		admin, err := sarama.NewClusterAdminFromClient(client)
		if err != nil {
			return err
		}
		// admin 与 client 共用连接，这里不关闭 admin
		if err := kafka.EnsureTopics(admin, topics, ac, logger.Named("kafka")); err != nil {
			return err
		}
	}
	prod, err := kafka.NewSyncProducer(client)
	if err != nil {
		return err
	}
	sender, err := kafka.NewGatewaySender(prod, topics, nil)
	if err != nil {
		_ = prod.Close()
		return err
	}
	a.onClose(func(context.Context) error { return sender.Close() })
	a.sender = sender
	return nil
}

func (a *App) configPipeline(context.Context) error {
	p, err := dispatch.New(dispatch.Options{
		Guard:           a.Guard,
		Limiter:         a.Limiter,
		Store:           a.Store,
		Sender:          a.sender,
		Publisher:       a.feed.publisher,
		IDs:             a.IDs,
		Metrics:         dispatch.NewMetrics(a.Registry),
		DispatchTimeout: a.Cfg.Dispatch.Timeout,
	})
	if err != nil {
		return err
	}
	a.Pipeline = p

	rc := a.Cfg.Realtime
	rec, err := realtime.NewReconciler(realtime.Config{
		Transport:    a.feed.transport,
		Fetcher:      a.Store,
		AckTimeout:   rc.AckTimeout,
		FetchTimeout: rc.FetchTimeout,
		FetchLimit:   rc.FetchLimit,
		RetryBase:    rc.RetryBase,
		RetryMax:     rc.RetryMax,
		QueueSize:    rc.QueueSize,
		Metrics:      realtime.NewMetrics(a.Registry),
	})
	if err != nil {
		return err
	}
	a.Reconciler = rec
	a.onClose(func(context.Context) error {
		rec.CloseAll()
		return nil
	})
	return nil
}

// configStatus 网关回执入口：NATS subject 与 Kafka topic 可同时开启
func (a *App) configStatus(ctx context.Context) error {
	var pub status.Publisher
	if a.feed.publisher != nil {
		pub = a.feed.publisher
	}
	a.Ingestor = status.NewIngestor(a.Store, pub, nil)

	if nc := a.Cfg.NATS; nc.StatusSubject != "" {
		mgr, err := a.natsManager()
		if err != nil {
			return err
		}
		var idem natsx.IdemStore
		if a.Redis != nil {
			idem = natsx.NewRedisIdem(a.Redis, "", 10*time.Minute)
		} else {
			mi := natsx.NewMemIdem(10 * time.Minute)
			a.onClose(func(context.Context) error { mi.Close(); return nil })
			idem = mi
		}
		sc := natsx.NewStatusConsumer(a.Ingestor, nil)
		a.onRun(func(ctx context.Context) error {
			return sc.Start(ctx, mgr, natsx.StatusConsumerConfig{
				Subject:     nc.StatusSubject,
				Mode:        natsx.ParseMode(nc.StatusMode),
				Queue:       nc.StatusQueue,
				Durable:     nc.StatusDurable,
				Middlewares: []natsx.NatsxMiddleware{natsx.NatsxIdemMiddleware(idem, 0)},
			})
		})
	}

	if a.kafka != nil && a.kafka.ac.StatusTopic != "" {
		group, err := sarama.NewConsumerGroupFromClient(a.kafka.ac.GroupID, a.kafka.client)
		if err != nil {
			return err
		}
		a.onClose(func(context.Context) error { return group.Close() })
		log := logger.Named("kafka-status")
		r := kafka.NewRouter()
		r.Register(a.kafka.ac.StatusTopic, kafka.StatusHandler(a.Ingestor, log))
		a.onRun(func(ctx context.Context) error {
			return kafka.RunConsumerGroup(ctx, group, r, log)
		})
	}
	return nil
}

func (a *App) configAPI(context.Context) error {
	hc := a.Cfg.HTTP
	opts := security.DefaultOptions([]byte(a.Cfg.Auth.Secret))
	if a.Cfg.Auth.Alg != "" {
		opts.JWT.Alg = a.Cfg.Auth.Alg
	}
	if a.Cfg.Auth.TTL > 0 {
		opts.JWT.TTL = a.Cfg.Auth.TTL
	}

	mids := []gin.HandlerFunc{middleware.AccessLog(logger.Named("http"))}
	if hc.IngressRPS > 0 {
		lim := middleware.NewIPLimiter(hc.IngressRPS, hc.IngressBurst, 10*time.Minute)
		a.onClose(func(context.Context) error { lim.Close(); return nil })
		mids = append(mids, lim.Middleware())
	}
	mids = append(mids, middleware.Origin(hc.AllowedOrigins))

	srv, err := api.New(api.Options{
		Pipeline:    a.Pipeline,
		Store:       a.Store,
		Reconciler:  a.Reconciler,
		Auth:        security.Middleware(opts),
		Gatherer:    a.Registry,
		Health:      a.Check,
		Middlewares: mids,
		MaxConns:    hc.MaxConns,
	})
	if err != nil {
		return err
	}
	a.API = srv
	a.onRun(func(ctx context.Context) error { return srv.Serve(ctx, hc.Addr, hc.ShutdownWait) })

	if a.Cfg.GRPC.Addr != "" {
		a.Health = rpc.NewHealthServer(rpc.HealthConfig{Addr: a.Cfg.GRPC.Addr, Check: a.Check})
		a.onRun(a.Health.ListenAndServe)
	}
	return nil
}

// configNacos 远端配置热更新限流策略；可选把本实例注册为临时实例
func (a *App) configNacos(ctx context.Context) error {
	nc := a.Cfg.Nacos
	if !nc.Enabled {
		return nil
	}
	wctx, stop := context.WithCancel(context.Background())
	a.onClose(func(context.Context) error { stop(); return nil })
	if _, err := config.WatchNacos(wctx, nc, a); err != nil {
		return err
	}
	if !nc.Register {
		return nil
	}

	naming, err := nacos.NewNamingClient(config.NacosClient(nc))
	if err != nil {
		return err
	}
	ip := nc.AdvertiseIP
	if ip == "" {
		ip = localIP()
	}
	reg := nacos.NewRegistry(naming, a.Cfg.Node.Name, ip, portOf(a.Cfg.HTTP.Addr), map[string]string{
		"node_id": strconv.FormatInt(a.Cfg.Node.ID, 10),
		"grpc":    a.Cfg.GRPC.Addr,
	})
	if nc.Group != "" {
		reg.Group = nc.Group
	}
	if err := reg.Register(); err != nil {
		return err
	}
	a.onClose(func(context.Context) error { return reg.Deregister() })
	return nil
}

func portOf(addr string) uint64 {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseUint(p, 10, 16)
	return n
}

// localIP 首个非回环 IPv4 地址
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, ad := range addrs {
		if ipn, ok := ad.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
			return ipn.IP.String()
		}
	}
	return "127.0.0.1"
}
