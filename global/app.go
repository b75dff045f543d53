package global

import (
	"context"
	"errors"
	"sync"
	"time"

	"inboxrelay/global/config"
	"inboxrelay/logger"
	"inboxrelay/module/relay/dedup"
	"inboxrelay/module/relay/dispatch"
	"inboxrelay/module/relay/ratelimit"
	"inboxrelay/module/relay/realtime"
	"inboxrelay/module/relay/status"
	"inboxrelay/module/relay/store"
	"inboxrelay/service/api"
	"inboxrelay/service/natsx"
	"inboxrelay/service/rpc"
	"inboxrelay/tools/ids"
	"inboxrelay/tools/safe"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// feed 推送通道；Publisher 可空（mongo 变更流由写入本身产生事件）
type feed struct {
	transport realtime.Transport
	publisher dispatch.Publisher
}

// policySetter 支持热更新限流策略的实现
type policySetter interface {
	SetPolicy(class ratelimit.ActionClass, p ratelimit.Policy)
}

// App 进程内全部组件，由 Build 按配置装配
type App struct {
	Cfg      config.AppConfig
	Log      *zap.Logger
	Registry *prometheus.Registry
	IDs      *ids.Node

	Redis      redis.UniversalClient
	Guard      dedup.Guard
	Limiter    ratelimit.Limiter
	Store      store.Store
	Pipeline   *dispatch.Pipeline
	Reconciler *realtime.Reconciler
	Ingestor   *status.Ingestor
	API        *api.Server
	Health     *rpc.HealthServer

	feed     feed
	sender   dispatch.ChannelSender
	nats     *natsx.NatsManager
	kafka    *kafkaParts
	runners  []func(ctx context.Context) error
	checks   map[string]func(ctx context.Context) error
	closers  []func(ctx context.Context) error
	closeMu  sync.Mutex
	isClosed bool
}

// Build 按配置依次初始化；任何一步失败都会关闭已创建的部分
func Build(ctx context.Context, cfg config.AppConfig) (_ *App, err error) {
	a := &App{
		Cfg:      cfg,
		Log:      logger.Named("app"),
		Registry: prometheus.NewRegistry(),
		checks:   make(map[string]func(ctx context.Context) error),
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	a.configIDs()
	steps := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"redis", a.configRedis},
		{"dedup", a.configGuard},
		{"ratelimit", a.configLimiter},
		{"store", a.configStore},
		{"feed", a.configFeed},
		{"kafka", a.configKafka},
		{"pipeline", a.configPipeline},
		{"status", a.configStatus},
		{"api", a.configAPI},
		{"nacos", a.configNacos},
	}
	for _, st := range steps {
		if err := st.fn(ctx); err != nil {
			return nil, errors.Join(errors.New("config "+st.name), err)
		}
		a.Log.Debug("component ready", zap.String("component", st.name))
	}
	return a, nil
}

func (a *App) onClose(fn func(ctx context.Context) error) { a.closers = append(a.closers, fn) }

func (a *App) onRun(fn func(ctx context.Context) error) { a.runners = append(a.runners, fn) }

// Check 依赖探活，供 /healthz 与 gRPC 健康检查共用
func (a *App) Check(ctx context.Context) error {
	var errs []error
	for name, fn := range a.checks {
		if err := fn(ctx); err != nil {
			errs = append(errs, errors.Join(errors.New(name), err))
		}
	}
	return errors.Join(errs...)
}

// ApplyRatePolicies 实现 config.Reloadable
func (a *App) ApplyRatePolicies(p map[string]config.Policy) {
	ps, ok := a.Limiter.(policySetter)
	if !ok {
		return
	}
	for class, pol := range p {
		ps.SetPolicy(ratelimit.ActionClass(class), pol)
	}
}

// Run 启动全部后台任务并阻塞到 ctx 结束或任一任务出错
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(a.runners))
	var wg sync.WaitGroup
	for _, run := range a.runners {
		wg.Add(1)
		safe.SafeGo("app-runner", func() {
			defer wg.Done()
			if err := run(ctx); err != nil {
				errCh <- err
			}
		})
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		a.Log.Error("component stopped", zap.Error(runErr))
		cancel()
	}
	wg.Wait()
	return runErr
}

// Close 逆序释放
func (a *App) Close(ctx context.Context) {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	if a.isClosed {
		return
	}
	a.isClosed = true
	for i := len(a.closers) - 1; i >= 0; i-- {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.closers[i](cctx); err != nil {
			a.Log.Warn("close component", zap.Error(err))
		}
		cancel()
	}
	a.Log.Info("app closed")
}
