package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"inboxrelay/logger"
	"inboxrelay/middleware"
	"inboxrelay/module/relay/dispatch"
	"inboxrelay/module/relay/realtime"
	"inboxrelay/module/relay/store"
	"inboxrelay/tools/errs"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

type Options struct {
	Pipeline   *dispatch.Pipeline
	Store      store.Store
	Reconciler *realtime.Reconciler
	// Auth 认证中间件，写入 sender / tenant
	Auth gin.HandlerFunc

	// 以下可空
	Gatherer prometheus.Gatherer
	Health   func(ctx context.Context) error
	// Middlewares 引擎级中间件，按顺序挂在 Recovery 之后
	Middlewares []gin.HandlerFunc
	// MaxConns 同时保持的连接上限（含 websocket），<=0 不限
	MaxConns int
	Logger   *zap.Logger
}

// Server HTTP 与 websocket 入口
type Server struct {
	pipe   *dispatch.Pipeline
	store  store.Store
	rec    *realtime.Reconciler
	health func(ctx context.Context) error
	conns  int
	log    *zap.Logger

	engine *gin.Engine
	mids   *middleware.MiddlewareManager

	// websocket 会话都派生自 base，Close 时一并断开
	base context.Context
	stop context.CancelFunc
}

func New(opts Options) (*Server, error) {
	if opts.Pipeline == nil || opts.Store == nil || opts.Reconciler == nil || opts.Auth == nil {
		return nil, errs.ErrArgs.WrapMsg("api needs pipeline, store, reconciler and auth")
	}
	s := &Server{
		pipe:   opts.Pipeline,
		store:  opts.Store,
		rec:    opts.Reconciler,
		health: opts.Health,
		conns:  opts.MaxConns,
		log:    opts.Logger,
		engine: gin.New(),
		mids:   middleware.NewManager(),
	}
	s.base, s.stop = context.WithCancel(context.Background())
	if s.log == nil {
		s.log = logger.Named("api")
	}
	for _, m := range opts.Middlewares {
		s.mids.Add(m)
	}
	s.engine.Use(gin.Recovery(), s.mids.Use())

	auth := middleware.RouteOpt{Auth: opts.Auth}
	v1 := s.engine.Group("/v1")
	middleware.POST(v1, "/conversations/:conversation_id/messages", s.sendMessage, auth)
	middleware.GET(v1, "/conversations/:conversation_id/messages", s.listMessages, auth)
	middleware.POST(v1, "/messages/bulk", s.sendBulk, auth)
	middleware.GET(v1, "/messages/:message_id/status", s.messageStatus, auth)
	middleware.GET(v1, "/realtime", s.serveRealtime, auth)

	s.engine.GET("/healthz", s.healthz)
	if opts.Gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.engine }

// Middlewares 运行期追加/清空引擎级中间件
func (s *Server) Middlewares() *middleware.MiddlewareManager { return s.mids }

// Serve 阻塞到 ctx 结束，然后在 wait 内优雅关闭
func (s *Server) Serve(ctx context.Context, addr string, wait time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if s.conns > 0 {
		lis = netutil.LimitListener(lis, s.conns)
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", zap.String("addr", lis.Addr().String()), zap.Int("max_conns", s.conns))
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	s.Close()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown", zap.Error(err))
		return err
	}
	s.log.Info("http stopped")
	return nil
}

// Close 断开全部 websocket 会话并关闭其订阅
func (s *Server) Close() {
	s.stop()
	s.rec.CloseAll()
}

func (s *Server) healthz(c *gin.Context) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "subscriptions": s.rec.Active()})
}
