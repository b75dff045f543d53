package rpc

import (
	"context"
	"errors"
	"net"
	"time"

	"inboxrelay/logger"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName 健康检查里登记的服务名
const ServiceName = "inboxrelay.Relay"

type HealthConfig struct {
	Addr     string
	Interval time.Duration // 依赖检查间隔，默认 5s
	// Check 依赖探活（存储、消息总线），返回 nil 为 SERVING
	Check  func(ctx context.Context) error
	Logger *zap.Logger
}

// HealthServer gRPC 标准健康检查服务
type HealthServer struct {
	cfg HealthConfig
	gs  *grpc.Server
	hs  *health.Server
}

func NewHealthServer(cfg HealthConfig) *HealthServer {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Named("grpc-health")
	}
	hs := health.NewServer()
	gs := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{cfg: cfg, gs: gs, hs: hs}
}

// Serve 在 lis 上提供服务直到 ctx 结束
func (h *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	go h.loop(ctx)
	go func() {
		<-ctx.Done()
		h.hs.Shutdown()
		h.gs.GracefulStop()
	}()
	h.cfg.Logger.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	if err := h.gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// ListenAndServe 监听 cfg.Addr
func (h *HealthServer) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		return err
	}
	return h.Serve(ctx, lis)
}

func (h *HealthServer) loop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	h.evaluate(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.evaluate(ctx)
		}
	}
}

func (h *HealthServer) evaluate(ctx context.Context) {
	st := grpc_health_v1.HealthCheckResponse_SERVING
	if h.cfg.Check != nil {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := h.cfg.Check(cctx)
		cancel()
		if err != nil {
			h.cfg.Logger.Warn("dependency check failed", zap.Error(err))
			st = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
	}
	h.hs.SetServingStatus(ServiceName, st)
	h.hs.SetServingStatus("", st)
}

// Probe 单次健康检查，供 CLI 与部署探针使用
func Probe(ctx context.Context, target string, timeout time.Duration) (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, err
	}
	defer conn.Close()
	return probeConn(ctx, conn, timeout)
}

func probeConn(ctx context.Context, conn grpc.ClientConnInterface, timeout time.Duration) (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
