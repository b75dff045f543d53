package config

import (
	"context"

	"inboxrelay/logger"
	"inboxrelay/service/nacos"

	"go.uber.org/zap"
)

// Reloadable 可热更新的部分，目前只有限流策略
type Reloadable interface {
	ApplyRatePolicies(p map[string]Policy)
}

// WatchNacos 监听 Nacos 上的 YAML 文档；解析失败的版本忽略，保留上一份生效配置
func WatchNacos(ctx context.Context, c NacosConfig, target Reloadable) (*nacos.Watcher, error) {
	cli, err := nacos.NewConfigClient(NacosClient(c))
	if err != nil {
		return nil, err
	}
	return watchWith(ctx, cli, c, target)
}

func watchWith(ctx context.Context, src nacos.ConfigSource, c NacosConfig, target Reloadable) (*nacos.Watcher, error) {
	log := logger.Named("config")
	w := nacos.NewWatcher(src, c.DataID, c.Group, func(data string) {
		cfg, err := Parse([]byte(data))
		if err != nil {
			log.Warn("ignore bad remote config", zap.Error(err))
			return
		}
		for class, p := range cfg.RateLimit.Policies {
			if p.Window <= 0 || p.Ceiling <= 0 {
				log.Warn("ignore remote config with bad rate policy", zap.String("class", class))
				return
			}
		}
		target.ApplyRatePolicies(cfg.RateLimit.Policies)
		log.Info("rate policies reloaded", zap.Int("classes", len(cfg.RateLimit.Policies)))
	}, log)
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// NacosClient 配置中心与注册中心共用的客户端参数
func NacosClient(c NacosConfig) nacos.ClientConfig {
	return nacos.ClientConfig{
		Host:      c.Host,
		Port:      c.Port,
		Namespace: c.Namespace,
		Username:  c.Username,
		Password:  c.Password,
	}
}
