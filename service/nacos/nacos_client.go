package nacos

import (
	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

// ClientConfig Nacos 服务端地址与认证
type ClientConfig struct {
	Host      string
	Port      uint64
	Namespace string
	Username  string
	Password  string
	CacheDir  string
	LogDir    string
}

func NewConfigClient(c ClientConfig) (config_client.IConfigClient, error) {
	return clients.NewConfigClient(vo.NacosClientParam{
		ClientConfig:  clientConfig(c),
		ServerConfigs: serverConfig(c),
	})
}

func NewNamingClient(c ClientConfig) (naming_client.INamingClient, error) {
	return clients.NewNamingClient(vo.NacosClientParam{
		ClientConfig:  clientConfig(c),
		ServerConfigs: serverConfig(c),
	})
}

func serverConfig(c ClientConfig) []constant.ServerConfig {
	host, port := c.Host, c.Port
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = 8848
	}
	return []constant.ServerConfig{*constant.NewServerConfig(host, port)}
}

func clientConfig(c ClientConfig) *constant.ClientConfig {
	if c.CacheDir == "" {
		c.CacheDir = "nacos/cache"
	}
	if c.LogDir == "" {
		c.LogDir = "nacos/log"
	}
	return constant.NewClientConfig(
		constant.WithNamespaceId(c.Namespace),
		constant.WithTimeoutMs(5000),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogLevel("warn"),
		constant.WithCacheDir(c.CacheDir),
		constant.WithLogDir(c.LogDir),
		constant.WithUsername(c.Username),
		constant.WithPassword(c.Password),
	)
}
