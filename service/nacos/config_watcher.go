package nacos

import (
	"context"
	"sync"

	"inboxrelay/logger"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

// ConfigSource config_client.IConfigClient 的子集
type ConfigSource interface {
	GetConfig(param vo.ConfigParam) (string, error)
	ListenConfig(params vo.ConfigParam) error
	CancelListenConfig(params vo.ConfigParam) error
}

// Watcher 读一次配置后持续监听；每次内容变化回调 onChange
type Watcher struct {
	src      ConfigSource
	dataID   string
	group    string
	onChange func(data string)
	log      *zap.Logger

	mu      sync.RWMutex
	current string
}

func NewWatcher(src ConfigSource, dataID, group string, onChange func(string), log *zap.Logger) *Watcher {
	if log == nil {
		log = logger.Named("nacos")
	}
	return &Watcher{src: src, dataID: dataID, group: group, onChange: onChange, log: log}
}

// Start 首次读取失败直接返回错误；ctx 结束时取消监听
func (w *Watcher) Start(ctx context.Context) error {
	content, err := w.src.GetConfig(vo.ConfigParam{DataId: w.dataID, Group: w.group})
	if err != nil {
		return err
	}
	w.update(content)

	param := vo.ConfigParam{
		DataId: w.dataID,
		Group:  w.group,
		OnChange: func(_, _, dataID, data string) {
			w.log.Info("nacos config changed", zap.String("data_id", dataID), zap.Int("bytes", len(data)))
			w.update(data)
		},
	}
	if err := w.src.ListenConfig(param); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		if err := w.src.CancelListenConfig(vo.ConfigParam{DataId: w.dataID, Group: w.group}); err != nil {
			w.log.Warn("cancel nacos listen", zap.Error(err))
		}
	}()
	return nil
}

func (w *Watcher) update(data string) {
	w.mu.Lock()
	if data == w.current {
		w.mu.Unlock()
		return
	}
	w.current = data
	w.mu.Unlock()
	if w.onChange != nil && data != "" {
		w.onChange(data)
	}
}

// Current 最近一次读到的配置内容
func (w *Watcher) Current() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}
