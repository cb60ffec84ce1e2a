package nacos

import (
	"sync"

	"PPRealtime/logger"
	"PPRealtime/tools/errs"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

// ConfigSource config_client.IConfigClient 的子集
type ConfigSource interface {
	GetConfig(param vo.ConfigParam) (string, error)
	ListenConfig(params vo.ConfigParam) error
}

// Watcher 拉取一次远程配置并持续监听变更
type Watcher struct {
	src    ConfigSource
	dataID string
	group  string

	mu      sync.RWMutex
	current string
}

func NewWatcher(src ConfigSource, dataID, group string) *Watcher {
	return &Watcher{src: src, dataID: dataID, group: group}
}

// Load 同步拉取
func (w *Watcher) Load() (string, error) {
	content, err := w.src.GetConfig(vo.ConfigParam{DataId: w.dataID, Group: w.group})
	if err != nil {
		return "", errs.WrapMsg(err, "nacos get config", "dataId", w.dataID, "group", w.group)
	}
	w.set(content)
	return content, nil
}

// Watch 注册变更回调；回调在 nacos SDK 的协程里执行
func (w *Watcher) Watch(onChange func(content string)) error {
	err := w.src.ListenConfig(vo.ConfigParam{
		DataId: w.dataID,
		Group:  w.group,
		OnChange: func(_, group, dataID, data string) {
			logger.Info("[Nacos] config changed", zap.String("dataId", dataID), zap.String("group", group))
			w.set(data)
			if onChange != nil {
				onChange(data)
			}
		},
	})
	if err != nil {
		return errs.WrapMsg(err, "nacos listen config", "dataId", w.dataID)
	}
	return nil
}

func (w *Watcher) Current() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) set(content string) {
	w.mu.Lock()
	w.current = content
	w.mu.Unlock()
}
