// core/registry.go
package core

import (
	"sync"

	"github.com/chhz0/allsky/types"
)

type taskInfo struct {
	name     string
	critical bool
}

// TaskRegistry 记录任务类型的显示名和是否关键
type TaskRegistry struct {
	types map[types.TaskType]taskInfo
	mu    sync.RWMutex
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{
		types: make(map[types.TaskType]taskInfo),
	}
}

// DefaultRegistry 网络初始化和系统初始化为关键任务
func DefaultRegistry() *TaskRegistry {
	r := NewTaskRegistry()
	r.Register(types.TaskNetworkConnect, types.TaskNetworkConnect.String(), true)
	r.Register(types.TaskMQTTConnect, types.TaskMQTTConnect.String(), false)
	r.Register(types.TaskImageDownload, types.TaskImageDownload.String(), false)
	r.Register(types.TaskSystemInit, types.TaskSystemInit.String(), true)
	r.Register(types.TaskCustom, types.TaskCustom.String(), false)
	return r
}

func (r *TaskRegistry) Register(taskType types.TaskType, name string, critical bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[taskType] = taskInfo{name: name, critical: critical}
}

func (r *TaskRegistry) Name(taskType types.TaskType) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if info, ok := r.types[taskType]; ok && info.name != "" {
		return info.name
	}
	return taskType.String()
}

func (r *TaskRegistry) IsCritical(taskType types.TaskType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.types[taskType].critical
}
