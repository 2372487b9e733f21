package globalstate

import (
	"sync"
	"time"
)

// StatusManager 保存进程级的状态描述，供 /api/status 展示。
type StatusManager struct {
	mu        sync.RWMutex
	status    string
	updatedAt time.Time
}

// 全局的状态管理器实例
var GlobalStatus = &StatusManager{status: "Initializing...", updatedAt: time.Now()}

// Set 方法用于安全地更新状态。
func (sm *StatusManager) Set(newStatus string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.status = newStatus
	sm.updatedAt = time.Now()
}

// Get 方法用于安全地读取状态。
func (sm *StatusManager) Get() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.status
}

// Since returns how long the current status has been in effect.
func (sm *StatusManager) Since() time.Duration {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return time.Since(sm.updatedAt)
}
