package rotation

import (
	"liuproxy_keeper/proxypool/model"
	"liuproxy_keeper/proxypool/store"
	"math/rand/v2"
	"sync"
)

// Rotator 在 Store 上做轮询选择。游标只存在于内存中，不会被持久化。
// 一个进程只应创建一个 Rotator 并在所有调用方之间共享。
type Rotator struct {
	store *store.Store

	mu     sync.Mutex
	cursor int
}

func New(s *store.Store) *Rotator {
	return &Rotator{store: s}
}

// Next 从游标处向后扫描（对当前池大小取模），返回第一条可用记录并把游标移到它之后。
// 整整一圈都没有可用记录时返回 false。
func (r *Rotator) Next(skipDead bool) (model.ProxyRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, rec, ok := r.store.Pick(r.cursor, skipDead)
	if !ok {
		return model.ProxyRecord{}, false
	}
	r.cursor = i + 1
	return rec, true
}

// Random picks uniformly among the eligible records.
func (r *Rotator) Random(skipDead bool) (model.ProxyRecord, bool) {
	eligible := r.store.Eligible(skipDead)
	if len(eligible) == 0 {
		return model.ProxyRecord{}, false
	}
	return eligible[rand.IntN(len(eligible))], true
}

// Reset moves the cursor back to the first record.
func (r *Rotator) Reset() {
	r.mu.Lock()
	r.cursor = 0
	r.mu.Unlock()
}
