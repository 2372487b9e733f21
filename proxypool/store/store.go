package store

import (
	"liuproxy_keeper/internal/shared/logger"
	"liuproxy_keeper/proxypool/model"
	"liuproxy_keeper/proxypool/storage"
	"sort"
	"sync"
	"time"
)

// Store 是按插入顺序保存的 ProxyRecord 集合。
// 所有修改互斥进行；读取返回值拷贝，调用方可以在锁外随意遍历。
type Store struct {
	mu      sync.RWMutex
	records []*model.ProxyRecord
	index   map[string]int // ID -> records 下标
	now     func() time.Time
}

// New 创建一个空的 Store。
func New() *Store {
	return &Store{
		records: make([]*model.ProxyRecord, 0),
		index:   make(map[string]int),
		now:     time.Now,
	}
}

// Add 插入一个新代理；当 scheme+host+port 相同的代理已存在时返回 false。
func (s *Store) Add(spec model.ProxySpec, source string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(spec, source)
}

func (s *Store) addLocked(spec model.ProxySpec, source string) bool {
	id := spec.ID()
	if _, exists := s.index[id]; exists {
		return false
	}
	s.records = append(s.records, &model.ProxyRecord{
		Spec:         spec,
		Source:       source,
		AddedAt:      s.now(),
		QualityScore: 0.5,
	})
	s.index[id] = len(s.records) - 1
	return true
}

// Load 从存储读取所有行并加入 Store，坏条目记录警告后跳过。返回新增数量。
func (s *Store) Load(src storage.Storage) (int, error) {
	l := logger.WithComponent("ProxyPool/Store")

	lines, err := src.Load()
	if err != nil {
		return 0, err
	}

	specs, errs := model.ParseLines(lines, model.SchemeHTTP)
	for _, perr := range errs {
		l.Warn().Err(perr).Msg("Skipping malformed proxy entry.")
	}

	s.mu.Lock()
	added := 0
	for _, spec := range specs {
		if s.addLocked(spec, "file") {
			added++
		}
	}
	s.mu.Unlock()

	l.Info().Int("lines", len(lines)).Int("added", added).Int("skipped", len(errs)).Msg("Proxy list loaded.")
	return added, nil
}

// Persist 把 Store 中的全部代理追加到存储中（已存在的条目不会重复写入）。
func (s *Store) Persist(dst storage.Storage) (int, error) {
	s.mu.RLock()
	lines := make([]string, 0, len(s.records))
	for _, r := range s.records {
		lines = append(lines, r.Spec.String())
	}
	s.mu.RUnlock()

	return dst.Append(lines)
}

// All 返回全部记录的快照，顺序与插入顺序一致。
func (s *Store) All() []model.ProxyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ProxyRecord, len(s.records))
	for i, r := range s.records {
		out[i] = *r
	}
	return out
}

// Get returns a copy of the record with the given ID.
func (s *Store) Get(id string) (model.ProxyRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return model.ProxyRecord{}, false
	}
	return *s.records[i], true
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// LiveCount returns the number of records not marked dead.
func (s *Store) LiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.records {
		if !r.IsDead {
			n++
		}
	}
	return n
}

// Remove 删除一个代理，保持其余记录的相对顺序。
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return false
	}
	s.records = append(s.records[:i], s.records[i+1:]...)
	delete(s.index, id)
	for j := i; j < len(s.records); j++ {
		s.index[s.records[j].Spec.ID()] = j
	}
	return true
}

// ResetDead 清除所有记录的死亡标记和连续失败计数，返回被复活的数量。
func (s *Store) ResetDead() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.records {
		if r.IsDead {
			n++
		}
		r.IsDead = false
		r.ConsecutiveFailures = 0
	}
	return n
}

// ApplyOutcome 应用一次探测或使用结果。
// 成功：失败计数清零、复活；失败：计数加一，达到 maxFailures 时标记死亡。
// maxFailures 为 0 时不做死亡判定。
func (s *Store) ApplyOutcome(id string, ok bool, latency time.Duration, at time.Time, maxFailures uint) (model.ProxyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, exists := s.index[id]
	if !exists {
		return model.ProxyRecord{}, false
	}
	r := s.records[i]
	r.LastCheckedAt = at
	if latency > 0 {
		r.LastLatency = latency
	}
	if ok {
		r.ConsecutiveFailures = 0
		r.IsDead = false
	} else {
		r.ConsecutiveFailures++
		if maxFailures > 0 && r.ConsecutiveFailures >= maxFailures {
			r.IsDead = true
		}
	}
	return *r, true
}

// SetScore stores the latest quality score on the record.
func (s *Store) SetScore(id string, score float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return false
	}
	s.records[i].QualityScore = score
	return true
}

// SetCountry stores a GeoIP country code on the record.
func (s *Store) SetCountry(id, country string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return false
	}
	s.records[i].Country = country
	return true
}

// Pick 从 start 开始向后环形扫描，返回第一条满足条件的记录及其下标。
// 整圈都不满足时返回 false。
func (s *Store) Pick(start int, skipDead bool) (int, model.ProxyRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.records)
	if n == 0 {
		return 0, model.ProxyRecord{}, false
	}
	start %= n
	if start < 0 {
		start += n
	}
	for step := 0; step < n; step++ {
		i := (start + step) % n
		r := s.records[i]
		if skipDead && r.IsDead {
			continue
		}
		return i, *r, true
	}
	return 0, model.ProxyRecord{}, false
}

// Eligible returns copies of the records usable under the given policy.
func (s *Store) Eligible(skipDead bool) []model.ProxyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ProxyRecord, 0, len(s.records))
	for _, r := range s.records {
		if skipDead && r.IsDead {
			continue
		}
		out = append(out, *r)
	}
	return out
}

// Stalest 返回最久未检查的 n 条记录，用于分批健康检查。
func (s *Store) Stalest(n int) []model.ProxyRecord {
	all := s.All()
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].LastCheckedAt.Before(all[j].LastCheckedAt)
	})
	if n >= 0 && len(all) > n {
		all = all[:n]
	}
	return all
}
