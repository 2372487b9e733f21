package scorer

import (
	"liuproxy_keeper/proxypool/model"
	"math"
	"sort"
	"sync"
	"time"
)

// Config holds the scoring constants. Zero values fall back to defaults.
type Config struct {
	LatencyCeiling time.Duration // 平均延迟达到该值时延迟因子为 0
	PriorSuccesses float64
	PriorFailures  float64
	LatencyAlpha   float64 // EWMA 平滑系数，(0,1]
}

// DefaultConfig uses add-one smoothing and a 5s latency ceiling.
func DefaultConfig() Config {
	return Config{
		LatencyCeiling: 5 * time.Second,
		PriorSuccesses: 1,
		PriorFailures:  1,
		LatencyAlpha:   0.3,
	}
}

type stats struct {
	successes uint64
	failures  uint64
	avgMs     float64 // 0 表示未知
}

// Ranked is one entry of a TopN result.
type Ranked struct {
	ID      string        `json:"id"`
	Score   float64       `json:"score"`
	Latency time.Duration `json:"latency"` // 0 表示未知
}

// Scorer 维护每个代理的成功/失败计数和平滑延迟，并据此给出 [0,1] 的质量分。
type Scorer struct {
	cfg Config

	mu    sync.RWMutex
	stats map[string]*stats
}

func New(cfg Config) *Scorer {
	def := DefaultConfig()
	if cfg.LatencyCeiling <= 0 {
		cfg.LatencyCeiling = def.LatencyCeiling
	}
	if cfg.PriorSuccesses < 0 {
		cfg.PriorSuccesses = 0
	}
	if cfg.PriorFailures < 0 {
		cfg.PriorFailures = 0
	}
	if cfg.PriorSuccesses+cfg.PriorFailures == 0 {
		cfg.PriorSuccesses, cfg.PriorFailures = def.PriorSuccesses, def.PriorFailures
	}
	if cfg.LatencyAlpha <= 0 || cfg.LatencyAlpha > 1 {
		cfg.LatencyAlpha = def.LatencyAlpha
	}
	return &Scorer{cfg: cfg, stats: make(map[string]*stats)}
}

// Track registers an ID with no history, so it scores at the prior.
func (s *Scorer) Track(id string) {
	s.mu.Lock()
	if _, ok := s.stats[id]; !ok {
		s.stats[id] = &stats{}
	}
	s.mu.Unlock()
}

func (s *Scorer) Forget(id string) {
	s.mu.Lock()
	delete(s.stats, id)
	s.mu.Unlock()
}

// RecordOutcome 记录一次结果并返回新的分数。
// 只有成功时上报的延迟才会进入 EWMA；失败不影响延迟项。
func (s *Scorer) RecordOutcome(id string, ok bool, latency time.Duration) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.stats[id]
	if !exists {
		st = &stats{}
		s.stats[id] = st
	}
	if ok {
		st.successes++
		if latency > 0 {
			ms := float64(latency) / float64(time.Millisecond)
			if st.avgMs == 0 {
				st.avgMs = ms
			} else {
				st.avgMs = s.cfg.LatencyAlpha*ms + (1-s.cfg.LatencyAlpha)*st.avgMs
			}
		}
	} else {
		st.failures++
	}
	return s.scoreOf(st)
}

// Score returns the current score; unknown IDs score at the prior.
func (s *Scorer) Score(id string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stats[id]
	if !ok {
		return s.scoreOf(&stats{})
	}
	return s.scoreOf(st)
}

func (s *Scorer) scoreOf(st *stats) float64 {
	rate := (float64(st.successes) + s.cfg.PriorSuccesses) /
		(float64(st.successes+st.failures) + s.cfg.PriorSuccesses + s.cfg.PriorFailures)

	factor := 1.0
	if st.avgMs > 0 {
		ceilingMs := float64(s.cfg.LatencyCeiling) / float64(time.Millisecond)
		factor = math.Max(0, 1-st.avgMs/ceilingMs)
	}
	return math.Min(1, math.Max(0, rate*factor))
}

// TopN 返回分数最高的 n 个代理：分数降序，其次延迟升序（未知延迟排最后），最后按 ID。
// n <= 0 时返回全部。
func (s *Scorer) TopN(n int) []Ranked {
	s.mu.RLock()
	out := make([]Ranked, 0, len(s.stats))
	for id, st := range s.stats {
		out = append(out, Ranked{
			ID:      id,
			Score:   s.scoreOf(st),
			Latency: time.Duration(st.avgMs * float64(time.Millisecond)),
		})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Latency != b.Latency {
			if a.Latency == 0 {
				return false
			}
			if b.Latency == 0 {
				return true
			}
			return a.Latency < b.Latency
		}
		return a.ID < b.ID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Snapshot exports the raw counters for persistence.
func (s *Scorer) Snapshot() []model.ScoreEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ScoreEntry, 0, len(s.stats))
	for id, st := range s.stats {
		out = append(out, model.ScoreEntry{ID: id, Successes: st.successes, Failures: st.failures, AvgLatencyMs: st.avgMs})
	}
	return out
}

// Restore 用持久化的计数覆盖同 ID 的统计。
func (s *Scorer) Restore(entries []model.ScoreEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		s.stats[e.ID] = &stats{successes: e.Successes, failures: e.Failures, avgMs: math.Max(0, e.AvgLatencyMs)}
	}
}
