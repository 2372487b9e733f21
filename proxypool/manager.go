package manager

import (
	"context"
	"fmt"
	"liuproxy_keeper/internal/shared/logger"
	"liuproxy_keeper/internal/shared/types"
	"liuproxy_keeper/proxypool/fetcher"
	"liuproxy_keeper/proxypool/geoip"
	"liuproxy_keeper/proxypool/model"
	"liuproxy_keeper/proxypool/rotation"
	"liuproxy_keeper/proxypool/scorer"
	"liuproxy_keeper/proxypool/scraper"
	"liuproxy_keeper/proxypool/storage"
	"liuproxy_keeper/proxypool/store"
	"liuproxy_keeper/proxypool/validator"
	"sync"
	"sync/atomic"
	"time"
)

// 事件类型，推送给 EventSink（管理界面的 websocket hub）。
const (
	EventProbe       = "probe"
	EventResult      = "result"
	EventFetch       = "fetch"
	EventReset       = "reset"
	EventRemove      = "remove"
	EventHealthCheck = "health_check"
	EventLoad        = "load"
)

// EventSink receives engine events. Publish must not block.
type EventSink interface {
	Publish(eventType string, data interface{})
}

type nopSink struct{}

func (nopSink) Publish(string, interface{}) {}

// Option customizes a Manager at construction time.
type Option func(*Manager)

// WithBackend replaces the scraper aggregator as the fetch backend.
func WithBackend(b fetcher.Backend) Option {
	return func(m *Manager) { m.backend = b }
}

func WithEventSink(s EventSink) Option {
	return func(m *Manager) {
		if s != nil {
			m.sink = s
		}
	}
}

// WithGeoIP enables country tagging on the first successful probe.
func WithGeoIP(g *geoip.Service) Option {
	return func(m *Manager) { m.geo = g }
}

// PoolStats is a point-in-time summary of the pool.
type PoolStats struct {
	Total       int                  `json:"total"`
	Live        int                  `json:"live"`
	Dead        int                  `json:"dead"`
	NeedsFetch  bool                 `json:"needs_fetch"`
	LastFetchAt time.Time            `json:"last_fetch_at"`
	Sessions    []model.FetchSession `json:"sessions"`
}

// Manager 是代理池模块的总控制器：持有 Store、轮询器、评分器、探测器和自动采集控制器，
// 并在后台定期做健康巡检和补充代理。
type Manager struct {
	cfg       *types.Config
	store     *store.Store
	storage   *storage.FileStorage
	scores    *storage.ScoreStorage
	rotator   *rotation.Rotator
	scorer    *scorer.Scorer
	validator *validator.Validator
	fetcher   *fetcher.Controller
	backend   fetcher.Backend
	geo       *geoip.Service
	sink      EventSink

	ctx    context.Context
	cancel context.CancelFunc

	// 调度器与生命周期管理
	healthCheckTicker *time.Ticker
	fetchTicker       *time.Ticker
	stopChan          chan struct{}
	wg                sync.WaitGroup
	startOnce         sync.Once
	stopOnce          sync.Once
	checking          atomic.Bool

	// 保证评分器与记录上的分数按同一顺序更新
	scoreMu sync.Mutex
}

// NewManager 创建并初始化代理池管理器。scrapers 组成默认的采集后端。
func NewManager(cfg *types.Config, scrapers []scraper.Scraper, opts ...Option) *Manager {
	v := validator.NewValidator(validator.Options{
		Target:            cfg.ProbeConf.URL,
		Timeout:           cfg.ProbeConf.ProbeTimeout(),
		ConnectRatio:      cfg.ProbeConf.ConnectRatio,
		SOCKSConnectRatio: cfg.ProbeConf.SOCKSConnectRatio,
		Concurrency:       cfg.ProbeConf.Concurrency,
		UserAgent:         cfg.ProbeConf.UserAgent,
	})
	s := store.New()

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		store:     s,
		storage:   storage.NewFileStorage(cfg.PoolConf.ProxyFile),
		scores:    storage.NewScoreStorage(cfg.PoolConf.ScoreFile),
		rotator:   rotation.New(s),
		validator: v,
		scorer: scorer.New(scorer.Config{
			LatencyCeiling: cfg.ScoreConf.LatencyCeiling(),
			PriorSuccesses: cfg.ScoreConf.PriorSuccesses,
			PriorFailures:  cfg.ScoreConf.PriorFailures,
			LatencyAlpha:   cfg.ScoreConf.LatencyAlpha,
		}),
		sink:     nopSink{},
		ctx:      ctx,
		cancel:   cancel,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.backend == nil {
		m.backend = scraper.NewAggregator(scrapers, v, cfg.ProbeConf.URL)
	}

	m.fetcher = fetcher.New(s, m.backend, m.storage, fetcher.Config{
		MinProxies:      cfg.FetchConf.MinProxiesThreshold,
		CacheDuration:   cfg.FetchConf.CacheDuration(),
		MinInterval:     cfg.FetchConf.MinInterval(),
		FetchTimeout:    cfg.FetchConf.FetchTimeout(),
		Retries:         cfg.FetchConf.Retries,
		TargetCount:     cfg.FetchConf.TargetCount,
		Protocols:       model.ParseSchemes(cfg.FetchConf.Protocols),
		PerProbeTimeout: cfg.FetchConf.PerProbeTimeout(),
		Concurrency:     cfg.FetchConf.Concurrency,
	})
	return m
}

// Start 加载默认代理列表和评分文件，然后启动后台调度循环。
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		l := logger.WithComponent("ProxyPool/Manager")
		l.Info().Msg("Manager starting...")

		if _, err := m.LoadProxies(m.cfg.PoolConf.ProxyFile); err != nil {
			l.Error().Err(err).Msg("Failed to load proxies from storage. Starting with an empty pool.")
		}
		m.restoreScores()

		var healthC, fetchC <-chan time.Time
		if sec := m.cfg.PoolConf.HealthCheckIntervalSec; sec > 0 {
			m.healthCheckTicker = time.NewTicker(time.Duration(sec) * time.Second)
			healthC = m.healthCheckTicker.C
		}
		if sec := m.cfg.FetchConf.CheckIntervalSec; m.cfg.FetchConf.Enabled && sec > 0 {
			m.fetchTicker = time.NewTicker(time.Duration(sec) * time.Second)
			fetchC = m.fetchTicker.C
		}
		l.Info().
			Int("health_check_interval_sec", m.cfg.PoolConf.HealthCheckIntervalSec).
			Int("fetch_check_interval_sec", m.cfg.FetchConf.CheckIntervalSec).
			Bool("fetch_enabled", m.cfg.FetchConf.Enabled).
			Msg("Schedulers initialized.")

		m.wg.Add(1)
		go m.schedulerLoop(healthC, fetchC)

		if m.cfg.FetchConf.Enabled {
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.EnsureFreshPool(m.ctx, false)
			}()
		}
	})
}

// schedulerLoop 是核心的调度循环，监听 Ticker 和停止信号。
func (m *Manager) schedulerLoop(healthC, fetchC <-chan time.Time) {
	defer m.wg.Done()
	l := logger.WithComponent("ProxyPool/Manager")

	for {
		select {
		case <-healthC:
			l.Debug().Msg("Health check ticker triggered.")
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.CheckSample(m.ctx)
			}()

		case <-fetchC:
			l.Debug().Msg("Fetch ticker triggered.")
			m.EnsureFreshPool(m.ctx, false)

		case <-m.stopChan:
			l.Info().Msg("Stop signal received. Shutting down schedulers.")
			if m.healthCheckTicker != nil {
				m.healthCheckTicker.Stop()
			}
			if m.fetchTicker != nil {
				m.fetchTicker.Stop()
			}
			return
		}
	}
}

// Stop 优雅地停止所有后台任务，并把代理列表和评分写回磁盘。
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		m.cancel()
		m.fetcher.Close()
		m.wg.Wait()
		if err := m.Persist(); err != nil {
			logger.Error().Err(err).Msg("Failed to persist pool on shutdown.")
		}
		if m.geo != nil {
			m.geo.Close()
		}
		logger.Info().Msg("ProxyPool Manager gracefully stopped.")
	})
}

// LoadProxies 从文件加载代理到池中，返回新增数量。
func (m *Manager) LoadProxies(path string) (int, error) {
	n, err := m.store.Load(storage.NewFileStorage(path))
	if err != nil {
		return 0, err
	}
	m.syncScorer()
	m.sink.Publish(EventLoad, map[string]interface{}{"path": path, "added": n})
	return n, nil
}

// ImportProxies 解析并加入一批代理字符串，没有写协议的条目使用 def。
func (m *Manager) ImportProxies(lines []string, def model.Scheme, source string) (int, []error) {
	l := logger.WithComponent("ProxyPool/Manager")

	specs, errs := model.ParseLines(lines, def)
	added := 0
	for _, spec := range specs {
		if m.store.Add(spec, source) {
			m.track(spec.ID())
			added++
		}
	}
	l.Info().Int("count", len(lines)).Int("added", added).Int("rejected", len(errs)).Str("source", source).Msg("Proxy import finished.")
	return added, errs
}

// NextProxy 按插入顺序轮询返回下一个代理；没有可用代理时返回 false。
func (m *Manager) NextProxy(skipDead bool) (model.ProxySpec, bool) {
	rec, ok := m.rotator.Next(skipDead)
	return rec.Spec, ok
}

// RandomProxy returns a uniformly random eligible proxy.
func (m *Manager) RandomProxy(skipDead bool) (model.ProxySpec, bool) {
	rec, ok := m.rotator.Random(skipDead)
	return rec.Spec, ok
}

// MarkResult 记录调用方实际使用代理的结果。latency 为 0 表示未知。
func (m *Manager) MarkResult(id string, ok bool, latency time.Duration) error {
	if _, found := m.applyOutcome(id, ok, latency); !found {
		return fmt.Errorf("%w: %s", model.ErrUnknownProxy, id)
	}
	m.sink.Publish(EventResult, map[string]interface{}{"id": id, "ok": ok, "latency_ms": latency.Milliseconds()})
	return nil
}

// applyOutcome 把一次结果同时应用到 Store 健康状态和评分器上。
func (m *Manager) applyOutcome(id string, ok bool, latency time.Duration) (model.ProxyRecord, bool) {
	l := logger.WithComponent("ProxyPool/Manager")

	before, found := m.store.Get(id)
	if !found {
		return model.ProxyRecord{}, false
	}
	rec, found := m.store.ApplyOutcome(id, ok, latency, time.Now(), m.cfg.PoolConf.MaxConsecutiveFailures)
	if !found {
		return model.ProxyRecord{}, false // 期间被删除
	}

	// 失败的延迟只记在记录上，不进入评分
	scoreLatency := latency
	if !ok {
		scoreLatency = 0
	}
	m.scoreMu.Lock()
	score := m.scorer.RecordOutcome(id, ok, scoreLatency)
	m.store.SetScore(id, score)
	m.scoreMu.Unlock()
	rec.QualityScore = score

	switch {
	case rec.IsDead && !before.IsDead:
		l.Warn().Str("proxy_id", id).Uint("failures", rec.ConsecutiveFailures).Msg("Proxy marked dead.")
	case !rec.IsDead && before.IsDead:
		l.Info().Str("proxy_id", id).Msg("Proxy revived.")
	}
	return rec, true
}

// EnsureFreshPool 在池过小或过期时触发一次采集。
func (m *Manager) EnsureFreshPool(ctx context.Context, force bool) model.FetchOutcome {
	out := m.fetcher.Ensure(ctx, force)
	if out.Status == model.FetchFresh || out.Status == model.FetchThrottled {
		return out
	}

	if out.AddedCount > 0 {
		m.syncScorer()
		if m.cfg.PoolConf.PersistOnFetch {
			if _, err := m.store.Persist(m.storage); err != nil {
				l := logger.WithComponent("ProxyPool/Manager")
				l.Error().Err(err).Msg("Failed to persist fetched proxies.")
			}
		}
	}
	m.sink.Publish(EventFetch, out)
	return out
}

// TopProxies 返回池中评分最高的 n 个代理（n <= 0 时返回全部）。
func (m *Manager) TopProxies(n int) []scorer.Ranked {
	ranked := m.scorer.TopN(0)
	out := make([]scorer.Ranked, 0, len(ranked))
	for _, r := range ranked {
		if _, ok := m.store.Get(r.ID); !ok {
			continue
		}
		out = append(out, r)
		if n > 0 && len(out) == n {
			break
		}
	}
	return out
}

// ResetDeadFlags 清除所有死亡标记，返回被复活的数量。
func (m *Manager) ResetDeadFlags() int {
	n := m.store.ResetDead()
	m.rotator.Reset()
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Int("count", n).Msg("Dead flags reset.")
	m.sink.Publish(EventReset, map[string]int{"revived": n})
	return n
}

// ProbeProxy 立即探测池中的一个代理并应用结果。
func (m *Manager) ProbeProxy(ctx context.Context, id string) (model.ProbeResult, error) {
	rec, ok := m.store.Get(id)
	if !ok {
		return model.ProbeResult{}, fmt.Errorf("%w: %s", model.ErrUnknownProxy, id)
	}
	res := m.validator.Probe(ctx, rec.Spec, "", 0)
	m.applyProbe(ctx, rec, res)
	return res, nil
}

// DetectProxy 探测代理的真实协议；协议与记录不同时替换原记录。
func (m *Manager) DetectProxy(ctx context.Context, id string) (model.ProxySpec, model.ProbeResult, error) {
	rec, ok := m.store.Get(id)
	if !ok {
		return model.ProxySpec{}, model.ProbeResult{}, fmt.Errorf("%w: %s", model.ErrUnknownProxy, id)
	}

	spec, res := m.validator.Detect(ctx, rec.Spec, "", 0)
	if res.OK && spec.Scheme != rec.Spec.Scheme {
		m.RemoveProxy(id)
		m.store.Add(spec, rec.Source)
		m.track(spec.ID())
		l := logger.WithComponent("ProxyPool/Manager")
		l.Info().Str("proxy_id", id).Str("detected", spec.ID()).Msg("Proxy scheme corrected.")
		rec, _ = m.store.Get(spec.ID())
	}
	m.applyProbe(ctx, rec, res)
	return spec, res, nil
}

func (m *Manager) applyProbe(ctx context.Context, rec model.ProxyRecord, res model.ProbeResult) {
	updated, found := m.applyOutcome(rec.ID(), res.OK, res.Latency)
	if !found {
		return
	}
	if res.OK && updated.Country == "" && m.geo != nil {
		if country, err := m.geo.Country(ctx, rec.Spec.Host); err == nil && country != "" {
			m.store.SetCountry(rec.ID(), country)
		}
	}
	m.sink.Publish(EventProbe, map[string]interface{}{
		"id":          rec.ID(),
		"ok":          res.OK,
		"status_code": res.StatusCode,
		"latency_ms":  res.Latency.Milliseconds(),
		"error_kind":  res.Kind,
		"error":       res.ErrorString(),
		"score":       updated.QualityScore,
		"dead":        updated.IsDead,
	})
}

// CheckSample 通过 worker 池探测最久未检查的一批代理，返回其中存活的数量。
// 上一轮巡检还在进行时直接返回 -1。
func (m *Manager) CheckSample(ctx context.Context) int {
	l := logger.WithComponent("ProxyPool/Manager")
	if !m.checking.CompareAndSwap(false, true) {
		l.Debug().Msg("Health check already running, skipping.")
		return -1
	}
	defer m.checking.Store(false)

	recs := m.store.Stalest(m.cfg.PoolConf.HealthCheckSampleSize)
	if len(recs) == 0 {
		return 0
	}
	specs := make([]model.ProxySpec, len(recs))
	for i, r := range recs {
		specs[i] = r.Spec
	}

	results := m.validator.ProbeBatch(ctx, specs, "", 0, m.cfg.ProbeConf.Concurrency)
	alive := 0
	for i, res := range results {
		if res.OK {
			alive++
		}
		m.applyProbe(ctx, recs[i], res)
	}

	l.Info().Int("checked", len(recs)).Int("alive", alive).Int("live_total", m.store.LiveCount()).Msg("Health check finished.")
	m.sink.Publish(EventHealthCheck, map[string]int{"checked": len(recs), "alive": alive})
	return alive
}

// RemoveProxy deletes a proxy from the pool and forgets its score.
func (m *Manager) RemoveProxy(id string) bool {
	if !m.store.Remove(id) {
		return false
	}
	m.scorer.Forget(id)
	m.sink.Publish(EventRemove, map[string]string{"id": id})
	return true
}

// Records returns a snapshot of every record in insertion order.
func (m *Manager) Records() []model.ProxyRecord {
	return m.store.All()
}

func (m *Manager) Stats() PoolStats {
	total, live := m.store.Len(), m.store.LiveCount()
	return PoolStats{
		Total:       total,
		Live:        live,
		Dead:        total - live,
		NeedsFetch:  m.fetcher.NeedsFetch(),
		LastFetchAt: m.fetcher.LastSuccess(),
		Sessions:    m.fetcher.Sessions(),
	}
}

// Persist 把池中代理追加写回列表文件，并保存评分。
func (m *Manager) Persist() error {
	if _, err := m.store.Persist(m.storage); err != nil {
		return err
	}
	return m.scores.Save(m.scorer.Snapshot())
}

// syncScorer 确保池中每个代理都在评分器中。
func (m *Manager) syncScorer() {
	for _, r := range m.store.All() {
		m.track(r.ID())
	}
}

// track 登记代理并把评分器给出的分数写回记录。
func (m *Manager) track(id string) {
	m.scoreMu.Lock()
	defer m.scoreMu.Unlock()
	m.scorer.Track(id)
	m.store.SetScore(id, m.scorer.Score(id))
}

func (m *Manager) restoreScores() {
	l := logger.WithComponent("ProxyPool/Manager")

	entries, err := m.scores.Load()
	if err != nil {
		l.Warn().Err(err).Msg("Failed to load scores, starting from the prior.")
		return
	}
	m.scorer.Restore(entries)
	m.syncScorer()
	l.Info().Int("count", len(entries)).Msg("Scores restored.")
}
