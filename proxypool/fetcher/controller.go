package fetcher

import (
	"context"
	"errors"
	"fmt"
	"liuproxy_keeper/internal/shared/logger"
	"liuproxy_keeper/proxypool/model"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	flightKey       = "fetch"
	maxSessionsKept = 20
)

// Pool 是 Controller 需要的代理池视图，由 store.Store 实现。
type Pool interface {
	Len() int
	LiveCount() int
	Add(spec model.ProxySpec, source string) bool
}

// Backend 是实际执行采集的外部协作者。
type Backend interface {
	Fetch(ctx context.Context, req model.FetchRequest) (model.FetchResponse, error)
}

// MarkerStore persists the time of the last successful fetch.
type MarkerStore interface {
	ReadMarker() (time.Time, error)
	WriteMarker(t time.Time) error
}

type Config struct {
	MinProxies    int           // 存活代理低于该值时需要补充
	CacheDuration time.Duration // 距上次成功采集超过该时长视为过期
	MinInterval   time.Duration // 两次自动采集尝试之间的最小间隔

	FetchTimeout     time.Duration
	Retries          uint
	RetryInitialWait time.Duration

	TargetCount     int
	Protocols       []model.Scheme
	PerProbeTimeout time.Duration
	Concurrency     int
	Sources         []string
}

// Controller 负责判断代理池是否需要补充，并保证并发调用方只触发一次采集。
type Controller struct {
	pool    Pool
	backend Backend
	marker  MarkerStore
	cfg     Config
	now     func() time.Time

	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	lastSuccess time.Time
	lastAttempt time.Time
	sessions    []model.FetchSession
}

// New 创建 Controller，并从 marker 恢复上次成功采集的时间。marker 可以为 nil。
func New(pool Pool, backend Backend, marker MarkerStore, cfg Config) *Controller {
	l := logger.WithComponent("ProxyPool/Fetcher")

	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 2 * time.Minute
	}
	if cfg.Retries == 0 {
		cfg.Retries = 1
	}
	if cfg.RetryInitialWait <= 0 {
		cfg.RetryInitialWait = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		pool:    pool,
		backend: backend,
		marker:  marker,
		cfg:     cfg,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
	if marker != nil {
		t, err := marker.ReadMarker()
		if err != nil {
			l.Warn().Err(err).Msg("Failed to read last fetch marker, treating pool as stale.")
		} else {
			c.lastSuccess = t
		}
	}
	return c
}

// Close 取消正在进行的采集。之后的 Ensure 调用都会失败。
func (c *Controller) Close() {
	c.cancel()
}

// NeedsFetch 在池为空、存活数低于阈值或超过缓存窗口时返回 true。
func (c *Controller) NeedsFetch() bool {
	if c.pool.Len() == 0 {
		return true
	}
	if c.pool.LiveCount() < c.cfg.MinProxies {
		return true
	}
	c.mu.Lock()
	last := c.lastSuccess
	c.mu.Unlock()
	return c.cfg.CacheDuration > 0 && c.now().Sub(last) > c.cfg.CacheDuration
}

// LastSuccess returns the time of the last successful fetch (zero if none).
func (c *Controller) LastSuccess() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSuccess
}

// Sessions returns the most recent fetch sessions, oldest first.
func (c *Controller) Sessions() []model.FetchSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.FetchSession, len(c.sessions))
	copy(out, c.sessions)
	return out
}

// Ensure 在需要时触发一次采集。并发调用共享同一次采集的结果；
// 调用方的 ctx 结束时立即返回失败，但采集本身会继续完成。
func (c *Controller) Ensure(ctx context.Context, force bool) model.FetchOutcome {
	if !force {
		if out, ok := c.admit(); !ok {
			return out
		}
	}

	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.run(force), nil
	})
	select {
	case res := <-ch:
		return res.Val.(model.FetchOutcome)
	case <-ctx.Done():
		return model.FetchOutcome{Status: model.FetchFailed, Error: ctx.Err().Error()}
	}
}

// admit 判断一次非强制采集能否进行，不能时返回 Fresh 或 Throttled。
func (c *Controller) admit() (model.FetchOutcome, bool) {
	if !c.NeedsFetch() {
		return model.FetchOutcome{Status: model.FetchFresh}, false
	}
	if c.throttled() {
		return model.FetchOutcome{Status: model.FetchThrottled}, false
	}
	return model.FetchOutcome{}, true
}

// throttled 在距上次尝试不足 MinInterval，或池非空且距上次成功不足一个缓存窗口时返回 true。
func (c *Controller) throttled() bool {
	empty := c.pool.Len() == 0

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.cfg.MinInterval > 0 && !c.lastAttempt.IsZero() && now.Sub(c.lastAttempt) < c.cfg.MinInterval {
		return true
	}
	return !empty && c.cfg.CacheDuration > 0 && !c.lastSuccess.IsZero() &&
		now.Sub(c.lastSuccess) < c.cfg.CacheDuration
}

func (c *Controller) run(force bool) model.FetchOutcome {
	l := logger.WithComponent("ProxyPool/Fetcher")

	// 排队进来的调用方可能已经被上一轮采集满足或限流
	if !force {
		if out, ok := c.admit(); !ok {
			return out
		}
	}

	now := c.now()
	c.mu.Lock()
	c.lastAttempt = now
	c.mu.Unlock()

	session := model.FetchSession{
		ID:          uuid.NewString(),
		TriggeredAt: now,
		TargetCount: c.cfg.TargetCount,
		Forced:      force,
	}
	for _, p := range c.cfg.Protocols {
		session.ProtocolsRequested = append(session.ProtocolsRequested, p.String())
	}
	req := model.FetchRequest{
		Protocols:       c.cfg.Protocols,
		TargetCount:     c.cfg.TargetCount,
		PerProbeTimeout: c.cfg.PerProbeTimeout,
		Concurrency:     c.cfg.Concurrency,
		Sources:         c.cfg.Sources,
	}

	l.Info().Str("session", session.ID).Bool("forced", force).Int("target", req.TargetCount).Msg("Starting proxy fetch...")

	resp, err := c.fetchWithRetry(req)
	if err != nil {
		c.recordSession(session)
		l.Warn().Err(err).Str("session", session.ID).Msg("Proxy fetch failed, continuing with the existing pool.")
		return model.FetchOutcome{Status: model.FetchFailed, Error: err.Error(), SessionID: session.ID}
	}

	specs, errs := model.ParseLines(resp.Proxies, model.SchemeHTTP)
	for _, perr := range errs {
		l.Debug().Err(perr).Msg("Backend returned a malformed proxy.")
	}
	added := 0
	for _, spec := range specs {
		if c.pool.Add(spec, "fetch") {
			added++
		}
	}

	done := c.now()
	c.mu.Lock()
	c.lastSuccess = done
	c.mu.Unlock()
	if c.marker != nil {
		if err := c.marker.WriteMarker(done); err != nil {
			l.Warn().Err(err).Msg("Failed to write last fetch marker.")
		}
	}

	session.ResultCount = added
	c.recordSession(session)
	l.Info().Str("session", session.ID).Int("returned", len(resp.Proxies)).Int("added", added).
		Interface("stats", resp.Stats).Msg("Proxy fetch finished.")

	return model.FetchOutcome{Status: model.FetchSucceeded, Fetched: true, AddedCount: added, SessionID: session.ID}
}

func (c *Controller) fetchWithRetry(req model.FetchRequest) (model.FetchResponse, error) {
	l := logger.WithComponent("ProxyPool/Fetcher")

	attempt := 0
	op := func() (model.FetchResponse, error) {
		attempt++
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.FetchTimeout)
		defer cancel()

		resp, err := c.backend.Fetch(ctx, req)
		if err == nil && !resp.Success {
			err = errors.New("backend reported failure")
		}
		if err != nil {
			l.Debug().Err(err).Int("attempt", attempt).Msg("Fetch attempt failed.")
			return resp, err
		}
		return resp, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitialWait
	resp, err := backoff.Retry(c.ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.cfg.Retries),
	)
	if err != nil {
		return resp, fmt.Errorf("%w: %w", model.ErrFetchBackend, err)
	}
	return resp, nil
}

func (c *Controller) recordSession(s model.FetchSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, s)
	if len(c.sessions) > maxSessionsKept {
		c.sessions = c.sessions[len(c.sessions)-maxSessionsKept:]
	}
}
