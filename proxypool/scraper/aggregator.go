package scraper

import (
	"context"
	"errors"
	"fmt"
	"liuproxy_keeper/internal/shared/logger"
	"liuproxy_keeper/proxypool/model"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// Prober 是 Aggregator 用来筛掉不可用候选的批量探测器，由 validator.Validator 实现。
type Prober interface {
	ProbeBatch(ctx context.Context, specs []model.ProxySpec, target string, timeout time.Duration, concurrency int) []model.ProbeResult
}

// Aggregator 是默认的采集后端：并发运行所有采集源，去重、按协议过滤，
// 探测候选代理后返回可用的条目。
type Aggregator struct {
	scrapers []Scraper
	prober   Prober
	target   string
}

func NewAggregator(scrapers []Scraper, prober Prober, target string) *Aggregator {
	return &Aggregator{scrapers: scrapers, prober: prober, target: target}
}

// Sources returns the names of the configured scrapers.
func (a *Aggregator) Sources() []string {
	return lo.Map(a.scrapers, func(s Scraper, _ int) string { return s.Name() })
}

func (a *Aggregator) Fetch(ctx context.Context, req model.FetchRequest) (model.FetchResponse, error) {
	l := logger.WithComponent("ProxyPool/Aggregator")

	scrapers := a.scrapers
	if len(req.Sources) > 0 {
		scrapers = lo.Filter(scrapers, func(s Scraper, _ int) bool { return lo.Contains(req.Sources, s.Name()) })
	}
	if len(scrapers) == 0 {
		return model.FetchResponse{}, errors.New("no proxy sources configured")
	}

	var (
		mu         sync.Mutex
		candidates []model.ProxySpec
		failed     int
		errs       []error
	)
	var g errgroup.Group
	for _, s := range scrapers {
		g.Go(func() error {
			specs, err := s.Scrape(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				errs = append(errs, err)
				l.Warn().Err(err).Str("source", s.Name()).Msg("Source failed.")
				return nil
			}
			candidates = append(candidates, specs...)
			return nil
		})
	}
	g.Wait()

	stats := map[string]int{
		"scraped":        len(candidates),
		"sources_failed": failed,
	}
	if failed == len(scrapers) {
		return model.FetchResponse{Stats: stats}, fmt.Errorf("all %d sources failed: %w", failed, errors.Join(errs...))
	}

	unique := lo.UniqBy(candidates, func(s model.ProxySpec) string { return s.ID() })
	stats["unique"] = len(unique)
	if len(req.Protocols) > 0 {
		unique = lo.Filter(unique, func(s model.ProxySpec, _ int) bool { return lo.Contains(req.Protocols, s.Scheme) })
	}
	stats["probed"] = len(unique)

	results := a.prober.ProbeBatch(ctx, unique, a.target, req.PerProbeTimeout, req.Concurrency)

	alive := make([]model.ProxySpec, 0, len(unique))
	for i, r := range results {
		if r.OK {
			alive = append(alive, unique[i])
		}
	}
	stats["alive"] = len(alive)
	if req.TargetCount > 0 && len(alive) > req.TargetCount {
		alive = alive[:req.TargetCount]
	}

	l.Info().Interface("stats", stats).Msg("Aggregation finished.")
	return model.FetchResponse{
		Success: true,
		Proxies: lo.Map(alive, func(s model.ProxySpec, _ int) string { return s.String() }),
		Stats:   stats,
	}, nil
}
