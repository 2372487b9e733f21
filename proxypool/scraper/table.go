package scraper

import (
	"context"
	"errors"
	"fmt"
	"liuproxy_keeper/internal/shared/logger"
	"liuproxy_keeper/internal/shared/types"
	"liuproxy_keeper/proxypool/model"
	"net"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
)

// TableScraper 抓取 HTML 表格形式的代理列表，行选择器和列号都来自配置。
type TableScraper struct {
	conf   types.SourceConf
	scheme model.Scheme
}

func NewTableScraper(conf types.SourceConf) *TableScraper {
	return &TableScraper{conf: conf, scheme: defaultScheme(conf)}
}

func (s *TableScraper) Name() string {
	return s.conf.Name
}

func (s *TableScraper) Scrape(ctx context.Context) ([]model.ProxySpec, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	// 每次抓取都用新的 collector，否则 colly 会拒绝重复访问同一个 URL
	c := colly.NewCollector(colly.UserAgent(userAgentOf(s.conf)))
	c.SetRequestTimeout(timeoutOf(s.conf))

	var (
		specs   []model.ProxySpec
		errs    []error
		skipped int
		mu      sync.Mutex
	)

	c.OnHTML(s.conf.RowSelector, func(e *colly.HTMLElement) {
		var cols []string
		e.DOM.Find("td").Each(func(_ int, td *goquery.Selection) {
			cols = append(cols, strings.TrimSpace(td.Text()))
		})
		cell := func(i int) string {
			if i < 0 || i >= len(cols) {
				return ""
			}
			return cols[i]
		}

		host, port := cell(s.conf.HostColumn), cell(s.conf.PortColumn)
		if host == "" || port == "" {
			return // 表头或空行
		}

		scheme := s.scheme
		if s.conf.ProtocolColumn != nil {
			if sc, ok := model.ParseScheme(cell(*s.conf.ProtocolColumn)); ok {
				scheme = sc
			}
		}

		spec, err := model.ParseWithDefault(net.JoinHostPort(host, port), scheme)

		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			skipped++
			return
		}
		specs = append(specs, spec)
	})

	c.OnError(func(r *colly.Response, err error) {
		l.Warn().Err(err).Int("status_code", r.StatusCode).Str("url", r.Request.URL.String()).Msg("Scrape request failed.")
		mu.Lock()
		errs = append(errs, fmt.Errorf("%s: %w", r.Request.URL, err))
		mu.Unlock()
	})

	for _, u := range s.conf.URLs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l.Debug().Str("url", u).Msg("Visiting page...")
		mu.Lock()
		reported := len(errs)
		mu.Unlock()
		err := c.Visit(u)

		mu.Lock()
		// 请求阶段的错误已经由 OnError 记录，这里只补上 colly 在发请求前就拒绝的情况
		if err != nil && len(errs) == reported {
			errs = append(errs, fmt.Errorf("%s: %w", u, err))
		}
		mu.Unlock()
	}
	c.Wait()

	if len(specs) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("source %s: %w", s.Name(), errors.Join(errs...))
	}

	l.Info().Int("count", len(specs)).Int("skipped", skipped).Str("source", s.Name()).Msg("Scrape finished.")
	return specs, nil
}
