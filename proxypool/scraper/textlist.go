package scraper

import (
	"context"
	"errors"
	"fmt"
	"liuproxy_keeper/internal/shared/logger"
	"liuproxy_keeper/internal/shared/types"
	"liuproxy_keeper/proxypool/model"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// TextListScraper 抓取每行一个代理的纯文本列表。
type TextListScraper struct {
	conf   types.SourceConf
	scheme model.Scheme
	client *resty.Client
}

func NewTextListScraper(conf types.SourceConf) *TextListScraper {
	client := resty.New().
		SetTimeout(timeoutOf(conf)).
		SetRetryCount(conf.Retries).
		SetRetryWaitTime(500*time.Millisecond).
		SetHeader("User-Agent", userAgentOf(conf))

	return &TextListScraper{
		conf:   conf,
		scheme: defaultScheme(conf),
		client: client,
	}
}

func (s *TextListScraper) Name() string {
	return s.conf.Name
}

// Scrape 依次请求所有 URL；只要有一个 URL 成功就不返回错误。
func (s *TextListScraper) Scrape(ctx context.Context) ([]model.ProxySpec, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	var (
		specs   []model.ProxySpec
		errs    []error
		skipped int
	)
	for _, u := range s.conf.URLs {
		resp, err := s.client.R().SetContext(ctx).Get(u)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to fetch %s: %w", u, err))
			continue
		}
		if resp.IsError() {
			errs = append(errs, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode(), u))
			continue
		}

		for _, line := range strings.Split(resp.String(), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			spec, err := model.ParseWithDefault(line, s.scheme)
			if err != nil {
				skipped++
				continue
			}
			specs = append(specs, spec)
		}
	}

	if len(errs) == len(s.conf.URLs) && len(errs) > 0 {
		return nil, fmt.Errorf("source %s: %w", s.Name(), errors.Join(errs...))
	}
	for _, err := range errs {
		l.Warn().Err(err).Str("source", s.Name()).Msg("Scrape request failed.")
	}

	l.Info().Int("count", len(specs)).Int("skipped", skipped).Str("source", s.Name()).Msg("Scrape finished.")
	return specs, nil
}
