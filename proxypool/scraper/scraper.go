package scraper

import (
	"context"
	"fmt"
	"liuproxy_keeper/internal/shared/types"
	"liuproxy_keeper/proxypool/model"
	"strings"
	"time"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36"
	defaultTimeout   = 20 * time.Second
)

// Scraper 接口定义了从代理源抓取代理信息的行为。
type Scraper interface {
	// Scrape 执行抓取操作。实现者只负责抓取和解析，不进行验证。
	Scrape(ctx context.Context) ([]model.ProxySpec, error)

	// Name 返回抓取器的名称，用于日志记录。
	Name() string
}

// New 根据 sources.yaml 中的一条配置创建对应的 Scraper。
func New(conf types.SourceConf) (Scraper, error) {
	switch strings.ToLower(conf.Kind) {
	case "", "text":
		return NewTextListScraper(conf), nil
	case "table":
		if conf.RowSelector == "" {
			return nil, fmt.Errorf("source %q: table sources need a row_selector", conf.Name)
		}
		return NewTableScraper(conf), nil
	default:
		return nil, fmt.Errorf("source %q: unknown kind %q", conf.Name, conf.Kind)
	}
}

// FromConfig builds every enabled source, skipping the ones that fail validation.
func FromConfig(confs []types.SourceConf) ([]Scraper, []error) {
	var (
		out  []Scraper
		errs []error
	)
	for _, c := range confs {
		if c.Disabled {
			continue
		}
		s, err := New(c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, s)
	}
	return out, errs
}

func defaultScheme(conf types.SourceConf) model.Scheme {
	scheme, _ := model.ParseScheme(conf.Protocol)
	return scheme
}

func timeoutOf(conf types.SourceConf) time.Duration {
	if conf.TimeoutMs > 0 {
		return time.Duration(conf.TimeoutMs) * time.Millisecond
	}
	return defaultTimeout
}

func userAgentOf(conf types.SourceConf) string {
	if conf.UserAgent != "" {
		return conf.UserAgent
	}
	return defaultUserAgent
}
