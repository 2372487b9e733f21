package geoip

import (
	"context"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Service 用 MaxMind 数据库给代理出口地址标注国家代码。
type Service struct {
	db *geoip2.Reader
}

func New(dbPath string) (*Service, error) {
	db, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip db: %w", err)
	}

	return &Service{db: db}, nil
}

func (s *Service) Close() error {
	return s.db.Close()
}

// Country returns the ISO country code for a host. Hostnames are resolved first.
func (s *Service) Country(ctx context.Context, host string) (string, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return "", fmt.Errorf("cannot resolve %s: %w", host, err)
		}
		if len(addrs) == 0 {
			return "", fmt.Errorf("no addresses for %s", host)
		}
		ip = addrs[0].IP
	}

	record, err := s.db.Country(ip)
	if err != nil {
		return "", fmt.Errorf("geoip lookup failed: %w", err)
	}
	return record.Country.IsoCode, nil
}
