package model

import (
	"fmt"
	"strings"
)

// Scheme 是代理协议的封闭枚举。新增协议时必须同时补全所有 switch 分支。
type Scheme uint8

const (
	SchemeHTTP Scheme = iota
	SchemeHTTPS
	SchemeSOCKS4
	SchemeSOCKS4A
	SchemeSOCKS5
	SchemeSOCKS5H
)

// DetectOrder 是协议探测模式下依次尝试的顺序。
var DetectOrder = []Scheme{
	SchemeSOCKS5,
	SchemeSOCKS5H,
	SchemeHTTP,
	SchemeSOCKS4,
	SchemeSOCKS4A,
	SchemeHTTPS,
}

func (s Scheme) String() string {
	switch s {
	case SchemeHTTP:
		return "http"
	case SchemeHTTPS:
		return "https"
	case SchemeSOCKS4:
		return "socks4"
	case SchemeSOCKS4A:
		return "socks4a"
	case SchemeSOCKS5:
		return "socks5"
	case SchemeSOCKS5H:
		return "socks5h"
	default:
		return "unknown"
	}
}

func (s Scheme) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Scheme) UnmarshalText(b []byte) error {
	v, ok := ParseScheme(string(b))
	if !ok {
		return fmt.Errorf("unknown proxy scheme %q", string(b))
	}
	*s = v
	return nil
}

// IsSOCKS reports whether the scheme needs a SOCKS handshake before any byte is readable.
func (s Scheme) IsSOCKS() bool {
	switch s {
	case SchemeSOCKS4, SchemeSOCKS4A, SchemeSOCKS5, SchemeSOCKS5H:
		return true
	default:
		return false
	}
}

// ParseScheme 将字符串转换为 Scheme，大小写不敏感。
func ParseScheme(s string) (Scheme, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "http":
		return SchemeHTTP, true
	case "https":
		return SchemeHTTPS, true
	case "socks4":
		return SchemeSOCKS4, true
	case "socks4a":
		return SchemeSOCKS4A, true
	case "socks5":
		return SchemeSOCKS5, true
	case "socks5h":
		return SchemeSOCKS5H, true
	default:
		return SchemeHTTP, false
	}
}

// ParseSchemes converts a list of names, skipping the ones it does not know.
func ParseSchemes(names []string) []Scheme {
	out := make([]Scheme, 0, len(names))
	for _, n := range names {
		if s, ok := ParseScheme(n); ok {
			out = append(out, s)
		}
	}
	return out
}
