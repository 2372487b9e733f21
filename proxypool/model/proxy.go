package model

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ProxySpec 是代理的规范化身份：协议、主机、端口以及可选凭据。
// 身份只由 scheme+host+port 决定，凭据不参与比较。创建后不可变。
type ProxySpec struct {
	Scheme   Scheme `json:"scheme"`
	Host     string `json:"host"`
	Port     uint16 `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ID 返回 "scheme://host:port"，用作去重和索引的键。
func (p ProxySpec) ID() string {
	return p.Scheme.String() + "://" + strings.ToLower(p.Address())
}

// Address returns host:port, bracketing IPv6 literals.
func (p ProxySpec) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port)))
}

// HasAuth reports whether the spec carries credentials.
func (p ProxySpec) HasAuth() bool {
	return p.Username != "" || p.Password != ""
}

// String 返回持久化使用的规范格式。凭据中出现 ':' '@' '/' 时改用
// userinfo 形式并做 URL 转义，保证 Parse(String()) 可以还原。
func (p ProxySpec) String() string {
	base := p.Scheme.String() + "://"
	if !p.HasAuth() {
		return base + p.Address()
	}
	if strings.ContainsAny(p.Username+p.Password, ":@/") {
		return base + url.UserPassword(p.Username, p.Password).String() + "@" + p.Address()
	}
	return base + p.Address() + ":" + p.Username + ":" + p.Password
}

// URL builds the proxy URL used by http.ProxyURL and the SOCKS dialers.
func (p ProxySpec) URL() *url.URL {
	u := &url.URL{Scheme: p.Scheme.String(), Host: p.Address()}
	if p.HasAuth() {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// WithScheme returns a copy of the spec using another scheme.
func (p ProxySpec) WithScheme(s Scheme) ProxySpec {
	p.Scheme = s
	return p
}

// ProxyRecord 持有一个 ProxySpec 以及它的健康状态。
// 只有 Store 在应用探测结果或评分时修改它，对外暴露的都是值拷贝。
type ProxyRecord struct {
	Spec    ProxySpec `json:"spec"`
	Source  string    `json:"source"`            // 来源, e.g. "file", "manual", 抓取源名称
	Country string    `json:"country,omitempty"` // GeoIP 国家代码
	AddedAt time.Time `json:"added_at"`

	ConsecutiveFailures uint          `json:"consecutive_failures"`
	LastCheckedAt       time.Time     `json:"last_checked_at"`
	LastLatency         time.Duration `json:"last_latency"` // 0 表示未知
	IsDead              bool          `json:"is_dead"`
	QualityScore        float64       `json:"quality_score"`
}

// ID is a shortcut for r.Spec.ID().
func (r ProxyRecord) ID() string {
	return r.Spec.ID()
}

// LatencyMs returns the last latency in milliseconds and whether it is known.
func (r ProxyRecord) LatencyMs() (uint, bool) {
	if r.LastLatency <= 0 {
		return 0, false
	}
	return uint(r.LastLatency.Milliseconds()), true
}
