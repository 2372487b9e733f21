package types

import "time"

// LogConf contains logging specific configuration
type LogConf struct {
	Level   string `ini:"level"`
	Format  string `ini:"format"` // console 或 json
	NoColor bool   `ini:"no_color"`
}

// PoolConf 包含代理池本身的配置
type PoolConf struct {
	ProxyFile              string `ini:"proxy_file"`
	ScoreFile              string `ini:"score_file"`
	MaxConsecutiveFailures uint   `ini:"max_consecutive_failures"` // 0 表示永不标记死亡
	SkipDead               bool   `ini:"skip_dead"`
	HealthCheckIntervalSec int    `ini:"health_check_interval_sec"` // 0 表示不做后台巡检
	HealthCheckSampleSize  int    `ini:"health_check_sample_size"`
	PersistOnFetch         bool   `ini:"persist_on_fetch"`
}

// ProbeConf 包含健康探测的配置
type ProbeConf struct {
	URL               string  `ini:"url"`
	TimeoutMs         int     `ini:"timeout_ms"`
	ConnectRatio      float64 `ini:"connect_ratio"`
	SOCKSConnectRatio float64 `ini:"socks_connect_ratio"`
	Concurrency       int     `ini:"concurrency"`
	UserAgent         string  `ini:"user_agent"`
}

// FetchConf 包含自动补充代理池的配置
type FetchConf struct {
	Enabled             bool     `ini:"enabled"`
	MinProxiesThreshold int      `ini:"min_proxies_threshold"`
	CacheDurationMs     int64    `ini:"cache_duration_ms"`
	MinIntervalMs       int64    `ini:"min_interval_ms"`
	FetchTimeoutMs      int64    `ini:"fetch_timeout_ms"`
	Retries             uint     `ini:"retries"`
	TargetCount         int      `ini:"target_count"`
	Protocols           []string `ini:"protocols" delim:","`
	PerProbeTimeoutMs   int      `ini:"per_probe_timeout_ms"`
	Concurrency         int      `ini:"concurrency"`
	CheckIntervalSec    int      `ini:"check_interval_sec"`
	SourcesFile         string   `ini:"sources_file"`
}

// ScoreConf 包含质量评分的常量
type ScoreConf struct {
	LatencyCeilingMs int     `ini:"latency_ceiling_ms"`
	PriorSuccesses   float64 `ini:"prior_successes"`
	PriorFailures    float64 `ini:"prior_failures"`
	LatencyAlpha     float64 `ini:"latency_alpha"`
}

// GeoConf 控制可选的 GeoIP 国家标注
type GeoConf struct {
	Enabled  bool   `ini:"enabled"`
	Database string `ini:"database"`
}

// WebConf 包含管理接口的配置
type WebConf struct {
	Enabled  bool   `ini:"enabled"`
	Listen   string `ini:"listen"`
	User     string `ini:"user"`
	Password string `ini:"password"`
}

// Config 是 keeper.ini 的统一配置结构体
type Config struct {
	LogConf   `ini:"log"`
	PoolConf  `ini:"pool"`
	ProbeConf `ini:"probe"`
	FetchConf `ini:"fetch"`
	ScoreConf `ini:"score"`
	GeoConf   `ini:"geo"`
	WebConf   `ini:"web"`
}

// DefaultConfig 返回所有键的默认值；ini 文件里出现的键会覆盖它们。
func DefaultConfig() *Config {
	return &Config{
		LogConf: LogConf{Level: "info", Format: "console"},
		PoolConf: PoolConf{
			ProxyFile:              "proxies.txt",
			ScoreFile:              "scores.txt",
			MaxConsecutiveFailures: 3,
			SkipDead:               true,
			HealthCheckIntervalSec: 300,
			HealthCheckSampleSize:  20,
			PersistOnFetch:         true,
		},
		ProbeConf: ProbeConf{
			URL:               "https://api.ipify.org?format=json",
			TimeoutMs:         8000,
			ConnectRatio:      0.5,
			SOCKSConnectRatio: 0.4,
			Concurrency:       10,
		},
		FetchConf: FetchConf{
			Enabled:             true,
			MinProxiesThreshold: 20,
			CacheDurationMs:     1800000,
			MinIntervalMs:       60000,
			FetchTimeoutMs:      120000,
			Retries:             2,
			TargetCount:         50,
			Protocols:           []string{"http", "socks5"},
			PerProbeTimeoutMs:   6000,
			Concurrency:         20,
			CheckIntervalSec:    60,
			SourcesFile:         "sources.yaml",
		},
		ScoreConf: ScoreConf{
			LatencyCeilingMs: 5000,
			PriorSuccesses:   1,
			PriorFailures:    1,
			LatencyAlpha:     0.3,
		},
		WebConf: WebConf{Listen: "127.0.0.1:8099"},
	}
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

// ProbeTimeout returns the per-probe timeout.
func (c *ProbeConf) ProbeTimeout() time.Duration { return ms(int64(c.TimeoutMs)) }

func (c *FetchConf) CacheDuration() time.Duration   { return ms(c.CacheDurationMs) }
func (c *FetchConf) MinInterval() time.Duration     { return ms(c.MinIntervalMs) }
func (c *FetchConf) FetchTimeout() time.Duration    { return ms(c.FetchTimeoutMs) }
func (c *FetchConf) PerProbeTimeout() time.Duration { return ms(int64(c.PerProbeTimeoutMs)) }

func (c *ScoreConf) LatencyCeiling() time.Duration { return ms(int64(c.LatencyCeilingMs)) }

// SourceConf 描述 sources.yaml 中的一个采集源。
type SourceConf struct {
	Name     string   `yaml:"name"`
	Kind     string   `yaml:"kind"` // text 或 table
	URLs     []string `yaml:"urls"`
	Protocol string   `yaml:"protocol"` // 条目没有写协议时使用的默认协议
	Disabled bool     `yaml:"disabled"`

	TimeoutMs int    `yaml:"timeout_ms"`
	Retries   int    `yaml:"retries"`
	UserAgent string `yaml:"user_agent"`

	// 仅 table 类型使用，列号从 0 开始
	RowSelector    string `yaml:"row_selector"`
	HostColumn     int    `yaml:"host_column"`
	PortColumn     int    `yaml:"port_column"`
	ProtocolColumn *int   `yaml:"protocol_column"`
}

// SourcesFile is the top-level layout of sources.yaml.
type SourcesFile struct {
	Sources []SourceConf `yaml:"sources"`
}
