package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"liuproxy_keeper/internal/shared/types"
)

const envPrefix = "KEEPER_"

// Load 读取 configDir 下的 .env（可选）和 keeper.ini，返回填好默认值的配置。
// 环境变量优先级最高。
func Load(configDir string) (*types.Config, error) {
	envFile := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	cfg := types.DefaultConfig()
	if err := LoadIni(cfg, filepath.Join(configDir, "keeper.ini")); err != nil {
		return nil, err
	}
	resolvePath(&cfg.PoolConf.ProxyFile, configDir)
	resolvePath(&cfg.PoolConf.ScoreFile, configDir)
	resolvePath(&cfg.FetchConf.SourcesFile, configDir)
	resolvePath(&cfg.GeoConf.Database, configDir)
	return cfg, nil
}

// LoadIni 把 ini 文件映射到 cfg 上，然后应用环境变量覆盖。文件不存在时只应用覆盖。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", fileName, err)
		}
	} else if err := iniFile.MapTo(cfg); err != nil {
		return fmt.Errorf("failed to map %s: %w", fileName, err)
	}

	overrideFromEnvString(&cfg.LogConf.Level, "LOG_LEVEL")
	overrideFromEnvString(&cfg.PoolConf.ProxyFile, "PROXY_FILE")
	overrideFromEnvString(&cfg.ProbeConf.URL, "HEALTH_CHECK_URL")
	overrideFromEnvInt(&cfg.ProbeConf.TimeoutMs, "PROBE_TIMEOUT_MS")
	overrideFromEnvInt(&cfg.FetchConf.MinProxiesThreshold, "MIN_PROXIES_THRESHOLD")
	overrideFromEnvInt64(&cfg.FetchConf.CacheDurationMs, "CACHE_DURATION_MS")
	overrideFromEnvInt64(&cfg.FetchConf.FetchTimeoutMs, "FETCH_TIMEOUT_MS")
	overrideFromEnvString(&cfg.WebConf.User, "WEB_USER")
	overrideFromEnvString(&cfg.WebConf.Password, "WEB_PASSWORD")
	return nil
}

// LoadSources 加载 sources.yaml。文件不存在时返回空列表。
func LoadSources(fileName string) ([]types.SourceConf, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		if os.IsNotExist(err) {
			return []types.SourceConf{}, nil
		}
		return nil, fmt.Errorf("failed to read sources file: %w", err)
	}

	var file types.SourcesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", fileName, err)
	}

	seen := make(map[string]bool)
	for i, s := range file.Sources {
		if s.Name == "" {
			return nil, fmt.Errorf("source #%d has no name", i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate source name %q", s.Name)
		}
		seen[s.Name] = true
		if len(s.URLs) == 0 {
			return nil, fmt.Errorf("source %q has no urls", s.Name)
		}
	}
	return file.Sources, nil
}

func resolvePath(p *string, base string) {
	if *p == "" || filepath.IsAbs(*p) {
		return
	}
	*p = filepath.Join(base, *p)
}

func overrideFromEnvString(target *string, name string) {
	if v, ok := os.LookupEnv(envPrefix + name); ok && strings.TrimSpace(v) != "" {
		*target = strings.TrimSpace(v)
	}
}

func overrideFromEnvInt(target *int, name string) {
	envValue := os.Getenv(envPrefix + name)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvInt64(target *int64, name string) {
	envValue := os.Getenv(envPrefix + name)
	if envValue != "" {
		if v, err := strconv.ParseInt(envValue, 10, 64); err == nil {
			*target = v
		}
	}
}
