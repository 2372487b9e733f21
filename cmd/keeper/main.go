package main

import (
	"flag"
	"fmt"
	"liuproxy_keeper/internal/service/web"
	"liuproxy_keeper/internal/shared/config"
	"liuproxy_keeper/internal/shared/globalstate"
	"liuproxy_keeper/internal/shared/logger"
	manager "liuproxy_keeper/proxypool"
	"liuproxy_keeper/proxypool/geoip"
	"liuproxy_keeper/proxypool/scraper"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	flag.Parse()

	// 1. 加载 .env 和 keeper.ini
	cfg, err := config.Load(*configDir)
	if err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config from '%s': %v\n", *configDir, err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 2. 加载采集源
	sources, err := config.LoadSources(cfg.FetchConf.SourcesFile)
	if err != nil {
		logger.Fatal().Err(err).Msgf("Failed to load sources file '%s'", cfg.FetchConf.SourcesFile)
	}
	scrapers, errs := scraper.FromConfig(sources)
	for _, e := range errs {
		logger.Warn().Err(e).Msg("Skipping invalid source.")
	}

	hub := web.NewHub()
	go hub.Run()

	opts := []manager.Option{manager.WithEventSink(hub)}
	if cfg.GeoConf.Enabled {
		geo, err := geoip.New(cfg.GeoConf.Database)
		if err != nil {
			logger.Warn().Err(err).Msg("GeoIP disabled.")
		} else {
			opts = append(opts, manager.WithGeoIP(geo))
		}
	}

	// 3. 启动代理池
	pool := manager.NewManager(cfg, scrapers, opts...)
	globalstate.GlobalStatus.Set("Starting")
	pool.Start()

	var wg sync.WaitGroup
	srv, err := web.StartServer(&wg, cfg.WebConf, cfg.PoolConf.SkipDead, pool, hub)
	if err != nil {
		pool.Stop()
		logger.Fatal().Err(err).Msgf("Failed to start admin API on %s", cfg.WebConf.Listen)
	}
	globalstate.GlobalStatus.Set("Running")
	stats := pool.Stats()
	logger.Info().Int("proxies", stats.Total).Int("live", stats.Live).Int("sources", len(scrapers)).
		Bool("fetch_enabled", cfg.FetchConf.Enabled).Bool("web_enabled", cfg.WebConf.Enabled).
		Msg("Proxy keeper is running.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Dur("uptime", globalstate.GlobalStatus.Since()).Msg("Shutting down...")
	globalstate.GlobalStatus.Set("Stopping")

	if err := web.Shutdown(srv, 5*time.Second); err != nil {
		logger.Warn().Err(err).Msg("Admin API did not shut down cleanly.")
	}
	wg.Wait()
	pool.Stop()
	hub.Stop()
	logger.Info().Msg("Proxy keeper stopped.")
}
