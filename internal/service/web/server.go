package web

import (
	"context"
	"errors"
	"liuproxy_keeper/internal/shared/logger"
	"liuproxy_keeper/internal/shared/types"
	"net"
	"net/http"
	"sync"
	"time"
)

// basicAuthMiddleware 检查 user 和 password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter 注册全部管理接口。/api/status 与 /ws 不需要认证。
func NewRouter(handler *Handler, hub *Hub, user, pass string) http.Handler {
	mux := http.NewServeMux()
	protect := func(h http.HandlerFunc) http.Handler {
		return basicAuthMiddleware(h, user, pass)
	}

	mux.Handle("/api/proxies", protect(handler.HandleProxies))
	mux.Handle("/api/proxies/next", protect(handler.HandleNext))
	mux.Handle("/api/proxies/random", protect(handler.HandleRandom))
	mux.Handle("/api/proxies/top", protect(handler.HandleTop))
	mux.Handle("/api/proxies/result", protect(handler.HandleResult))
	mux.Handle("/api/proxies/probe", protect(handler.HandleProbe))
	mux.Handle("/api/proxies/import", protect(handler.HandleImport))
	mux.Handle("/api/pool/ensure", protect(handler.HandleEnsure))
	mux.Handle("/api/pool/reset-dead", protect(handler.HandleResetDead))

	// 公开的状态 API
	mux.HandleFunc("/api/status", handler.HandleStatus)

	// --- WebSocket Endpoint (公开，无需认证) ---
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})
	return mux
}

// StartServer 在 cfg.Listen 上启动管理接口。web 未启用时返回 nil, nil。
// 返回的 server 由调用方在退出时 Shutdown。
func StartServer(wg *sync.WaitGroup, cfg types.WebConf, skipDead bool, pool PoolController, hub *Hub) (*http.Server, error) {
	l := logger.WithComponent("WebServer")
	if !cfg.Enabled {
		l.Info().Msg("Admin API is disabled.")
		return nil, nil
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Handler:           NewRouter(NewHandler(pool, skipDead), hub, cfg.User, cfg.Password),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.User == "" || cfg.Password == "" {
		l.Warn().Msg("Admin API has no basic auth configured, next/random expose proxy credentials to any client.")
	}
	l.Info().Msgf("Admin API is listening on http://%s", listener.Addr())

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Msg("Web server error.")
		}
		l.Info().Msg("Web server stopped.")
	}()
	return srv, nil
}

// Shutdown stops srv, waiting at most timeout for in-flight requests.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
