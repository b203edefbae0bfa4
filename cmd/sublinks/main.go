package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/elysiawen/SubLinks-sub002/internal/fetch"
	"github.com/elysiawen/SubLinks-sub002/internal/httpapi"
	"github.com/elysiawen/SubLinks-sub002/internal/kv"
	"github.com/elysiawen/SubLinks-sub002/internal/logx"
	"github.com/elysiawen/SubLinks-sub002/internal/model"
	"github.com/elysiawen/SubLinks-sub002/internal/resolve"
	"github.com/elysiawen/SubLinks-sub002/internal/store"
)

func main() {
	// .env is optional; real env vars win either way.
	_ = godotenv.Load()

	listen := flag.String("listen", "127.0.0.1:25500", "HTTP 监听地址")
	dbPath := flag.String("db", "data/sublinks.db", "SQLite 数据库文件路径")
	readHeaderTimeout := flag.Duration("read-header-timeout", 5*time.Second, "HTTP ReadHeaderTimeout（请求头读取超时）")
	shutdownTimeout := flag.Duration("shutdown-timeout", 10*time.Second, "收到退出信号后的优雅退出等待时间")
	healthcheck := flag.Bool("healthcheck", false, "探活模式：请求 /healthz 后退出")
	flag.Parse()

	log := logx.L()

	if *healthcheck {
		u, err := deriveHealthzURL(*listen)
		if err != nil {
			log.Error("探活地址解析失败", "err", err.Error())
			os.Exit(1)
		}
		if err := runHealthcheck(u, 3*time.Second); err != nil {
			log.Error("探活失败", "url", u, "err", err.Error())
			os.Exit(1)
		}
		return
	}

	backend, err := kv.OpenSQLite(*dbPath)
	if err != nil {
		log.Error("打开数据库失败", "path", *dbPath, "err", err.Error())
		os.Exit(1)
	}
	defer backend.Close()
	st := store.New(backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bootstrap(ctx, st); err != nil {
		log.Error("初始化失败", "err", err.Error())
		os.Exit(1)
	}

	fetcher := fetch.New(st)
	defer fetcher.Close()
	resolver := resolve.New(st, fetcher)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr: *listen,
		Handler: httpapi.NewRouter(httpapi.Options{
			Store:         st,
			Refresher:     fetcher,
			Resolver:      resolver,
			LookupSession: sessionLookupFromEnv(),
		}),
		ReadHeaderTimeout: *readHeaderTimeout,
	}

	go refreshLoop(ctx, st, fetcher)

	log.Info("服务已启动", "listen", *listen)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("收到退出信号")

		shCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			log.Error("优雅退出失败", "err", err.Error())
			_ = srv.Close()
		}

		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("服务退出", "err", err.Error())
			os.Exit(1)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("服务退出", "err", err.Error())
			os.Exit(1)
		}
	}
}

// bootstrap seeds the global config and the admin account on first start.
// SUBLINKS_* env vars only fill blanks; existing stored values are kept.
func bootstrap(ctx context.Context, st *store.Store) error {
	cfg, err := st.GlobalConfig(ctx)
	if err != nil {
		return err
	}
	changed := false
	if len(cfg.SourceURLs) == 0 {
		if raw := os.Getenv("SUBLINKS_SOURCES"); raw != "" {
			for _, u := range strings.Split(raw, ",") {
				if u = strings.TrimSpace(u); u != "" {
					cfg.SourceURLs = append(cfg.SourceURLs, u)
				}
			}
			changed = true
		}
	}
	if cfg.RefreshAPIKey == "" {
		if key := os.Getenv("SUBLINKS_REFRESH_KEY"); key != "" {
			cfg.RefreshAPIKey = key
			changed = true
		}
	}
	if changed {
		if err := st.SaveGlobalConfig(ctx, cfg); err != nil {
			return err
		}
	}

	username := os.Getenv("SUBLINKS_ADMIN_USER")
	password := os.Getenv("SUBLINKS_ADMIN_PASSWORD")
	if username == "" || password == "" {
		return nil
	}
	if _, found, err := st.User(ctx, username); err != nil {
		return err
	} else if found {
		return nil
	}
	if err := st.SaveUser(ctx, model.User{
		Username: username,
		Role:     model.RoleAdmin,
		Status:   model.UserStatusActive,
	}); err != nil {
		return err
	}
	return st.SetUserPassword(ctx, username, password)
}

// sessionLookupFromEnv builds a single-token admin session from
// SUBLINKS_ADMIN_TOKEN. An external session service can replace this by
// wiring its own lookup into httpapi.Options.
func sessionLookupFromEnv() httpapi.SessionLookup {
	token := os.Getenv("SUBLINKS_ADMIN_TOKEN")
	if token == "" {
		return nil
	}
	username := os.Getenv("SUBLINKS_ADMIN_USER")
	if username == "" {
		username = "admin"
	}
	return func(got string) (model.User, bool) {
		if got != token {
			return model.User{}, false
		}
		return model.User{Username: username, Role: model.RoleAdmin, Status: model.UserStatusActive}, true
	}
}

// refreshLoop refreshes the upstream cache on start and then on the
// configured interval, so subscriber requests rarely hit a cold cache.
func refreshLoop(ctx context.Context, st *store.Store, fetcher *fetch.Fetcher) {
	log := logx.L()

	refresh := func() {
		if err := fetcher.Refresh(ctx, nil); err != nil {
			log.Warn("后台刷新失败", "err", err.Error())
		}
	}
	refresh()

	for {
		interval := 1 * time.Hour
		if cfg, err := st.GlobalConfig(ctx); err == nil && cfg.UpdateIntervalHours > 0 {
			interval = time.Duration(cfg.UpdateIntervalHours) * time.Hour
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			refresh()
		}
	}
}

// deriveHealthzURL turns a listen address into a local probe URL. A
// wildcard or bare-port address probes loopback.
func deriveHealthzURL(listen string) (string, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(listen, "http://"), "https://")
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		// A bare port like "25500".
		if !strings.Contains(s, ":") && s != "" {
			host, port = "", s
		} else {
			return "", fmt.Errorf("解析监听地址 %q: %w", listen, err)
		}
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return (&url.URL{Scheme: "http", Host: net.JoinHostPort(host, port), Path: "/healthz"}).String(), nil
}

func runHealthcheck(probeURL string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
