package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"modulant/internal/cdp"
	"modulant/internal/channel"
	"modulant/internal/config"
	"modulant/internal/logger"
	"modulant/internal/server"
	"modulant/internal/session"
	"modulant/internal/storage"
	"modulant/pkg/api"
	"modulant/pkg/model"
)

// main 连接浏览器目标并为每个页面创建拦截实例
func main() {
	configPath := flag.String("config", "", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.LoggerOptions())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Err(err, "运行失败")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	apiCfg, err := cfg.APIConfig()
	if err != nil {
		return err
	}

	kv, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mgr := cdp.New(cfg.SessionConfig(), log.With("component", "cdp"))
	defer mgr.Close()
	sessions := session.NewManager(log)
	defer sessions.Close()

	targets, err := mgr.ListTargets(ctx)
	if err != nil {
		return err
	}
	attached := 0
	for _, t := range targets {
		if cfg.DevTools.Target != "" && string(t.ID) != cfg.DevTools.Target {
			continue
		}
		if cfg.DevTools.Target == "" && !t.IsUser {
			continue
		}
		if err := attach(ctx, cfg, apiCfg, t, kv, reg, mgr, sessions, log); err != nil {
			log.Err(err, "连接目标失败", "target", string(t.ID), "url", t.URL)
			continue
		}
		attached++
	}
	if attached == 0 {
		log.Warn("没有可拦截的页面目标", "devtools", cfg.DevTools.URL)
	}

	go drain(ctx, mgr.Events(), log)
	return server.New(sessions, reg, log).ListenAndServe(ctx, cfg.Admin.Listen)
}

func attach(ctx context.Context, cfg *config.Config, apiCfg api.Config, t model.TargetInfo, kv storage.KV,
	reg prometheus.Registerer, mgr *cdp.Manager, sessions *session.Manager, log logger.Logger) error {
	id := model.SessionID(t.ID)
	opts := []api.Option{
		api.WithSessionID(id),
		api.WithLogger(log),
		api.WithStore(storage.Namespace(kv, string(t.ID))),
		api.WithRegisterer(reg),
		api.WithPageURL(t.URL),
		api.WithTimeout(cfg.ProxyTimeout()),
	}

	var remote *channel.Remote
	if cfg.Channel.Mode == "remote" {
		parent := pageOrigin(t.URL)
		r, err := channel.Dial(ctx, cfg.Channel.URL, parent, log)
		if err != nil {
			return err
		}
		remote = r
		opts = append(opts, api.WithChannel(r))
	}

	inst, err := api.Initialize(ctx, apiCfg, opts...)
	if err != nil {
		if remote != nil {
			_ = remote.Close()
		}
		return err
	}
	tid, err := mgr.AttachTarget(ctx, t.ID, id, inst)
	if err != nil {
		_ = inst.Teardown()
		if remote != nil {
			_ = remote.Close()
		}
		return err
	}

	sess := session.New(inst, tid)
	if remote != nil {
		sess.OnClose(remote.Close)
	}
	sess.OnClose(func() error { return mgr.DetachTarget(tid) })
	sessions.Add(sess)
	go drain(ctx, inst.Events(), log)
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) (storage.KV, func(), error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		db, err := storage.Open(cfg.Storage.Sqlite.Dsn, cfg.Storage.Sqlite.Prefix, log)
		if err != nil {
			return nil, nil, err
		}
		kv := storage.NewSQLiteKV(db)
		return kv, closer(kv, log), nil
	case "redis":
		kv, err := storage.NewRedisKV(ctx, cfg.RedisConfig())
		if err != nil {
			return nil, nil, err
		}
		return kv, closer(kv, log), nil
	default:
		return nil, func() {}, nil
	}
}

func closer(c io.Closer, log logger.Logger) func() {
	return func() {
		if err := c.Close(); err != nil {
			log.Err(err, "关闭存储失败")
		}
	}
}

func pageOrigin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}

// drain 将事件写入调试日志
func drain(ctx context.Context, events <-chan model.Event, log logger.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			log.Debug("事件", "type", ev.Type, "session", string(ev.Session), "target", string(ev.Target),
				"url", ev.URL, "targetUrl", ev.TargetURL, "status", ev.Status, "error", ev.Error)
		}
	}
}
