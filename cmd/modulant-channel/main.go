package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"modulant/internal/channel"
	"modulant/internal/config"
	"modulant/internal/logger"
	"modulant/pkg/traffic"
)

// main 以 WebSocket 方式对外提供远端隔离上下文
func main() {
	configPath := flag.String("config", "", "配置文件路径")
	listen := flag.String("listen", "", "监听地址，覆盖配置")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Channel.Listen = *listen
	}
	log := logger.New(cfg.LoggerOptions())

	frames := channel.NewServer(channel.FrameConfig{
		InjectScript:   cfg.InjectScript,
		DefaultHeaders: cfg.DefaultHeaders,
		Client:         traffic.NewClient(cfg.ProxyTimeout()),
		FetchTimeout:   cfg.ProxyTimeout(),
		Logger:         log.With("component", "frame"),
	}, cfg.Channel.AllowedOrigins)

	r := mux.NewRouter()
	r.Handle("/frame", frames)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	srv := &http.Server{Addr: cfg.Channel.Listen, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("隔离上下文服务已启动", "addr", cfg.Channel.Listen, "allowedOrigins", cfg.Channel.AllowedOrigins)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Err(err, "服务异常退出")
		os.Exit(1)
	}
}
