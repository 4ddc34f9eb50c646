// rcbridge 接收 UDP 文本指令并转发给车辆仿真后端。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/transairobot/rcbridge"
	"github.com/transairobot/rcbridge/simlink"
	"github.com/transairobot/rcbridge/ui"
)

var (
	configPath  = flag.String("config", "", "YAML config file")
	listenAddr  = flag.String("listen", "", "UDP command address, overrides listener.addr")
	uiAddr      = flag.String("ui", "", "websocket UI address, overrides ui.addr")
	backendHost = flag.String("backend-host", "", "simulator host, overrides backend.host")
	backendPort = flag.Int("backend-port", 0, "simulator port, overrides backend.port")
	connect     = flag.Bool("connect", false, "connect to the simulator on startup")
	logLevel    = flag.String("log-level", "", "log level, overrides log.level")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rcbridge: %v\n", err)
		os.Exit(2)
	}

	logger, err := rcbridge.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rcbridge: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := run(cfg); err != nil {
		logger.Fatal("桥接进程异常退出", zap.Error(err))
	}
}

func loadConfig() (rcbridge.Config, error) {
	cfg := rcbridge.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = rcbridge.LoadConfig(*configPath); err != nil {
			return cfg, err
		}
	}

	if *listenAddr != "" {
		cfg.Listener.Addr = *listenAddr
	}
	if *uiAddr != "" {
		cfg.UI.Addr = *uiAddr
	}
	if *backendHost != "" {
		cfg.Backend.Host = *backendHost
	}
	if *backendPort != 0 {
		cfg.Backend.Port = *backendPort
	}
	if *connect {
		cfg.Backend.AutoConnect = true
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	return cfg, cfg.Validate()
}

func run(cfg rcbridge.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend := simlink.NewClient(simlink.Config{
		InsecureSkipVerify: cfg.Backend.InsecureSkipVerify,
		RequestTimeout:     cfg.Session.CallTimeout,
	})
	session := rcbridge.NewSession(backend, cfg.Session)

	if cfg.Backend.AutoConnect {
		// 连接失败不退出，之后可以从界面重新连接
		if err := session.Connect(ctx, cfg.Backend.Host, cfg.Backend.Port); err != nil {
			zap.L().Error("连接仿真后端失败", zap.Error(err))
		}
	}

	listener := rcbridge.NewListener(cfg.Listener, session)
	if err := listener.Start(); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	if cfg.UI.Addr != "" {
		server := ui.NewServer(cfg.UI, session, listener, cfg.Backend)
		eg.Go(func() error { return server.ListenAndServe(ctx) })
	}
	eg.Go(func() error {
		<-ctx.Done()
		zap.L().Info("正在关闭")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := listener.Stop()
		if derr := session.Disconnect(shutdownCtx); derr != nil {
			zap.L().Warn("断开仿真后端失败", zap.Error(derr))
		}
		return err
	})

	return eg.Wait()
}
