// vehiclesim 通过 QUIC 提供一辆仿真车辆，用于本地联调 rcbridge。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/transairobot/rcbridge"
	"github.com/transairobot/rcbridge/simulator"
)

var (
	addr     = flag.String("addr", ":41451", "QUIC listen address")
	certFile = flag.String("cert", "", "TLS certificate file, self-signed when empty")
	keyFile  = flag.String("key", "", "TLS private key file")
	logLevel = flag.String("log-level", "info", "log level")
	maxSpeed = flag.Float64("max-speed", simulator.DefaultModel().MaxSpeed, "full-throttle speed in m/s")
)

func main() {
	flag.Parse()

	logger, err := rcbridge.NewLogger(rcbridge.LogConfig{Level: *logLevel, Console: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "vehiclesim: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	model := simulator.DefaultModel()
	model.MaxSpeed = *maxSpeed

	server := simulator.NewServer(simulator.NewVehicle(model), &simulator.Config{
		CertFile:    *certFile,
		PrivateFile: *keyFile,
	})
	if err := server.Listen(*addr); err != nil {
		logger.Fatal("启动仿真器失败", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var eg errgroup.Group
	eg.Go(server.Serve)
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("正在关闭仿真器")
		return server.Stop()
	})

	if err := eg.Wait(); err != nil {
		logger.Fatal("仿真器异常退出", zap.Error(err))
	}
}
