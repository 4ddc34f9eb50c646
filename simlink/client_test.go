package simlink

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/transairobot/rcbridge"
	"github.com/transairobot/rcbridge/command"
	"github.com/transairobot/rcbridge/simulator"
)

func init() {
	logger, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(logger)
}

func startSimulator(t *testing.T) (string, int) {
	t.Helper()

	server := simulator.NewServer(simulator.NewVehicle(simulator.DefaultModel()), &simulator.Config{})
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("启动仿真器失败: %v", err)
	}
	go server.Serve()
	t.Cleanup(func() { server.Stop() })

	addr := server.Addr().(*net.UDPAddr)
	return addr.IP.String(), addr.Port
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClientRoundTrip(t *testing.T) {
	host, port := startSimulator(t)
	ctx := testContext(t)

	client := NewClient(Config{InsecureSkipVerify: true})
	if client.ClientID() == "" {
		t.Fatal("客户端ID为空")
	}
	if err := client.Connect(ctx, host, port); err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer client.Disconnect(ctx)

	if err := client.Connect(ctx, host, port); err == nil {
		t.Error("重复连接应失败")
	}

	a := command.Neutral().WithProperty(command.Throttle, 1)
	if err := client.SetControls(ctx, a); err != nil {
		t.Fatalf("设置执行量失败: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	snap, err := client.GetState(ctx)
	if err != nil {
		t.Fatalf("读取状态失败: %v", err)
	}
	if snap.Speed <= 0 || snap.Position.X <= 0 {
		t.Errorf("全油门后车辆应前进, 得到 %+v", snap)
	}
}

func TestClientNotConnected(t *testing.T) {
	ctx := testContext(t)
	client := NewClient(Config{InsecureSkipVerify: true})

	if err := client.SetControls(ctx, command.Neutral()); !errors.Is(err, rcbridge.ErrBackendUnavailable) {
		t.Errorf("期望 ErrBackendUnavailable, 得到 %v", err)
	}
	if _, err := client.GetState(ctx); !errors.Is(err, rcbridge.ErrBackendUnavailable) {
		t.Errorf("期望 ErrBackendUnavailable, 得到 %v", err)
	}
	if err := client.Disconnect(ctx); err != nil {
		t.Errorf("未连接时断开应直接返回, 得到 %v", err)
	}
}

func TestClientReleaseOnDisconnect(t *testing.T) {
	host, port := startSimulator(t)
	ctx := testContext(t)

	first := NewClient(Config{InsecureSkipVerify: true})
	if err := first.Connect(ctx, host, port); err != nil {
		t.Fatal(err)
	}

	second := NewClient(Config{InsecureSkipVerify: true})
	err := second.Connect(ctx, host, port)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("车辆已被占用时期望 RemoteError, 得到 %v", err)
	}

	if err := first.Disconnect(ctx); err != nil {
		t.Fatalf("断开失败: %v", err)
	}
	if err := second.Connect(ctx, host, port); err != nil {
		t.Fatalf("释放后连接失败: %v", err)
	}
	second.Disconnect(ctx)
}

func TestClientDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	client := NewClient(Config{InsecureSkipVerify: true})
	if err := client.Connect(ctx, "127.0.0.1", 1); err == nil {
		t.Error("连接不存在的仿真器应失败")
	}
	if _, err := client.GetState(context.Background()); !errors.Is(err, rcbridge.ErrBackendUnavailable) {
		t.Errorf("连接失败后应保持未连接, 得到 %v", err)
	}
}

func TestRemoteErrorMessage(t *testing.T) {
	err := &RemoteError{HandleID: 2, Message: "api control not enabled for this client"}
	if got := err.Error(); got != "simulator rejected request 2: api control not enabled for this client" {
		t.Errorf("错误信息为 %q", got)
	}
}
