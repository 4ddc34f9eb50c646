package ui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/transairobot/rcbridge"
	"github.com/transairobot/rcbridge/command"
)

func init() {
	logger, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(logger)
}

type fakeController struct {
	mu        sync.Mutex
	commands  []string
	modes     []command.DriveMode
	connected string
	refreshes int
}

func (f *fakeController) HandleCommand(ctx context.Context, raw string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, raw)
	return "ok: " + raw
}

func (f *fakeController) SwitchMode(ctx context.Context, mode command.DriveMode) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes = append(f.modes, mode)
	return "mode " + mode.String()
}

func (f *fakeController) Status() rcbridge.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return rcbridge.Status{Connected: f.connected != "", Mode: "manual"}
}

func (f *fakeController) Refresh(ctx context.Context) (rcbridge.Status, error) {
	f.mu.Lock()
	f.refreshes++
	f.mu.Unlock()
	return f.Status(), nil
}

func (f *fakeController) Connect(ctx context.Context, host string, port int) error {
	if host == "bad" {
		return errors.New("dial failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = host
	return nil
}

func (f *fakeController) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = ""
	return nil
}

func (f *fakeController) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

type fakeListener struct {
	mu        sync.Mutex
	listening bool
}

func (l *fakeListener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listening {
		return rcbridge.ErrAlreadyListening
	}
	l.listening = true
	return nil
}

func (l *fakeListener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listening = false
	return nil
}

func (l *fakeListener) Listening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listening
}

func newTestServer(t *testing.T, ctrl Controller, lis ListenerControl) (*Server, *httptest.Server) {
	t.Helper()

	srv := NewServer(rcbridge.UIConfig{StatusInterval: 20 * time.Millisecond}, ctrl, lis,
		rcbridge.BackendConfig{Host: "127.0.0.1", Port: 41451})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("连接 websocket 失败: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func exchange(t *testing.T, conn *websocket.Conn, msg Inbound) string {
	t.Helper()

	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("发送消息失败: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var reply map[string]any
		if err := conn.ReadJSON(&reply); err != nil {
			t.Fatalf("读取回复失败: %v", err)
		}
		if reply["type"] == "reply" {
			return reply["text"].(string)
		}
	}
}

func TestKeyCommand(t *testing.T) {
	cases := []struct {
		key     string
		pressed bool
		want    string
		ok      bool
	}{
		{"w", true, "w", true},
		{"W", true, "w", true},
		{"a", true, "a", true},
		{"w", false, "stop", true},
		{"s", false, "stop", true},
		{"a", false, "", false},
		{"d", false, "", false},
		{"x", true, "", false},
		{"get speed", true, "", false},
	}
	for _, tc := range cases {
		got, ok := keyCommand(tc.key, tc.pressed)
		if got != tc.want || ok != tc.ok {
			t.Errorf("keyCommand(%q, %v) = %q, %v; 期望 %q, %v", tc.key, tc.pressed, got, ok, tc.want, tc.ok)
		}
	}
}

func TestServerMessages(t *testing.T) {
	ctrl := &fakeController{}
	lis := &fakeListener{}
	_, ts := newTestServer(t, ctrl, lis)
	conn := dialWS(t, ts)

	if got := exchange(t, conn, Inbound{Type: "command", Text: "get speed"}); got != "ok: get speed" {
		t.Errorf("指令回复为 %q", got)
	}
	if got := exchange(t, conn, Inbound{Type: "key", Key: "w", Pressed: true}); got != "ok: w" {
		t.Errorf("按键回复为 %q", got)
	}
	if got := exchange(t, conn, Inbound{Type: "key", Key: "w", Pressed: false}); got != "ok: stop" {
		t.Errorf("松键回复为 %q", got)
	}
	if got := exchange(t, conn, Inbound{Type: "mode", Mode: "a"}); got != "mode autonomous" {
		t.Errorf("模式回复为 %q", got)
	}
	if got := exchange(t, conn, Inbound{Type: "mode", Mode: "x"}); got != "unknown mode: x" {
		t.Errorf("未知模式回复为 %q", got)
	}
	if got := exchange(t, conn, Inbound{Type: "connect"}); got != "connected to 127.0.0.1:41451" {
		t.Errorf("连接回复为 %q", got)
	}
	if got := exchange(t, conn, Inbound{Type: "connect", Host: "bad", Port: 1}); got != "connect failed: dial failed" {
		t.Errorf("连接失败回复为 %q", got)
	}
	if got := exchange(t, conn, Inbound{Type: "disconnect"}); got != "disconnected" {
		t.Errorf("断开回复为 %q", got)
	}
	if got := exchange(t, conn, Inbound{Type: "listener", Enable: true}); got != "listener started" || !lis.Listening() {
		t.Errorf("开启监听回复为 %q", got)
	}
	if got := exchange(t, conn, Inbound{Type: "listener", Enable: true}); !strings.HasPrefix(got, "listener start failed") {
		t.Errorf("重复开启监听回复为 %q", got)
	}
	if got := exchange(t, conn, Inbound{Type: "listener", Enable: false}); got != "listener stopped" {
		t.Errorf("关闭监听回复为 %q", got)
	}
	if got := exchange(t, conn, Inbound{Type: "bogus"}); got != "unknown message type: bogus" {
		t.Errorf("未知消息回复为 %q", got)
	}

	got := ctrl.recorded()
	want := []string{"get speed", "w", "stop"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("转发的指令为 %v, 期望 %v", got, want)
	}
}

func TestServerListenerUnavailable(t *testing.T) {
	_, ts := newTestServer(t, &fakeController{}, nil)
	conn := dialWS(t, ts)

	if got := exchange(t, conn, Inbound{Type: "listener", Enable: true}); got != "listener control unavailable" {
		t.Errorf("回复为 %q", got)
	}
}

func TestServerPushesStatus(t *testing.T) {
	ctrl := &fakeController{connected: "127.0.0.1"}
	srv, ts := newTestServer(t, ctrl, &fakeListener{listening: true})
	conn := dialWS(t, ts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.pushStatus(ctx)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg StatusMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("读取状态失败: %v", err)
	}
	if msg.Type != "status" || !msg.Connected || !msg.Listening || msg.Mode != "manual" {
		t.Errorf("状态为 %+v", msg)
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, ts := newTestServer(t, &fakeController{}, &fakeListener{})

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("解析状态失败: %v", err)
	}
	if body["type"] != "status" || body["connected"] != false || body["listening"] != false {
		t.Errorf("状态为 %v", body)
	}
}
