// Package ui 提供 websocket 操作界面适配器：按键、原始指令、模式切换和周期性状态推送。
// 所有控制都经由 Session 完成，界面不直接访问后端。
package ui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/transairobot/rcbridge"
	"github.com/transairobot/rcbridge/command"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

const writeWait = 2 * time.Second

// Controller 界面依赖的会话操作，*rcbridge.Session 实现该接口
type Controller interface {
	HandleCommand(ctx context.Context, raw string) string
	SwitchMode(ctx context.Context, mode command.DriveMode) string
	Status() rcbridge.Status
	Refresh(ctx context.Context) (rcbridge.Status, error)
	Connect(ctx context.Context, host string, port int) error
	Disconnect(ctx context.Context) error
}

// ListenerControl 界面上的监听开关，*rcbridge.Listener 实现该接口
type ListenerControl interface {
	Start() error
	Stop() error
	Listening() bool
}

// Inbound 界面发来的消息
type Inbound struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Key     string `json:"key,omitempty"`
	Pressed bool   `json:"pressed,omitempty"`
	Mode    string `json:"mode,omitempty"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
	Enable  bool   `json:"enable,omitempty"`
}

// Reply 对单条界面消息的回复
type Reply struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// StatusMessage 周期推送的状态
type StatusMessage struct {
	Type string `json:"type"`
	rcbridge.Status
	Listening bool `json:"listening"`
}

type Server struct {
	conf     rcbridge.UIConfig
	backend  rcbridge.BackendConfig
	session  Controller
	listener ListenerControl
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

// client 单个 websocket 连接，gorilla 连接不支持并发写
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// NewServer 创建界面服务器。listener 可以为 nil，此时监听开关不可用。
// backend 提供 connect 消息缺省的主机和端口。
func NewServer(conf rcbridge.UIConfig, session Controller, listener ListenerControl, backend rcbridge.BackendConfig) *Server {
	if conf.StatusInterval <= 0 {
		conf.StatusInterval = 100 * time.Millisecond
	}
	return &Server{
		conf:     conf,
		backend:  backend,
		session:  session,
		listener: listener,
		logger:   zap.L().Named("ui"),
		clients:  map[*client]struct{}{},
	}
}

// Handler 返回界面的 HTTP 路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	return mux
}

// ListenAndServe 启动 HTTP 服务和状态推送，ctx 取消后优雅关闭
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.conf.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.conf.Addr, err)
	}
	return s.Serve(ctx, lis)
}

func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{Handler: s.Handler()}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.pushStatus(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()
	s.logger.Info("界面服务已启动", zap.String("addr", lis.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	s.closeClients()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.statusMessage(s.session.Status())); err != nil {
		s.logger.Warn("写入状态失败", zap.Error(err))
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket 升级失败", zap.Error(err))
		return
	}

	c := &client{conn: conn}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("界面已连接", zap.String("remote", conn.RemoteAddr().String()))

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close()
		s.logger.Info("界面已断开", zap.String("remote", conn.RemoteAddr().String()))
	}()

	for {
		var msg Inbound
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("读取界面消息失败", zap.Error(err))
			}
			return
		}

		text, ok := s.handleInbound(r.Context(), msg)
		if !ok {
			continue
		}
		if err := c.writeJSON(Reply{Type: "reply", Text: text}); err != nil {
			s.logger.Debug("发送回复失败", zap.Error(err))
			return
		}
	}
}

// handleInbound 处理一条界面消息，返回的 bool 表示是否需要回复
func (s *Server) handleInbound(ctx context.Context, msg Inbound) (string, bool) {
	switch msg.Type {
	case "command":
		return s.session.HandleCommand(ctx, msg.Text), true
	case "key":
		raw, ok := keyCommand(msg.Key, msg.Pressed)
		if !ok {
			return "", false
		}
		return s.session.HandleCommand(ctx, raw), true
	case "mode":
		switch strings.ToLower(msg.Mode) {
		case command.Manual.Token():
			return s.session.SwitchMode(ctx, command.Manual), true
		case command.Autonomous.Token():
			return s.session.SwitchMode(ctx, command.Autonomous), true
		}
		return fmt.Sprintf("unknown mode: %s", msg.Mode), true
	case "connect":
		return s.connect(ctx, msg.Host, msg.Port), true
	case "disconnect":
		if err := s.session.Disconnect(ctx); err != nil {
			return "disconnect failed: " + err.Error(), true
		}
		return "disconnected", true
	case "listener":
		return s.toggleListener(msg.Enable), true
	}
	return fmt.Sprintf("unknown message type: %s", msg.Type), true
}

// keyCommand 按下控制键发送对应指令；松开 w/s 发送 stop，松开转向键不发送
func keyCommand(key string, pressed bool) (string, bool) {
	cmd, err := command.Parse(key)
	if err != nil {
		return "", false
	}
	ctrl, ok := cmd.(command.Control)
	if !ok {
		return "", false
	}
	if pressed {
		return command.Format(ctrl), true
	}
	switch ctrl.Key {
	case command.Forward, command.Backward:
		return command.Format(command.Control{Key: command.Stop}), true
	}
	return "", false
}

func (s *Server) connect(ctx context.Context, host string, port int) string {
	if host == "" {
		host = s.backend.Host
	}
	if port == 0 {
		port = s.backend.Port
	}
	if err := s.session.Connect(ctx, host, port); err != nil {
		return "connect failed: " + err.Error()
	}
	return fmt.Sprintf("connected to %s", net.JoinHostPort(host, fmt.Sprint(port)))
}

func (s *Server) toggleListener(enable bool) string {
	if s.listener == nil {
		return "listener control unavailable"
	}
	if enable {
		if err := s.listener.Start(); err != nil {
			return "listener start failed: " + err.Error()
		}
		return "listener started"
	}
	if err := s.listener.Stop(); err != nil {
		return "listener stop failed: " + err.Error()
	}
	return "listener stopped"
}

func (s *Server) statusMessage(st rcbridge.Status) StatusMessage {
	msg := StatusMessage{Type: "status", Status: st}
	if s.listener != nil {
		msg.Listening = s.listener.Listening()
	}
	return msg
}

// pushStatus 定期刷新车辆状态并推送给所有界面
func (s *Server) pushStatus(ctx context.Context) {
	ticker := time.NewTicker(s.conf.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !s.hasClients() {
			continue
		}
		st, err := s.session.Refresh(ctx)
		if err != nil {
			s.logger.Debug("刷新状态失败", zap.Error(err))
		}
		s.broadcast(s.statusMessage(st))
	}
}

func (s *Server) hasClients() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients) > 0
}

func (s *Server) broadcast(v any) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.writeJSON(v); err != nil {
			s.logger.Debug("推送状态失败", zap.Error(err))
		}
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.conn.Close()
	}
}
